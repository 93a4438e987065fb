package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a conditional update lost a race.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository reads and updates pacing-relevant campaign configuration.
type CampaignRepository interface {
	LoadActiveCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error)
	UpdateMode(ctx context.Context, id uuid.UUID, mode domain.DialMode) error
	UpdatePacing(ctx context.Context, id uuid.UUID, update PacingUpdate) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// PacingUpdate carries administrative pacing-parameter changes. Nil fields
// are left untouched.
type PacingUpdate struct {
	TargetAbandonmentRate *float64
	MinDialRatio          *float64
	MaxDialRatio          *float64
	PacingInterval        *time.Duration
	MaxInFlightDispatches *int
}

// DialQueueRepository persists dial queue entries with conditional-update
// semantics: claim and release are single atomic operations against the
// store, safe across processes.
type DialQueueRepository interface {
	// GenerateForCampaign clears stale queued entries and inserts entries for
	// up to maxRecords eligible contacts. Safe to call concurrently for the
	// same campaign; a contact with a non-terminal entry is never duplicated.
	GenerateForCampaign(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error)

	// ClaimNext atomically transitions the best queued entry among the
	// eligible campaigns to dialing and assigns it to the agent. A zero
	// agent id leaves the entry unassigned (predictive dispatch). Returns
	// (nil, nil) when no entry is available, including lost races.
	ClaimNext(ctx context.Context, agentID uuid.UUID, campaignIDs []uuid.UUID) (*domain.DialQueueEntry, error)

	// Release reverts a dialing entry to queued and increments its retry
	// count; past maxRetries the entry is marked failed instead. Returns the
	// resulting entry.
	Release(ctx context.Context, entryID uuid.UUID, reason string, maxRetries int) (*domain.DialQueueEntry, error)

	// Complete transitions a dialing or connected entry to the given terminal
	// status, stamping completion time and outcome.
	Complete(ctx context.Context, entryID uuid.UUID, status domain.QueueEntryStatus, outcome string) (*domain.DialQueueEntry, error)

	// MarkConnected transitions a dialing entry to connected.
	MarkConnected(ctx context.Context, entryID uuid.UUID) error

	GetEntry(ctx context.Context, entryID uuid.UUID) (*domain.DialQueueEntry, error)

	// Metrics aggregates live queue counts and trailing-window latency.
	Metrics(ctx context.Context, campaignID uuid.UUID, window time.Duration) (*domain.QueueMetrics, error)

	// ArchiveTerminal removes terminal entries older than the retention
	// window and returns the number archived.
	ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// AgentStateRepository persists per-agent availability state.
type AgentStateRepository interface {
	Upsert(ctx context.Context, state *domain.AgentState) error
	GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.AgentState, error)
	Delete(ctx context.Context, agentID uuid.UUID) error
	CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.AgentStatus) (int, error)
	CountsByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.AgentStatus]int, error)
}

// OutcomeStore records terminal call outcomes for trailing-window rate
// aggregations.
type OutcomeStore interface {
	Append(ctx context.Context, outcome domain.CallOutcome) error
	RecentOutcomes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]domain.CallOutcome, error)
}

// DecisionLog is the bounded per-campaign audit log of dialing decisions.
type DecisionLog interface {
	Append(ctx context.Context, decision domain.DialingDecision) error
	Recent(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialingDecision, error)
}
