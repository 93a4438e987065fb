package dialqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// DefaultMaxRetries applies when a campaign does not configure its own bound.
const DefaultMaxRetries = 3

// StopGuard reports whether a campaign has been emergency-stopped.
type StopGuard interface {
	IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Service fronts the dial queue: claim, release, completion, generation and
// metrics. Claims are fenced by the emergency-stop guard so a stopped
// campaign hands out no new work.
type Service struct {
	queue     repository.DialQueueRepository
	campaigns repository.CampaignRepository
	outcomes  repository.OutcomeStore
	stops     StopGuard
	log       *logger.Logger
}

// NewService constructs the dial queue service.
func NewService(
	queue repository.DialQueueRepository,
	campaigns repository.CampaignRepository,
	outcomes repository.OutcomeStore,
	stops StopGuard,
	log *logger.Logger,
) *Service {
	return &Service{queue: queue, campaigns: campaigns, outcomes: outcomes, stops: stops, log: log}
}

// Generate refreshes queued entries for the campaign from eligible contacts.
func (s *Service) Generate(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error) {
	if _, err := s.campaigns.LoadActiveCampaign(ctx, campaignID); err != nil {
		return 0, fmt.Errorf("%w: campaign %s", apperrors.ErrValidation, campaignID)
	}
	return s.queue.GenerateForCampaign(ctx, campaignID, maxRecords)
}

// Claim atomically assigns the best queued entry among the eligible
// campaigns to the agent. Stopped campaigns are filtered out before the
// claim; a lost race or an empty queue returns (nil, nil).
func (s *Service) Claim(ctx context.Context, agentID uuid.UUID, campaignIDs []uuid.UUID) (*domain.DialQueueEntry, error) {
	eligible := make([]uuid.UUID, 0, len(campaignIDs))
	for _, id := range campaignIDs {
		stopped, err := s.stops.IsStopped(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dial queue: stop check: %w", err)
		}
		if !stopped {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	return s.queue.ClaimNext(ctx, agentID, eligible)
}

// ClaimUnattended claims the next entry for predictive dispatch, leaving it
// unassigned until an agent picks up the connected call.
func (s *Service) ClaimUnattended(ctx context.Context, campaignID uuid.UUID) (*domain.DialQueueEntry, error) {
	return s.Claim(ctx, uuid.Nil, []uuid.UUID{campaignID})
}

// Release returns a dialing entry to the queue, escalating to failed past
// the campaign's retry bound.
func (s *Service) Release(ctx context.Context, entryID uuid.UUID, reason string) (*domain.DialQueueEntry, error) {
	maxRetries, err := s.maxRetriesFor(ctx, entryID)
	if err != nil {
		return nil, err
	}

	entry, err := s.queue.Release(ctx, entryID, reason, maxRetries)
	if err != nil {
		return nil, err
	}

	if entry.Status == domain.EntryStatusFailed {
		s.log.Info("dial queue: entry exhausted retries",
			zap.String("entry_id", entry.ID.String()),
			zap.String("campaign_id", entry.CampaignID.String()),
			zap.Int("retry_count", entry.RetryCount),
			zap.String("reason", reason))
		s.recordOutcome(ctx, entry, false, false)
	}
	return entry, nil
}

// Complete finishes a dialing or connected entry and records its outcome for
// trailing-window aggregation.
func (s *Service) Complete(ctx context.Context, entryID uuid.UUID, status domain.QueueEntryStatus, outcome string) (*domain.DialQueueEntry, error) {
	if status != domain.EntryStatusCompleted && status != domain.EntryStatusAbandoned {
		return nil, fmt.Errorf("%w: complete status must be completed or abandoned, got %s", apperrors.ErrValidation, status)
	}

	entry, err := s.queue.Complete(ctx, entryID, status, outcome)
	if err != nil {
		return nil, err
	}

	answered := status == domain.EntryStatusCompleted
	abandoned := status == domain.EntryStatusAbandoned
	s.recordOutcome(ctx, entry, answered, abandoned)
	return entry, nil
}

// MarkConnected moves a dialing entry to connected.
func (s *Service) MarkConnected(ctx context.Context, entryID uuid.UUID) error {
	return s.queue.MarkConnected(ctx, entryID)
}

// GetEntry fetches one entry.
func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (*domain.DialQueueEntry, error) {
	return s.queue.GetEntry(ctx, entryID)
}

// Metrics returns live queue statistics for a campaign.
func (s *Service) Metrics(ctx context.Context, campaignID uuid.UUID, window time.Duration) (*domain.QueueMetrics, error) {
	return s.queue.Metrics(ctx, campaignID, window)
}

// ArchiveTerminal prunes terminal entries past the retention window.
func (s *Service) ArchiveTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return s.queue.ArchiveTerminal(ctx, time.Now().UTC().Add(-retention))
}

func (s *Service) maxRetriesFor(ctx context.Context, entryID uuid.UUID) (int, error) {
	entry, err := s.queue.GetEntry(ctx, entryID)
	if err != nil {
		return 0, fmt.Errorf("%w: queue entry %s", apperrors.ErrValidation, entryID)
	}

	campaign, err := s.campaigns.Get(ctx, entry.CampaignID)
	if err != nil || campaign.MaxRetries <= 0 {
		return DefaultMaxRetries, nil
	}
	return campaign.MaxRetries, nil
}

func (s *Service) recordOutcome(ctx context.Context, entry *domain.DialQueueEntry, answered, abandoned bool) {
	var duration time.Duration
	if entry.DialedAt != nil && entry.CompletedAt != nil {
		duration = entry.CompletedAt.Sub(*entry.DialedAt)
	}

	outcome := domain.CallOutcome{
		CampaignID: entry.CampaignID,
		EntryID:    entry.ID,
		ContactID:  entry.ContactID,
		Outcome:    entry.Outcome,
		Answered:   answered,
		Abandoned:  abandoned,
		Duration:   duration,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.outcomes.Append(ctx, outcome); err != nil {
		s.log.Warn("dial queue: record outcome",
			zap.Error(err), zap.String("entry_id", entry.ID.String()))
	}
}
