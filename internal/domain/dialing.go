package domain

import (
	"time"

	"github.com/google/uuid"
)

// DialMode enumerates pacing strategies ordered by aggressiveness.
type DialMode string

const (
	DialModeProgressive DialMode = "progressive"
	DialModePredictive  DialMode = "predictive"
	DialModePower       DialMode = "power"
)

// Valid reports whether the mode is a known pacing strategy.
func (m DialMode) Valid() bool {
	switch m {
	case DialModeProgressive, DialModePredictive, DialModePower:
		return true
	}
	return false
}

// QueueEntryStatus enumerates lifecycle stages of a dial queue entry.
type QueueEntryStatus string

const (
	EntryStatusQueued    QueueEntryStatus = "queued"
	EntryStatusDialing   QueueEntryStatus = "dialing"
	EntryStatusConnected QueueEntryStatus = "connected"
	EntryStatusCompleted QueueEntryStatus = "completed"
	EntryStatusFailed    QueueEntryStatus = "failed"
	EntryStatusAbandoned QueueEntryStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueEntryStatus) Terminal() bool {
	switch s {
	case EntryStatusCompleted, EntryStatusFailed, EntryStatusAbandoned:
		return true
	}
	return false
}

// DialQueueEntry is one contact's pending or in-progress outbound dial attempt.
// At most one entry per contact may be non-terminal at a time, and
// AssignedAgentID is non-nil only while the entry is dialing or connected.
type DialQueueEntry struct {
	ID              uuid.UUID
	CampaignID      uuid.UUID
	ContactID       uuid.UUID
	PhoneNumber     string
	Priority        int
	Status          QueueEntryStatus
	QueuedAt        time.Time
	AssignedAgentID *uuid.UUID
	DialedAt        *time.Time
	CompletedAt     *time.Time
	Outcome         string
	RetryCount      int
}

// QueueMetrics summarises the live state of a campaign's dial queue.
type QueueMetrics struct {
	CampaignID       uuid.UUID
	QueuedCount      int
	DialingCount     int
	OldestQueuedWait time.Duration
	MeanDialLatency  time.Duration
}

// AgentStatus enumerates agent availability states.
type AgentStatus string

const (
	AgentStatusOffline   AgentStatus = "OFFLINE"
	AgentStatusAvailable AgentStatus = "AVAILABLE"
	AgentStatusOnCall    AgentStatus = "ON_CALL"
	AgentStatusACW       AgentStatus = "ACW"
	AgentStatusAway      AgentStatus = "AWAY"
	AgentStatusBreak     AgentStatus = "BREAK"
)

// AgentState tracks one agent's availability. CurrentContactID is non-nil
// only while the agent is ON_CALL.
type AgentState struct {
	AgentID           uuid.UUID
	Status            AgentStatus
	CurrentCampaignID *uuid.UUID
	CurrentContactID  *uuid.UUID
	LastStatusChange  time.Time
	SessionStartTime  *time.Time
	DialCount         int
}

// PredictiveMetricsSample is an immutable snapshot of the signals the
// decision engine consumes for one campaign.
type PredictiveMetricsSample struct {
	CampaignID          uuid.UUID
	Timestamp           time.Time
	AnswerRate          float64
	AverageCallDuration time.Duration
	AgentUtilization    float64
	AbandonmentRate     float64
	AvailableAgents     int
	ActiveCalls         int
	QueueDepth          int
}

// PredictedOutcome carries the engine's forecast for a dialing decision.
type PredictedOutcome struct {
	ExpectedAnswers      float64 `json:"expected_answers"`
	ExpectedAbandonments float64 `json:"expected_abandonments"`
	UtilizationImpact    float64 `json:"utilization_impact"`
}

// DialingDecision is the immutable output of one pacing evaluation.
type DialingDecision struct {
	CampaignID       uuid.UUID        `json:"campaign_id"`
	ShouldDial       bool             `json:"should_dial"`
	DialRatio        float64          `json:"dial_ratio"`
	CallsToPlace     int              `json:"calls_to_place"`
	Mode             DialMode         `json:"mode"`
	Reasoning        string           `json:"reasoning"`
	PredictedOutcome PredictedOutcome `json:"predicted_outcome"`
	Timestamp        time.Time        `json:"timestamp"`
}

// CallOutcome records the terminal result of one dial attempt, persisted for
// trailing-window rate aggregations.
type CallOutcome struct {
	CampaignID uuid.UUID
	EntryID    uuid.UUID
	ContactID  uuid.UUID
	Outcome    string
	Answered   bool
	Abandoned  bool
	Duration   time.Duration
	OccurredAt time.Time
}

// Campaign carries the pacing-relevant configuration of a dialing campaign.
// CRUD of the full campaign definition lives outside this subsystem.
type Campaign struct {
	ID                    uuid.UUID
	Name                  string
	Mode                  DialMode
	Active                bool
	AutodialEnabled       bool
	TargetAbandonmentRate float64
	MinDialRatio          float64
	MaxDialRatio          float64
	PacingInterval        time.Duration
	MaxInFlightDispatches int
	MaxRetries            int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
