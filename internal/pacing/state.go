package pacing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

const (
	maxSampleHistory      = 100
	maxAbandonmentHistory = 50
)

// CampaignDialingState is the in-process pacing state for one campaign.
// Histories are bounded; the oldest entries fall off.
type CampaignDialingState struct {
	CampaignID         uuid.UUID
	Mode               domain.DialMode
	CurrentDialRatio   float64
	Active             bool
	Degraded           bool
	LastDecision       *domain.DialingDecision
	LastEvaluatedAt    time.Time
	SampleHistory      []domain.PredictiveMetricsSample
	AbandonmentHistory []float64
}

func (s *CampaignDialingState) recordSample(sample domain.PredictiveMetricsSample) {
	s.SampleHistory = append(s.SampleHistory, sample)
	if len(s.SampleHistory) > maxSampleHistory {
		s.SampleHistory = s.SampleHistory[len(s.SampleHistory)-maxSampleHistory:]
	}
	s.AbandonmentHistory = append(s.AbandonmentHistory, sample.AbandonmentRate)
	if len(s.AbandonmentHistory) > maxAbandonmentHistory {
		s.AbandonmentHistory = s.AbandonmentHistory[len(s.AbandonmentHistory)-maxAbandonmentHistory:]
	}
}

func (s *CampaignDialingState) recordDecision(decision domain.DialingDecision) {
	d := decision
	s.LastDecision = &d
	s.CurrentDialRatio = decision.DialRatio
	s.LastEvaluatedAt = decision.Timestamp
	s.Degraded = false
}

// StateTracker holds per-campaign dialing state keyed by campaign id. Each
// state is guarded independently so one campaign's cycle never blocks
// another's.
type StateTracker struct {
	mu     sync.Mutex
	states map[uuid.UUID]*trackedState
}

type trackedState struct {
	mu    sync.Mutex
	state CampaignDialingState
}

// NewStateTracker constructs an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{states: make(map[uuid.UUID]*trackedState)}
}

func (t *StateTracker) entry(campaignID uuid.UUID) *trackedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.states[campaignID]
	if !ok {
		ts = &trackedState{state: CampaignDialingState{
			CampaignID: campaignID,
			Active:     true,
		}}
		t.states[campaignID] = ts
	}
	return ts
}

// Update applies fn to the campaign's state under its lock, creating the
// state on first reference.
func (t *StateTracker) Update(campaignID uuid.UUID, fn func(*CampaignDialingState)) {
	ts := t.entry(campaignID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fn(&ts.state)
}

// Snapshot returns a copy of the campaign's state, or false when the
// campaign has never been evaluated.
func (t *StateTracker) Snapshot(campaignID uuid.UUID) (CampaignDialingState, bool) {
	t.mu.Lock()
	ts, ok := t.states[campaignID]
	t.mu.Unlock()
	if !ok {
		return CampaignDialingState{}, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	copied := ts.state
	copied.SampleHistory = append([]domain.PredictiveMetricsSample(nil), ts.state.SampleHistory...)
	copied.AbandonmentHistory = append([]float64(nil), ts.state.AbandonmentHistory...)
	if ts.state.LastDecision != nil {
		d := *ts.state.LastDecision
		copied.LastDecision = &d
	}
	return copied, true
}

// Deactivate marks the campaign's state inactive, keeping its histories for
// inspection.
func (t *StateTracker) Deactivate(campaignID uuid.UUID) {
	t.Update(campaignID, func(s *CampaignDialingState) {
		s.Active = false
	})
}
