package pacing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/engine"
	"github.com/acme/predictive-dialer/internal/repository/memory"
	"github.com/acme/predictive-dialer/pkg/logger"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples map[uuid.UUID]domain.PredictiveMetricsSample
	fail    map[uuid.UUID]bool
	calls   map[uuid.UUID]int
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		samples: make(map[uuid.UUID]domain.PredictiveMetricsSample),
		fail:    make(map[uuid.UUID]bool),
		calls:   make(map[uuid.UUID]int),
	}
}

func (f *fakeSampler) Sample(ctx context.Context, campaignID uuid.UUID) (domain.PredictiveMetricsSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[campaignID]++
	if f.fail[campaignID] {
		return domain.PredictiveMetricsSample{}, errors.New("metrics backend down")
	}
	return f.samples[campaignID], nil
}

func (f *fakeSampler) sampleCalls(campaignID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[campaignID]
}

type fakeQueueService struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]*domain.DialQueueEntry
}

func newFakeQueueService() *fakeQueueService {
	return &fakeQueueService{entries: make(map[uuid.UUID][]*domain.DialQueueEntry)}
}

func (f *fakeQueueService) seed(campaignID uuid.UUID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.entries[campaignID] = append(f.entries[campaignID], &domain.DialQueueEntry{
			ID:         uuid.New(),
			CampaignID: campaignID,
			ContactID:  uuid.New(),
			Status:     domain.EntryStatusDialing,
		})
	}
}

func (f *fakeQueueService) Generate(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error) {
	return 0, nil
}

func (f *fakeQueueService) ClaimUnattended(ctx context.Context, campaignID uuid.UUID) (*domain.DialQueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.entries[campaignID]
	if len(queue) == 0 {
		return nil, nil
	}
	entry := queue[0]
	f.entries[campaignID] = queue[1:]
	return entry, nil
}

func (f *fakeQueueService) ArchiveTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	byCID map[uuid.UUID]int
}

func newCountingDispatcher() *countingDispatcher {
	return &countingDispatcher{byCID: make(map[uuid.UUID]int)}
}

func (d *countingDispatcher) Dispatch(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode, maxInFlight int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byCID[entry.CampaignID]++
	return nil
}

func (d *countingDispatcher) dispatched(campaignID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byCID[campaignID]
}

type memStops struct {
	mu      sync.Mutex
	stopped map[uuid.UUID]bool
}

func newMemStops() *memStops {
	return &memStops{stopped: make(map[uuid.UUID]bool)}
}

func (s *memStops) Set(ctx context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[campaignID] = true
	return nil
}

func (s *memStops) Clear(ctx context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopped, campaignID)
	return nil
}

func (s *memStops) IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[campaignID], nil
}

type schedulerFixture struct {
	store      *memory.Store
	sampler    *fakeSampler
	queue      *fakeQueueService
	dispatcher *countingDispatcher
	stops      *memStops
	decisions  *memory.DecisionLog
	scheduler  *Scheduler
}

func newSchedulerFixture() *schedulerFixture {
	store := memory.NewStore()
	sampler := newFakeSampler()
	queueSvc := newFakeQueueService()
	dispatcher := newCountingDispatcher()
	stops := newMemStops()
	decisions := memory.NewDecisionLog()

	scheduler := NewScheduler(
		store,
		sampler,
		queueSvc,
		dispatcher,
		decisions,
		stops,
		NewStateTracker(),
		engine.DefaultConfig(),
		config.PacingConfig{
			TickInterval: 10 * time.Second,
			StaggerDelay: time.Millisecond,
			WorkerCount:  2,
		},
		logger.NewNop(),
	)

	return &schedulerFixture{
		store:      store,
		sampler:    sampler,
		queue:      queueSvc,
		dispatcher: dispatcher,
		stops:      stops,
		decisions:  decisions,
		scheduler:  scheduler,
	}
}

func (f *schedulerFixture) addCampaign() *domain.Campaign {
	campaign := &domain.Campaign{
		ID:                    uuid.New(),
		Name:                  "test",
		Mode:                  domain.DialModePredictive,
		Active:                true,
		AutodialEnabled:       true,
		TargetAbandonmentRate: 0.05,
	}
	f.store.PutCampaign(campaign)
	return campaign
}

func healthySample(campaignID uuid.UUID) domain.PredictiveMetricsSample {
	return domain.PredictiveMetricsSample{
		CampaignID:          campaignID,
		Timestamp:           time.Now().UTC(),
		AnswerRate:          0.5,
		AverageCallDuration: 2 * time.Minute,
		AgentUtilization:    0.8,
		AbandonmentRate:     0.02,
		AvailableAgents:     10,
		ActiveCalls:         0,
		QueueDepth:          100,
	}
}

func TestTickIsolatesCampaignFailures(t *testing.T) {
	f := newSchedulerFixture()
	broken := f.addCampaign()
	healthy := f.addCampaign()

	f.sampler.fail[broken.ID] = true
	f.sampler.samples[healthy.ID] = healthySample(healthy.ID)
	f.queue.seed(healthy.ID, 3)

	f.scheduler.tick(context.Background())

	state, ok := f.scheduler.Tracker().Snapshot(broken.ID)
	if !ok || !state.Degraded {
		t.Fatalf("broken campaign not marked degraded: ok=%v state=%+v", ok, state)
	}

	if n := f.dispatcher.dispatched(healthy.ID); n != 3 {
		t.Fatalf("healthy campaign dispatched %d calls, want 3 (queue exhausted)", n)
	}
	healthyState, ok := f.scheduler.Tracker().Snapshot(healthy.ID)
	if !ok || healthyState.LastDecision == nil || !healthyState.LastDecision.ShouldDial {
		t.Fatalf("healthy campaign missing dial decision: %+v", healthyState)
	}
	if healthyState.Degraded {
		t.Fatal("healthy campaign must not be degraded")
	}
}

func TestTickAppendsDecisionToAuditLog(t *testing.T) {
	f := newSchedulerFixture()
	campaign := f.addCampaign()
	f.sampler.samples[campaign.ID] = healthySample(campaign.ID)

	f.scheduler.tick(context.Background())

	recent, err := f.decisions.Recent(context.Background(), campaign.ID, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("audit log has %d decisions, want 1", len(recent))
	}
}

func TestCampaignIntervalSlowsEvaluation(t *testing.T) {
	f := newSchedulerFixture()
	campaign := f.addCampaign()
	campaign.PacingInterval = time.Hour
	f.store.PutCampaign(campaign)
	f.sampler.samples[campaign.ID] = healthySample(campaign.ID)

	f.scheduler.tick(context.Background())
	f.scheduler.tick(context.Background())

	if n := f.sampler.sampleCalls(campaign.ID); n != 1 {
		t.Fatalf("campaign sampled %d times inside its interval, want 1", n)
	}

	recent, err := f.decisions.Recent(context.Background(), campaign.ID, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("audit log has %d decisions, want 1", len(recent))
	}
}

func TestEmergencyStopFencesNextTick(t *testing.T) {
	f := newSchedulerFixture()
	campaign := f.addCampaign()
	f.sampler.samples[campaign.ID] = healthySample(campaign.ID)
	f.queue.seed(campaign.ID, 5)

	if err := f.scheduler.EmergencyStop(context.Background(), campaign.ID); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}

	f.scheduler.tick(context.Background())

	if n := f.sampler.sampleCalls(campaign.ID); n != 0 {
		t.Fatalf("stopped campaign was sampled %d times, want 0", n)
	}
	if n := f.dispatcher.dispatched(campaign.ID); n != 0 {
		t.Fatalf("stopped campaign dispatched %d calls, want 0", n)
	}
	state, ok := f.scheduler.Tracker().Snapshot(campaign.ID)
	if !ok || state.Active {
		t.Fatalf("stopped campaign state should be deactivated: ok=%v state=%+v", ok, state)
	}
}

func TestResumeReenablesCampaign(t *testing.T) {
	f := newSchedulerFixture()
	campaign := f.addCampaign()
	f.sampler.samples[campaign.ID] = healthySample(campaign.ID)
	f.queue.seed(campaign.ID, 1)

	if err := f.scheduler.EmergencyStop(context.Background(), campaign.ID); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	if err := f.scheduler.Resume(context.Background(), campaign.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	f.scheduler.tick(context.Background())

	if n := f.dispatcher.dispatched(campaign.ID); n != 1 {
		t.Fatalf("resumed campaign dispatched %d calls, want 1", n)
	}
}
