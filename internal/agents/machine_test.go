package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/dialqueue"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository/memory"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	entries []*domain.DialQueueEntry
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode, maxInFlight int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type openStops struct{}

func (openStops) IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	return false, nil
}

type machineFixture struct {
	store      *memory.Store
	machine    *Machine
	dispatcher *fakeDispatcher
	campaign   *domain.Campaign
}

func newFixture(t *testing.T, acw time.Duration) *machineFixture {
	t.Helper()
	store := memory.NewStore()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		Name:            "test",
		Mode:            domain.DialModeProgressive,
		Active:          true,
		AutodialEnabled: true,
		MaxRetries:      3,
	}
	store.PutCampaign(campaign)

	queueSvc := dialqueue.NewService(store, store, store, openStops{}, logger.NewNop())
	dispatcher := &fakeDispatcher{}
	machine := NewMachine(store, store, queueSvc, dispatcher, acw, logger.NewNop())
	return &machineFixture{store: store, machine: machine, dispatcher: dispatcher, campaign: campaign}
}

func (f *machineFixture) queueEntry(t *testing.T) *domain.DialQueueEntry {
	t.Helper()
	entry := &domain.DialQueueEntry{
		ID:          uuid.New(),
		CampaignID:  f.campaign.ID,
		ContactID:   uuid.New(),
		PhoneNumber: "+15550100",
		Status:      domain.EntryStatusQueued,
		QueuedAt:    time.Now().UTC(),
	}
	f.store.PutEntry(entry)
	return entry
}

func (f *machineFixture) agentStatus(t *testing.T, agentID uuid.UUID) domain.AgentStatus {
	t.Helper()
	state, err := f.store.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return state.Status
}

func TestLoginTriggersExactlyOneDial(t *testing.T) {
	f := newFixture(t, time.Second)
	f.queueEntry(t)
	f.queueEntry(t)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}

	if got := f.agentStatus(t, agentID); got != domain.AgentStatusAvailable {
		t.Fatalf("status = %s, want AVAILABLE", got)
	}
	if n := f.dispatcher.count(); n != 1 {
		t.Fatalf("dispatched %d entries on login, want 1", n)
	}

	state, _ := f.store.GetAgent(context.Background(), agentID)
	if state.DialCount != 1 {
		t.Fatalf("dial count = %d, want 1", state.DialCount)
	}
}

func TestDoubleLoginRejected(t *testing.T) {
	f := newFixture(t, time.Second)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCallLifecycleThroughACW(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.queueEntry(t)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}

	contactID := uuid.New()
	if err := f.machine.CallConnected(context.Background(), agentID, contactID); err != nil {
		t.Fatalf("call connected: %v", err)
	}
	if got := f.agentStatus(t, agentID); got != domain.AgentStatusOnCall {
		t.Fatalf("status = %s, want ON_CALL", got)
	}

	if err := f.machine.CallEnded(context.Background(), agentID); err != nil {
		t.Fatalf("call ended: %v", err)
	}
	if got := f.agentStatus(t, agentID); got != domain.AgentStatusACW {
		t.Fatalf("status = %s, want ACW", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.agentStatus(t, agentID) == domain.AgentStatusAvailable {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent never returned to AVAILABLE after ACW, status = %s", f.agentStatus(t, agentID))
}

func TestTriggerDialWhileOnCallRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	f.queueEntry(t)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.CallConnected(context.Background(), agentID, uuid.New()); err != nil {
		t.Fatalf("call connected: %v", err)
	}

	before := f.dispatcher.count()
	if err := f.machine.TriggerDial(context.Background(), agentID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.dispatcher.count() != before {
		t.Fatal("rejected trigger must not dispatch")
	}
}

func TestLogoutDuringACWCancelsTimer(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.CallConnected(context.Background(), agentID, uuid.New()); err != nil {
		t.Fatalf("call connected: %v", err)
	}
	if err := f.machine.CallEnded(context.Background(), agentID); err != nil {
		t.Fatalf("call ended: %v", err)
	}
	if err := f.machine.Logout(context.Background(), agentID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := f.agentStatus(t, agentID); got != domain.AgentStatusOffline {
		t.Fatalf("status = %s after cancelled ACW timer, want OFFLINE", got)
	}
}

func TestLogoutReleasesHeldEntry(t *testing.T) {
	f := newFixture(t, time.Second)
	entry := f.queueEntry(t)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}

	held, err := f.store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if held.Status != domain.EntryStatusDialing {
		t.Fatalf("entry status = %s after login dial, want dialing", held.Status)
	}

	if err := f.machine.Logout(context.Background(), agentID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	released, err := f.store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if released.Status != domain.EntryStatusQueued {
		t.Fatalf("entry status = %s after logout, want queued", released.Status)
	}
	if released.AssignedAgentID != nil {
		t.Fatal("released entry must not keep an agent assignment")
	}
}

func TestStepAwayMidCallReleasesHeldEntry(t *testing.T) {
	f := newFixture(t, time.Second)
	entry := f.queueEntry(t)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.CallConnected(context.Background(), agentID, uuid.New()); err != nil {
		t.Fatalf("call connected: %v", err)
	}

	if err := f.machine.SetStatus(context.Background(), agentID, domain.AgentStatusAway); err != nil {
		t.Fatalf("set away from ON_CALL: %v", err)
	}
	if got := f.agentStatus(t, agentID); got != domain.AgentStatusAway {
		t.Fatalf("status = %s, want AWAY", got)
	}

	state, _ := f.store.GetAgent(context.Background(), agentID)
	if state.CurrentContactID != nil {
		t.Fatal("contact binding must be cleared when leaving ON_CALL")
	}

	released, err := f.store.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if released.Status != domain.EntryStatusQueued {
		t.Fatalf("entry status = %s after stepping away, want queued", released.Status)
	}
}

func TestAwayAndBreakReachableFromEachOther(t *testing.T) {
	f := newFixture(t, time.Second)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.SetStatus(context.Background(), agentID, domain.AgentStatusAway); err != nil {
		t.Fatalf("set away: %v", err)
	}
	if err := f.machine.SetStatus(context.Background(), agentID, domain.AgentStatusBreak); err != nil {
		t.Fatalf("away -> break: %v", err)
	}
	if err := f.machine.SetStatus(context.Background(), agentID, domain.AgentStatusAway); err != nil {
		t.Fatalf("break -> away: %v", err)
	}
	if got := f.agentStatus(t, agentID); got != domain.AgentStatusAway {
		t.Fatalf("status = %s, want AWAY", got)
	}
}

func TestBreakBlocksDialTrigger(t *testing.T) {
	f := newFixture(t, time.Second)

	agentID := uuid.New()
	if err := f.machine.Login(context.Background(), agentID, &f.campaign.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.machine.SetStatus(context.Background(), agentID, domain.AgentStatusBreak); err != nil {
		t.Fatalf("set break: %v", err)
	}

	f.queueEntry(t)
	before := f.dispatcher.count()
	if err := f.machine.TriggerDial(context.Background(), agentID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict on break, got %v", err)
	}
	if f.dispatcher.count() != before {
		t.Fatal("trigger on break must not dispatch")
	}
}
