package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/dialqueue"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/repository/memory"
	"github.com/acme/predictive-dialer/internal/telephony"
	"github.com/acme/predictive-dialer/pkg/logger"
)

type fakeSlots struct {
	mu       sync.Mutex
	capacity int
	inUse    map[uuid.UUID]int
}

func newFakeSlots(capacity int) *fakeSlots {
	return &fakeSlots{capacity: capacity, inUse: make(map[uuid.UUID]int)}
}

func (s *fakeSlots) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[campaignID] >= s.capacity {
		return false, nil
	}
	s.inUse[campaignID]++
	return true, nil
}

func (s *fakeSlots) Release(ctx context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[campaignID] > 0 {
		s.inUse[campaignID]--
	}
	return nil
}

func (s *fakeSlots) InFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[campaignID], nil
}

type scriptedProvider struct {
	mu     sync.Mutex
	result telephony.Result
	err    error
	calls  int
}

func (p *scriptedProvider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.result, p.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type capturingRecorder struct {
	mu      sync.Mutex
	records []queue.DispatchRecord
}

func (r *capturingRecorder) PublishDispatch(ctx context.Context, rec queue.DispatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *capturingRecorder) published() []queue.DispatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.DispatchRecord(nil), r.records...)
}

type stopFlags struct {
	mu      sync.Mutex
	stopped map[uuid.UUID]bool
}

func (s *stopFlags) IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[campaignID], nil
}

type dispatcherFixture struct {
	store      *memory.Store
	slots      *fakeSlots
	provider   *scriptedProvider
	recorder   *capturingRecorder
	stops      *stopFlags
	dispatcher *Dispatcher

	campaignID uuid.UUID
	entry      *domain.DialQueueEntry
}

func newDispatcherFixture(t *testing.T, slotCapacity int) *dispatcherFixture {
	t.Helper()

	store := memory.NewStore()
	slots := newFakeSlots(slotCapacity)
	provider := &scriptedProvider{result: telephony.Result{Accepted: true, ProviderCallID: "call-1"}}
	recorder := &capturingRecorder{}
	stops := &stopFlags{stopped: make(map[uuid.UUID]bool)}

	campaignID := uuid.New()
	store.PutCampaign(&domain.Campaign{
		ID:         campaignID,
		Name:       "test",
		Mode:       domain.DialModePredictive,
		Active:     true,
		MaxRetries: 3,
	})

	now := time.Now().UTC()
	entry := &domain.DialQueueEntry{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		ContactID:   uuid.New(),
		PhoneNumber: "+15550001111",
		Status:      domain.EntryStatusDialing,
		DialedAt:    &now,
	}
	store.PutEntry(entry)

	queueSvc := dialqueue.NewService(store, store, store, stops, logger.NewNop())
	dispatcher := NewDispatcher(provider, slots, queueSvc, stops, recorder,
		config.DispatchConfig{RequestTimeout: time.Second}, logger.NewNop())

	return &dispatcherFixture{
		store:      store,
		slots:      slots,
		provider:   provider,
		recorder:   recorder,
		stops:      stops,
		dispatcher: dispatcher,
		campaignID: campaignID,
		entry:      entry,
	}
}

func (f *dispatcherFixture) entryStatus(t *testing.T) domain.QueueEntryStatus {
	t.Helper()
	entry, err := f.store.GetEntry(context.Background(), f.entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	return entry.Status
}

func TestDispatchRequiresDialingEntry(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	f.entry.Status = domain.EntryStatusQueued

	if err := f.dispatcher.Dispatch(context.Background(), f.entry, domain.DialModePredictive, 1); err == nil {
		t.Fatal("expected error for non-dialing entry")
	}
}

func TestDispatchSlotExhaustionReleasesEntry(t *testing.T) {
	f := newDispatcherFixture(t, 0)

	if err := f.dispatcher.Dispatch(context.Background(), f.entry, domain.DialModePredictive, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.dispatcher.Wait()

	if n := f.provider.callCount(); n != 0 {
		t.Fatalf("provider called %d times without a slot, want 0", n)
	}
	if got := f.entryStatus(t); got != domain.EntryStatusQueued {
		t.Fatalf("entry status = %s, want queued", got)
	}
}

func TestDispatchProviderRejectionReleasesSlotAndEntry(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	f.provider.result = telephony.Result{Accepted: false, Retryable: true, Error: "carrier busy"}

	if err := f.dispatcher.Dispatch(context.Background(), f.entry, domain.DialModePredictive, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.dispatcher.Wait()

	if got := f.entryStatus(t); got != domain.EntryStatusQueued {
		t.Fatalf("entry status = %s, want queued", got)
	}
	if n, _ := f.slots.InFlight(context.Background(), f.campaignID); n != 0 {
		t.Fatalf("in-flight = %d after rejection, want 0", n)
	}
	if recs := f.recorder.published(); len(recs) != 0 {
		t.Fatalf("published %d records for a rejected call, want 0", len(recs))
	}
}

func TestDispatchStopFlagCheckedBeforePlacing(t *testing.T) {
	f := newDispatcherFixture(t, 1)
	f.stops.stopped[f.campaignID] = true

	if err := f.dispatcher.Dispatch(context.Background(), f.entry, domain.DialModePredictive, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.dispatcher.Wait()

	if n := f.provider.callCount(); n != 0 {
		t.Fatalf("provider called %d times on a stopped campaign, want 0", n)
	}
	if got := f.entryStatus(t); got != domain.EntryStatusQueued {
		t.Fatalf("entry status = %s, want queued", got)
	}
	if n, _ := f.slots.InFlight(context.Background(), f.campaignID); n != 0 {
		t.Fatalf("in-flight = %d, want 0", n)
	}
}

func TestDispatchSuccessPublishesRecord(t *testing.T) {
	f := newDispatcherFixture(t, 1)

	if err := f.dispatcher.Dispatch(context.Background(), f.entry, domain.DialModePower, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.dispatcher.Wait()

	recs := f.recorder.published()
	if len(recs) != 1 {
		t.Fatalf("published %d records, want 1", len(recs))
	}
	if recs[0].EntryID != f.entry.ID || recs[0].Mode != domain.DialModePower || recs[0].ProviderRef != "call-1" {
		t.Fatalf("record = %+v, want entry %s / power / call-1", recs[0], f.entry.ID)
	}
	if got := f.entryStatus(t); got != domain.EntryStatusDialing {
		t.Fatalf("entry status = %s, want dialing until lifecycle events arrive", got)
	}
	if n, _ := f.slots.InFlight(context.Background(), f.campaignID); n != 1 {
		t.Fatalf("in-flight = %d, want 1 (slot freed by completion, not dispatch)", n)
	}
}