package mock

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/telephony"
	"github.com/acme/predictive-dialer/pkg/logger"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []queue.CallEventMessage
}

func (s *captureSink) PublishCallEvent(ctx context.Context, msg queue.CallEventMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSink) types() []domain.CallEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallEventType, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestProvider(sink EventSink, acceptRate, answerRate float64) *Provider {
	p := NewProvider(config.DispatchConfig{}, sink, logger.NewNop())
	p.acceptRate = acceptRate
	p.answerRate = answerRate
	p.latency = 0
	p.ringDelay = time.Millisecond
	p.minTalkTime = time.Millisecond
	p.maxTalkTime = 5 * time.Millisecond
	p.rng = rand.New(rand.NewSource(1))
	return p
}

func placeRequest() telephony.PlaceCallRequest {
	return telephony.PlaceCallRequest{
		EntryID:     uuid.New(),
		CampaignID:  uuid.New(),
		ContactID:   uuid.New(),
		PhoneNumber: "+15550100",
		Mode:        domain.DialModePredictive,
	}
}

func waitFor(t *testing.T, sink *captureSink, terminal domain.CallEventType) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, typ := range sink.types() {
			if typ == terminal {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %s event, got %v", terminal, sink.types())
}

func TestAcceptedAnsweredLegEmitsFullLifecycle(t *testing.T) {
	sink := &captureSink{}
	p := newTestProvider(sink, 1, 1)

	req := placeRequest()
	result, err := p.PlaceCall(context.Background(), req)
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if !result.Accepted || result.ProviderCallID == "" {
		t.Fatalf("result = %+v, want accepted with provider call id", result)
	}

	waitFor(t, sink, domain.CallEventCompleted)

	got := sink.types()
	want := []domain.CallEventType{domain.CallEventRinging, domain.CallEventAnswered, domain.CallEventCompleted}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}

	sink.mu.Lock()
	last := sink.msgs[len(sink.msgs)-1]
	sink.mu.Unlock()
	if last.EntryID != req.EntryID || last.CampaignID != req.CampaignID {
		t.Fatal("completed event must carry the placement's entry and campaign ids")
	}
	if last.ProviderCallID != result.ProviderCallID {
		t.Fatalf("completed event ref = %q, want %q", last.ProviderCallID, result.ProviderCallID)
	}
	if last.Outcome != "completed" {
		t.Fatalf("outcome = %q, want completed", last.Outcome)
	}
}

func TestUnansweredLegEmitsFailure(t *testing.T) {
	sink := &captureSink{}
	p := newTestProvider(sink, 1, 0)

	if _, err := p.PlaceCall(context.Background(), placeRequest()); err != nil {
		t.Fatalf("place call: %v", err)
	}

	waitFor(t, sink, domain.CallEventFailed)

	got := sink.types()
	if len(got) != 2 || got[0] != domain.CallEventRinging || got[1] != domain.CallEventFailed {
		t.Fatalf("event types = %v, want [ringing failed]", got)
	}
	sink.mu.Lock()
	outcome := sink.msgs[1].Outcome
	sink.mu.Unlock()
	if outcome != "no_answer" {
		t.Fatalf("outcome = %q, want no_answer", outcome)
	}
}

func TestRejectedLegEmitsNoEvents(t *testing.T) {
	sink := &captureSink{}
	p := newTestProvider(sink, 0, 1)

	result, err := p.PlaceCall(context.Background(), placeRequest())
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if result.Accepted {
		t.Fatal("acceptRate 0 must reject the placement")
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(sink.types()); n != 0 {
		t.Fatalf("rejected placement emitted %d events, want 0", n)
	}
}
