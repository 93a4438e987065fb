package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/telephony"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// EventSink receives the lifecycle events an accepted leg produces. In
// production this is the call event publisher feeding the call status worker.
type EventSink interface {
	PublishCallEvent(ctx context.Context, msg queue.CallEventMessage) error
}

// Provider simulates a telephony carrier. Most placement requests are
// accepted; an accepted leg then plays out asynchronously as ringing
// followed by answered/completed or failed, emitted through the sink.
type Provider struct {
	acceptRate  float64
	answerRate  float64
	latency     time.Duration
	ringDelay   time.Duration
	minTalkTime time.Duration
	maxTalkTime time.Duration

	events EventSink
	log    *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider seeded from the clock.
func NewProvider(cfg config.DispatchConfig, events EventSink, log *logger.Logger) *Provider {
	return &Provider{
		acceptRate:  0.9,
		answerRate:  0.6,
		latency:     50 * time.Millisecond,
		ringDelay:   2 * time.Second,
		minTalkTime: 5 * time.Second,
		maxTalkTime: 30 * time.Second,
		events:      events,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceCall simulates submitting one outbound leg to the carrier. Accepted
// legs start a background goroutine that emits the rest of the lifecycle.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.Result, error) {
	select {
	case <-ctx.Done():
		return telephony.Result{Retryable: true, Error: ctx.Err().Error()}, ctx.Err()
	case <-time.After(p.latency):
	}

	p.mu.Lock()
	accept := p.rng.Float64() <= p.acceptRate
	answer := p.rng.Float64() <= p.answerRate
	transient := p.rng.Float64() < 0.7
	talk := p.minTalkTime + time.Duration(p.rng.Int63n(int64(p.maxTalkTime-p.minTalkTime)+1))
	callID := p.rng.Int63()
	p.mu.Unlock()

	if !accept {
		return telephony.Result{Retryable: transient, Error: "simulated carrier rejection"}, nil
	}

	providerCallID := fmt.Sprintf("mock-%s-%d", req.EntryID, callID)
	if p.events != nil {
		go p.runLeg(req, providerCallID, answer, talk)
	}

	return telephony.Result{
		Accepted:       true,
		ProviderCallID: providerCallID,
	}, nil
}

// runLeg emits the lifecycle for one accepted leg. The placement context is
// gone by the time the leg rings, so events carry their own timeout.
func (p *Provider) runLeg(req telephony.PlaceCallRequest, providerCallID string, answer bool, talk time.Duration) {
	p.emit(queue.CallEventMessage{
		Type:           domain.CallEventRinging,
		EntryID:        req.EntryID,
		CampaignID:     req.CampaignID,
		AgentID:        req.AgentID,
		ProviderCallID: providerCallID,
		OccurredAt:     time.Now().UTC(),
	})

	time.Sleep(p.ringDelay)

	if !answer {
		p.emit(queue.CallEventMessage{
			Type:           domain.CallEventFailed,
			EntryID:        req.EntryID,
			CampaignID:     req.CampaignID,
			AgentID:        req.AgentID,
			ProviderCallID: providerCallID,
			Outcome:        "no_answer",
			OccurredAt:     time.Now().UTC(),
		})
		return
	}

	p.emit(queue.CallEventMessage{
		Type:           domain.CallEventAnswered,
		EntryID:        req.EntryID,
		CampaignID:     req.CampaignID,
		AgentID:        req.AgentID,
		ProviderCallID: providerCallID,
		OccurredAt:     time.Now().UTC(),
	})

	time.Sleep(talk)

	p.emit(queue.CallEventMessage{
		Type:           domain.CallEventCompleted,
		EntryID:        req.EntryID,
		CampaignID:     req.CampaignID,
		AgentID:        req.AgentID,
		ProviderCallID: providerCallID,
		Outcome:        "completed",
		DurationSec:    int(talk / time.Second),
		OccurredAt:     time.Now().UTC(),
	})
}

func (p *Provider) emit(msg queue.CallEventMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.events.PublishCallEvent(ctx, msg); err != nil {
		p.log.Warn("mock provider: publish call event", zap.Error(err),
			zap.String("entry_id", msg.EntryID.String()),
			zap.String("type", string(msg.Type)))
	}
}
