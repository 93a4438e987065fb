package callstatus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/agents"
	"github.com/acme/predictive-dialer/internal/dialqueue"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// SlotReleaser frees a campaign's in-flight dispatch slot when a call leg
// ends.
type SlotReleaser interface {
	ReleaseSlot(ctx context.Context, campaignID uuid.UUID)
}

// Worker consumes provider lifecycle events and maps them onto queue entry
// and agent state transitions.
type Worker struct {
	kafka   *queue.Kafka
	topic   string
	groupID string
	queue   *dialqueue.Service
	machine *agents.Machine
	slots   SlotReleaser
	stops   dialqueue.StopGuard
	log     *logger.Logger
}

// New constructs the call status worker.
func New(
	k *queue.Kafka,
	topic, groupID string,
	queueSvc *dialqueue.Service,
	machine *agents.Machine,
	slots SlotReleaser,
	stops dialqueue.StopGuard,
	log *logger.Logger,
) *Worker {
	return &Worker{
		kafka:   k,
		topic:   topic,
		groupID: groupID,
		queue:   queueSvc,
		machine: machine,
		slots:   slots,
		stops:   stops,
		log:     log,
	}
}

// Run starts the consume loop until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	reader := w.kafka.NewReader(w.topic, w.groupID)
	defer reader.Close()

	w.log.Info("call status worker: started", zap.String("topic", w.topic))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("call status worker: fetch", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			w.log.Error("call status worker: process", zap.Error(err))
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			w.log.Error("call status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	var msg queue.CallEventMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("unmarshal call event: %w", err)
	}

	tracer := otel.Tracer("dialer.callstatus")
	sctx, span := tracer.Start(ctx, "call.event", trace.WithAttributes(
		attribute.String("entry.id", msg.EntryID.String()),
		attribute.String("event.type", string(msg.Type)),
	))
	defer span.End()

	if err := w.Handle(sctx, msg.ToDomain()); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			w.log.Warn("call status worker: unknown entry",
				zap.String("entry_id", msg.EntryID.String()),
				zap.String("event_type", string(msg.Type)))
			return nil
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// Handle applies one lifecycle event.
func (w *Worker) Handle(ctx context.Context, ev domain.CallEvent) error {
	switch ev.Type {
	case domain.CallEventInitiated, domain.CallEventRinging:
		return nil
	case domain.CallEventAnswered:
		return w.handleAnswered(ctx, ev)
	case domain.CallEventCompleted:
		return w.handleEnded(ctx, ev, false)
	case domain.CallEventFailed:
		return w.handleFailed(ctx, ev, "provider failure")
	case domain.CallEventMachineDetected:
		return w.handleFailed(ctx, ev, "machine detected")
	default:
		return fmt.Errorf("%w: unknown call event %q", apperrors.ErrValidation, ev.Type)
	}
}

// handleAnswered connects the entry, or hangs it up when the campaign was
// emergency-stopped after the dispatch went out.
func (w *Worker) handleAnswered(ctx context.Context, ev domain.CallEvent) error {
	stopped, err := w.stops.IsStopped(ctx, ev.CampaignID)
	if err != nil {
		return err
	}
	if stopped {
		w.slots.ReleaseSlot(ctx, ev.CampaignID)
		if _, err := w.queue.Release(ctx, ev.EntryID, "campaign stopped"); err != nil {
			return err
		}
		w.log.Info("call status worker: released stopped entry",
			zap.String("entry_id", ev.EntryID.String()),
			zap.String("campaign_id", ev.CampaignID.String()))
		return nil
	}

	if err := w.queue.MarkConnected(ctx, ev.EntryID); err != nil {
		return err
	}

	if ev.AgentID != nil {
		entry, err := w.queue.GetEntry(ctx, ev.EntryID)
		if err != nil {
			return err
		}
		if err := w.machine.CallConnected(ctx, *ev.AgentID, entry.ContactID); err != nil {
			w.log.Warn("call status worker: connect agent", zap.Error(err),
				zap.String("agent_id", ev.AgentID.String()))
		}
	}
	return nil
}

func (w *Worker) handleEnded(ctx context.Context, ev domain.CallEvent, abandoned bool) error {
	status := domain.EntryStatusCompleted
	outcome := ev.Outcome
	if outcome == "abandoned" {
		abandoned = true
	}
	if abandoned {
		status = domain.EntryStatusAbandoned
		if outcome == "" {
			outcome = "abandoned"
		}
	}
	if outcome == "" {
		outcome = "completed"
	}

	if _, err := w.queue.Complete(ctx, ev.EntryID, status, outcome); err != nil {
		return err
	}
	w.slots.ReleaseSlot(ctx, ev.CampaignID)

	if ev.AgentID != nil {
		if err := w.machine.CallEnded(ctx, *ev.AgentID); err != nil {
			w.log.Warn("call status worker: end agent call", zap.Error(err),
				zap.String("agent_id", ev.AgentID.String()))
		}
	}
	return nil
}

// handleFailed returns the entry to the queue for retry and frees the slot.
func (w *Worker) handleFailed(ctx context.Context, ev domain.CallEvent, reason string) error {
	if ev.Outcome != "" {
		reason = ev.Outcome
	}
	if _, err := w.queue.Release(ctx, ev.EntryID, reason); err != nil {
		return err
	}
	w.slots.ReleaseSlot(ctx, ev.CampaignID)

	if ev.AgentID != nil {
		if err := w.machine.CallEnded(ctx, *ev.AgentID); err != nil {
			if !apperrors.Is(err, apperrors.ErrInvalidTransition) {
				w.log.Warn("call status worker: end agent call", zap.Error(err),
					zap.String("agent_id", ev.AgentID.String()))
			}
		}
	}
	return nil
}
