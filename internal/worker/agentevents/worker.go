package agentevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/agents"
	"github.com/acme/predictive-dialer/internal/queue"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// Worker consumes agent session events and drives the availability state
// machine.
type Worker struct {
	kafka   *queue.Kafka
	topic   string
	groupID string
	machine *agents.Machine
	log     *logger.Logger
}

// New constructs the agent events worker.
func New(k *queue.Kafka, topic, groupID string, machine *agents.Machine, log *logger.Logger) *Worker {
	return &Worker{kafka: k, topic: topic, groupID: groupID, machine: machine, log: log}
}

// Run starts the consume loop until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	reader := w.kafka.NewReader(w.topic, w.groupID)
	defer reader.Close()

	w.log.Info("agent events worker: started", zap.String("topic", w.topic))

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("agent events worker: fetch", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			w.log.Error("agent events worker: process", zap.Error(err))
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			w.log.Error("agent events worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	var msg queue.AgentEventMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("unmarshal agent event: %w", err)
	}

	tracer := otel.Tracer("dialer.agentevents")
	sctx, span := tracer.Start(ctx, "agent.event", trace.WithAttributes(
		attribute.String("agent.id", msg.AgentID.String()),
		attribute.String("event.type", string(msg.Type)),
	))
	defer span.End()

	if err := w.machine.HandleEvent(sctx, msg.ToDomain()); err != nil {
		// Out-of-order session events produce invalid transitions; they are
		// logged and skipped rather than retried.
		if apperrors.Is(err, apperrors.ErrInvalidTransition) {
			w.log.Warn("agent events worker: skipped transition",
				zap.String("agent_id", msg.AgentID.String()),
				zap.String("event_type", string(msg.Type)),
				zap.Error(err))
			return nil
		}
		span.RecordError(err)
		return err
	}
	return nil
}
