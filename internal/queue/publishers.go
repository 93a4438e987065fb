package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DispatchPublisher publishes dispatch records for accepted call placements.
type DispatchPublisher struct {
	writer *kafka.Writer
}

// NewDispatchPublisher constructs a dispatch publisher for the given topic.
func NewDispatchPublisher(k *Kafka, topic string) *DispatchPublisher {
	return &DispatchPublisher{writer: k.NewWriter(topic)}
}

// PublishDispatch emits a dispatch record to Kafka, keyed by campaign so a
// campaign's dispatches stay ordered within a partition.
func (p *DispatchPublisher) PublishDispatch(ctx context.Context, rec DispatchRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dispatch publisher: marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:   rec.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("dispatch publisher: write record: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DispatchPublisher) Close() error {
	return p.writer.Close()
}

// CallEventPublisher publishes call lifecycle events. The mock telephony
// provider uses it to feed the call status worker the same way a real
// provider webhook bridge would.
type CallEventPublisher struct {
	writer *kafka.Writer
}

// NewCallEventPublisher constructs a call event publisher for the given topic.
func NewCallEventPublisher(k *Kafka, topic string) *CallEventPublisher {
	return &CallEventPublisher{writer: k.NewWriter(topic)}
}

// PublishCallEvent emits a call lifecycle event to Kafka, keyed by entry so
// one call's events stay ordered.
func (p *CallEventPublisher) PublishCallEvent(ctx context.Context, msg CallEventMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("call event publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   msg.EntryID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("call event publisher: write event: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *CallEventPublisher) Close() error {
	return p.writer.Close()
}
