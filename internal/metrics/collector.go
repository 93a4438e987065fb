// Package metrics assembles per-campaign pacing snapshots from the agent
// state store, the dial queue, and the trailing call-outcome history.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// Defaults applied when the outcome window is too sparse to trust.
const (
	DefaultAnswerRate      = 0.3
	DefaultCallDuration    = 180 * time.Second
	DefaultAbandonmentRate = 0.0
)

// Config bounds the trailing outcome window. The default rate and duration
// replace aggregates when the window holds fewer than MinSamples outcomes.
type Config struct {
	Window              time.Duration
	MinSamples          int
	DefaultAnswerRate   float64
	DefaultCallDuration time.Duration
}

// QueueStats exposes the dial queue metrics the collector needs.
type QueueStats interface {
	Metrics(ctx context.Context, campaignID uuid.UUID, window time.Duration) (*domain.QueueMetrics, error)
}

// Collector samples live pacing signals into immutable snapshots.
type Collector struct {
	agents   repository.AgentStateRepository
	queue    QueueStats
	outcomes repository.OutcomeStore
	cfg      Config
}

// NewCollector constructs a collector.
func NewCollector(agents repository.AgentStateRepository, queue QueueStats, outcomes repository.OutcomeStore, cfg Config) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Minute
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.DefaultAnswerRate <= 0 {
		cfg.DefaultAnswerRate = DefaultAnswerRate
	}
	if cfg.DefaultCallDuration <= 0 {
		cfg.DefaultCallDuration = DefaultCallDuration
	}
	return &Collector{agents: agents, queue: queue, outcomes: outcomes, cfg: cfg}
}

// Sample computes a fresh metrics snapshot for the campaign. Sparse outcome
// history degrades to documented defaults rather than failing the cycle.
func (c *Collector) Sample(ctx context.Context, campaignID uuid.UUID) (domain.PredictiveMetricsSample, error) {
	sample := domain.PredictiveMetricsSample{
		CampaignID: campaignID,
		Timestamp:  time.Now().UTC(),
	}

	available, err := c.agents.CountByStatus(ctx, campaignID, domain.AgentStatusAvailable)
	if err != nil {
		return sample, fmt.Errorf("metrics: count available agents: %w", err)
	}
	onCall, err := c.agents.CountByStatus(ctx, campaignID, domain.AgentStatusOnCall)
	if err != nil {
		return sample, fmt.Errorf("metrics: count agents on call: %w", err)
	}

	queueMetrics, err := c.queue.Metrics(ctx, campaignID, c.cfg.Window)
	if err != nil {
		return sample, fmt.Errorf("metrics: queue metrics: %w", err)
	}

	sample.AvailableAgents = available
	sample.ActiveCalls = queueMetrics.DialingCount
	sample.QueueDepth = queueMetrics.QueuedCount
	if total := available + onCall; total > 0 {
		sample.AgentUtilization = float64(onCall) / float64(total)
	}

	since := time.Now().UTC().Add(-c.cfg.Window)
	outcomes, err := c.outcomes.RecentOutcomes(ctx, campaignID, since)
	if err != nil {
		return sample, fmt.Errorf("metrics: recent outcomes: %w", err)
	}

	sample.AnswerRate, sample.AverageCallDuration, sample.AbandonmentRate = aggregate(outcomes, c.cfg)
	return sample, nil
}

// aggregate computes answer rate, mean answered-call duration, and
// abandonment rate over the window, or the configured defaults when fewer
// than MinSamples outcomes exist.
func aggregate(outcomes []domain.CallOutcome, cfg Config) (answerRate float64, avgDuration time.Duration, abandonment float64) {
	if len(outcomes) < cfg.MinSamples {
		return cfg.DefaultAnswerRate, cfg.DefaultCallDuration, DefaultAbandonmentRate
	}

	answered := 0
	abandoned := 0
	var durationSum time.Duration
	for _, o := range outcomes {
		if o.Answered || o.Abandoned {
			answered++
			durationSum += o.Duration
		}
		if o.Abandoned {
			abandoned++
		}
	}

	answerRate = float64(answered) / float64(len(outcomes))
	if answered > 0 {
		avgDuration = durationSum / time.Duration(answered)
		abandonment = float64(abandoned) / float64(answered)
	} else {
		avgDuration = cfg.DefaultCallDuration
	}
	return answerRate, avgDuration, abandonment
}
