package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/engine"
	"github.com/acme/predictive-dialer/internal/repository"
	"github.com/acme/predictive-dialer/pkg/logger"
)

const (
	minTickInterval     = 5 * time.Second
	maxTickInterval     = 30 * time.Second
	defaultTickInterval = 10 * time.Second
	defaultStaggerDelay = 2 * time.Second
	defaultWorkerCount  = 4
)

// Sampler produces one metrics snapshot per campaign.
type Sampler interface {
	Sample(ctx context.Context, campaignID uuid.UUID) (domain.PredictiveMetricsSample, error)
}

// QueueService is the slice of the dial queue service the pacer drives.
type QueueService interface {
	Generate(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error)
	ClaimUnattended(ctx context.Context, campaignID uuid.UUID) (*domain.DialQueueEntry, error)
	ArchiveTerminal(ctx context.Context, retention time.Duration) (int, error)
}

// CallDispatcher places calls for claimed entries.
type CallDispatcher interface {
	Dispatch(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode, maxInFlight int) error
}

// StopControl owns the per-campaign emergency-stop flag.
type StopControl interface {
	Set(ctx context.Context, campaignID uuid.UUID) error
	Clear(ctx context.Context, campaignID uuid.UUID) error
	IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Scheduler runs the pacing loop: every tick it evaluates each active
// campaign independently and dispatches the computed call volume. A
// campaign's failure never aborts the tick.
type Scheduler struct {
	campaigns  repository.CampaignRepository
	sampler    Sampler
	queue      QueueService
	dispatcher CallDispatcher
	decisions  repository.DecisionLog
	stops      StopControl
	tracker    *StateTracker
	engineCfg  engine.Config
	cfg        config.PacingConfig
	log        *logger.Logger

	lastArchive time.Time
}

// NewScheduler constructs the pacing scheduler.
func NewScheduler(
	campaigns repository.CampaignRepository,
	sampler Sampler,
	queue QueueService,
	dispatcher CallDispatcher,
	decisions repository.DecisionLog,
	stops StopControl,
	tracker *StateTracker,
	engineCfg engine.Config,
	cfg config.PacingConfig,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		campaigns:  campaigns,
		sampler:    sampler,
		queue:      queue,
		dispatcher: dispatcher,
		decisions:  decisions,
		stops:      stops,
		tracker:    tracker,
		engineCfg:  engineCfg,
		cfg:        cfg,
		log:        log,
	}
}

// Tracker exposes the per-campaign dialing state for the API layer.
func (s *Scheduler) Tracker() *StateTracker {
	return s.tracker
}

// Run executes the pacing loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("pacer: loop started", zap.Duration("interval", interval))

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tracer := otel.Tracer("dialer.pacer")
	tctx, span := tracer.Start(ctx, "pacer.tick")
	defer span.End()

	campaigns, err := s.campaigns.ListActive(tctx, s.cfg.CampaignLimit)
	if err != nil {
		span.RecordError(err)
		s.log.Error("pacer: list campaigns", zap.Error(err))
		return
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	workers := s.cfg.WorkerCount
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, campaign := range campaigns {
		campaign := campaign
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runCampaign(tctx, campaign)
		}()
	}
	wg.Wait()

	s.maybeArchive(tctx)
}

// runCampaign evaluates pacing for one campaign. Failures are absorbed: the
// campaign is marked degraded and the tick moves on.
func (s *Scheduler) runCampaign(ctx context.Context, campaign *domain.Campaign) {
	tracer := otel.Tracer("dialer.pacer")
	cctx, span := tracer.Start(ctx, "pacer.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("campaign.mode", string(campaign.Mode)),
	))
	defer span.End()

	stopped, err := s.stops.IsStopped(cctx, campaign.ID)
	if err != nil {
		span.RecordError(err)
		s.markDegraded(campaign.ID, err)
		return
	}
	if stopped {
		span.SetAttributes(attribute.Bool("campaign.stopped", true))
		return
	}

	snap, tracked := s.tracker.Snapshot(campaign.ID)

	// A campaign may dial at a slower cadence than the global tick.
	if campaign.PacingInterval > 0 && tracked && !snap.LastEvaluatedAt.IsZero() &&
		time.Since(snap.LastEvaluatedAt) < campaign.PacingInterval {
		span.SetAttributes(attribute.Bool("campaign.deferred", true))
		return
	}

	if s.cfg.MaxQueueBatch > 0 {
		if n, err := s.queue.Generate(cctx, campaign.ID, s.cfg.MaxQueueBatch); err != nil {
			s.log.Warn("pacer: generate queue", zap.Error(err),
				zap.String("campaign_id", campaign.ID.String()))
		} else if n > 0 {
			span.SetAttributes(attribute.Int("queue.generated", n))
		}
	}

	sample, err := s.sampler.Sample(cctx, campaign.ID)
	if err != nil {
		span.RecordError(err)
		s.markDegraded(campaign.ID, err)
		return
	}

	var history []domain.PredictiveMetricsSample
	if tracked {
		history = snap.SampleHistory
	}

	decision := engine.Decide(campaign, sample, history, s.engineCfg)
	span.SetAttributes(
		attribute.Bool("decision.should_dial", decision.ShouldDial),
		attribute.Float64("decision.dial_ratio", decision.DialRatio),
		attribute.Int("decision.calls_to_place", decision.CallsToPlace),
	)

	s.tracker.Update(campaign.ID, func(state *CampaignDialingState) {
		state.Mode = campaign.Mode
		state.Active = true
		state.recordSample(sample)
		state.recordDecision(decision)
	})

	if err := s.decisions.Append(cctx, decision); err != nil {
		s.log.Warn("pacer: append decision", zap.Error(err),
			zap.String("campaign_id", campaign.ID.String()))
	}

	if !decision.ShouldDial || decision.CallsToPlace <= 0 {
		s.log.Debug("pacer: holding",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("reasoning", decision.Reasoning))
		return
	}

	placed := s.dispatchBatch(cctx, campaign, decision.CallsToPlace)
	span.SetAttributes(attribute.Int("dispatch.placed", placed))
	s.log.Info("pacer: cycle complete",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Float64("dial_ratio", decision.DialRatio),
		zap.Int("calls_requested", decision.CallsToPlace),
		zap.Int("calls_placed", placed))
}

// dispatchBatch claims and dispatches up to n entries with a stagger delay
// between placements. Stops early when the queue empties or the context is
// cancelled.
func (s *Scheduler) dispatchBatch(ctx context.Context, campaign *domain.Campaign, n int) int {
	stagger := s.cfg.StaggerDelay
	if stagger <= 0 {
		stagger = defaultStaggerDelay
	}

	placed := 0
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return placed
			case <-time.After(stagger):
			}
		}

		entry, err := s.queue.ClaimUnattended(ctx, campaign.ID)
		if err != nil {
			s.log.Warn("pacer: claim", zap.Error(err),
				zap.String("campaign_id", campaign.ID.String()))
			return placed
		}
		if entry == nil {
			return placed
		}

		if err := s.dispatcher.Dispatch(ctx, entry, campaign.Mode, campaign.MaxInFlightDispatches); err != nil {
			s.log.Error("pacer: dispatch", zap.Error(err),
				zap.String("entry_id", entry.ID.String()))
			return placed
		}
		placed++
	}
	return placed
}

// EmergencyStop halts a campaign immediately: the stop flag fences claims
// and in-flight dispatch completions, and the dialing state is deactivated.
func (s *Scheduler) EmergencyStop(ctx context.Context, campaignID uuid.UUID) error {
	if err := s.stops.Set(ctx, campaignID); err != nil {
		return err
	}
	s.tracker.Deactivate(campaignID)
	s.log.Info("pacer: emergency stop", zap.String("campaign_id", campaignID.String()))
	return nil
}

// Resume clears the stop flag so the next tick picks the campaign up again.
func (s *Scheduler) Resume(ctx context.Context, campaignID uuid.UUID) error {
	if err := s.stops.Clear(ctx, campaignID); err != nil {
		return err
	}
	s.tracker.Update(campaignID, func(state *CampaignDialingState) {
		state.Active = true
	})
	return nil
}

func (s *Scheduler) maybeArchive(ctx context.Context) {
	if s.cfg.ArchiveInterval <= 0 || s.cfg.ArchiveRetention <= 0 {
		return
	}
	if time.Since(s.lastArchive) < s.cfg.ArchiveInterval {
		return
	}
	s.lastArchive = time.Now()

	n, err := s.queue.ArchiveTerminal(ctx, s.cfg.ArchiveRetention)
	if err != nil {
		s.log.Warn("pacer: archive", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("pacer: archived terminal entries", zap.Int("count", n))
	}
}

func (s *Scheduler) markDegraded(campaignID uuid.UUID, err error) {
	s.tracker.Update(campaignID, func(state *CampaignDialingState) {
		state.Degraded = true
	})
	s.log.Error("pacer: campaign cycle failed", zap.Error(err),
		zap.String("campaign_id", campaignID.String()))
}

func (s *Scheduler) tickInterval() time.Duration {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		return defaultTickInterval
	}
	if interval < minTickInterval {
		return minTickInterval
	}
	if interval > maxTickInterval {
		return maxTickInterval
	}
	return interval
}
