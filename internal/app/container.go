package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/predictive-dialer/internal/agents"
	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/dialqueue"
	"github.com/acme/predictive-dialer/internal/dispatch"
	"github.com/acme/predictive-dialer/internal/engine"
	"github.com/acme/predictive-dialer/internal/infra/db"
	"github.com/acme/predictive-dialer/internal/infra/redis"
	"github.com/acme/predictive-dialer/internal/metrics"
	"github.com/acme/predictive-dialer/internal/pacing"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/repository"
	pgrepo "github.com/acme/predictive-dialer/internal/repository/postgres"
	"github.com/acme/predictive-dialer/internal/repository/redisrepo"
	scyllarepo "github.com/acme/predictive-dialer/internal/repository/scylla"
	telephonySvc "github.com/acme/predictive-dialer/internal/telephony"
	telephonyMock "github.com/acme/predictive-dialer/internal/telephony/mock"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// decisionLogEntries bounds the per-campaign audit log.
const decisionLogEntries = 100

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
	}
}

type repositories struct {
	Campaign  repository.CampaignRepository
	Queue     repository.DialQueueRepository
	Agents    repository.AgentStateRepository
	Outcomes  repository.OutcomeStore
	Decisions repository.DecisionLog
	Stops     *redisrepo.StopFlags
}

type services struct {
	DialQueue  *dialqueue.Service
	Collector  *metrics.Collector
	Dispatcher *dispatch.Dispatcher
	Machine    *agents.Machine
	Pacer      *pacing.Scheduler
	Tracker    *pacing.StateTracker
}

type publishers struct {
	Dispatch   *queue.DispatchPublisher
	CallEvents *queue.CallEventPublisher
}

type providers struct {
	Telephony telephonySvc.Provider
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Campaign:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Queue:     pgrepo.NewDialQueueRepository(c.Postgres.DB()),
			Agents:    pgrepo.NewAgentStateRepository(c.Postgres.DB()),
			Outcomes:  scyllarepo.NewOutcomeStore(c.Scylla.Session()),
			Decisions: redisrepo.NewDecisionLog(c.Redis.Inner(), decisionLogEntries),
			Stops:     redisrepo.NewStopFlags(c.Redis.Inner()),
		}

		pubs := &publishers{
			Dispatch:   queue.NewDispatchPublisher(c.Kafka, cfg.Kafka.DispatchTopic),
			CallEvents: queue.NewCallEventPublisher(c.Kafka, cfg.Kafka.CallEventTopic),
		}

		provs := &providers{
			Telephony: telephonyMock.NewProvider(cfg.Dispatch, pubs.CallEvents, c.Logger),
		}

		queueSvc := dialqueue.NewService(repos.Queue, repos.Campaign, repos.Outcomes, repos.Stops, c.Logger)

		collector := metrics.NewCollector(repos.Agents, repos.Queue, repos.Outcomes, metrics.Config{
			Window:              cfg.Engine.MetricsWindow,
			MinSamples:          cfg.Engine.MinOutcomeSamples,
			DefaultAnswerRate:   cfg.Engine.DefaultAnswerRate,
			DefaultCallDuration: cfg.Engine.DefaultCallDuration,
		})

		limiter := dispatch.NewLimiter(c.Redis.Inner(), cfg.Dispatch.DefaultInFlight, cfg.Dispatch.SlotTTL)
		dispatcher := dispatch.NewDispatcher(provs.Telephony, limiter, queueSvc, repos.Stops, pubs.Dispatch, cfg.Dispatch, c.Logger)

		machine := agents.NewMachine(repos.Agents, repos.Campaign, queueSvc, dispatcher, cfg.Agents.ACWDuration, c.Logger)

		tracker := pacing.NewStateTracker()
		pacer := pacing.NewScheduler(
			repos.Campaign,
			collector,
			queueSvc,
			dispatcher,
			repos.Decisions,
			repos.Stops,
			tracker,
			c.engineConfig(),
			cfg.Pacing,
			c.Logger,
		)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.providers = provs
		c.components.services = &services{
			DialQueue:  queueSvc,
			Collector:  collector,
			Dispatcher: dispatcher,
			Machine:    machine,
			Pacer:      pacer,
			Tracker:    tracker,
		}
	})
}

func (c *Container) engineConfig() engine.Config {
	ec := engine.DefaultConfig()
	e := c.Config.Engine
	if e.SafetyBuffer > 0 {
		ec.SafetyBuffer = e.SafetyBuffer
	}
	if e.MinDialRatio > 0 {
		ec.MinDialRatio = e.MinDialRatio
	}
	if e.MaxDialRatio > 0 {
		ec.MaxDialRatio = e.MaxDialRatio
	}
	if e.CurrentSampleWeight > 0 {
		ec.CurrentSampleWeight = e.CurrentSampleWeight
	}
	if e.SmoothingWindow > 0 {
		ec.SmoothingWindow = e.SmoothingWindow
	}
	if e.PredictedAbandonTolerance > 0 {
		ec.PredictedAbandonTolerance = e.PredictedAbandonTolerance
	}
	if e.ObservedAbandonTolerance > 0 {
		ec.ObservedAbandonTolerance = e.ObservedAbandonTolerance
	}
	return ec
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Dispatch != nil {
			if err := p.Dispatch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dispatch publisher close: %w", err))
			}
		}
		if p.CallEvents != nil {
			if err := p.CallEvents.Close(); err != nil {
				errs = append(errs, fmt.Errorf("call event publisher close: %w", err))
			}
		}
	}
	if s := c.components.services; s != nil && s.Dispatcher != nil {
		s.Dispatcher.Wait()
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{
		c.Config.Kafka.DispatchTopic,
		c.Config.Kafka.CallEventTopic,
		c.Config.Kafka.AgentEventTopic,
	}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}
