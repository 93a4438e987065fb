package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acme/predictive-dialer/internal/app"
	"github.com/acme/predictive-dialer/internal/telemetry"
	"github.com/acme/predictive-dialer/internal/worker/agentevents"
	"github.com/acme/predictive-dialer/internal/worker/callstatus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-eventworker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	cfg := container.Config
	services := container.Services()
	repos := container.Repositories()

	agentWorker := agentevents.New(
		container.Kafka,
		cfg.Kafka.AgentEventTopic,
		cfg.Kafka.ConsumerGroupID,
		services.Machine,
		container.Logger,
	)
	statusWorker := callstatus.New(
		container.Kafka,
		cfg.Kafka.CallEventTopic,
		cfg.Kafka.ConsumerGroupID,
		services.DialQueue,
		services.Machine,
		services.Dispatcher,
		repos.Stops,
		container.Logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agentWorker.Run(gctx) })
	g.Go(func() error { return statusWorker.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("event worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
