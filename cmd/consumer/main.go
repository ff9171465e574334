// Package main is the entry point for the fleet event consumer.
// It joins a consumer group over every event topic, dispatches deliveries
// to registered handlers with redelivery and dead-lettering, and exposes
// Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/watchtower-fleet/eventstream/internal/bridge"
	"github.com/watchtower-fleet/eventstream/internal/config"
	"github.com/watchtower-fleet/eventstream/internal/consume"
	"github.com/watchtower-fleet/eventstream/internal/dlq"
	"github.com/watchtower-fleet/eventstream/internal/event"
	"github.com/watchtower-fleet/eventstream/internal/group"
	"github.com/watchtower-fleet/eventstream/internal/logger"
	"github.com/watchtower-fleet/eventstream/internal/obs"
	"github.com/watchtower-fleet/eventstream/internal/publish"
	"github.com/watchtower-fleet/eventstream/internal/queue"
	"github.com/watchtower-fleet/eventstream/internal/router"
	"github.com/watchtower-fleet/eventstream/internal/stream"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "consumer failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Service.Name); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics(cfg.Service.Name)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	store, err := stream.NewRedisStore(rdb, cfg.Stream.MaxLen)
	if err != nil {
		return err
	}
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("stream store unreachable: %w", err)
	}

	publisher, err := publish.New(store, cfg.Stream.Prefix, log, metrics)
	if err != nil {
		return err
	}

	sink, err := dlq.New(store, cfg.Stream.Prefix, publisher, log, metrics)
	if err != nil {
		return err
	}

	rt, err := router.New(cfg.Consumer.MaxAttempts, sink, log, metrics)
	if err != nil {
		return err
	}
	registerHandlers(cfg, rt, log)

	manager, err := group.NewManager(store, cfg.Stream.Prefix, cfg.Consumer.Name,
		cfg.Consumer.ClaimTimeout, cfg.Consumer.ClaimMultiplier, log, metrics)
	if err != nil {
		return err
	}

	q := queue.NewQueue(cfg.Consumer.QueueSize, metrics)
	runner, err := consume.NewRunner(manager, rt, q, cfg.Consumer.WorkerCount,
		cfg.Consumer.BatchSize, cfg.Consumer.BlockTimeout, log)
	if err != nil {
		return err
	}
	if err := runner.Join(ctx, cfg.Consumer.Group, event.Types()...); err != nil {
		return err
	}

	go func() {
		if err := obs.StartMetricsServer(ctx, cfg.Metrics.Port, store, log); err != nil {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Consumer starting",
		zap.String("group", cfg.Consumer.Group),
		zap.String("consumer", cfg.Consumer.Name),
	)
	return runner.Run(ctx)
}

// registerHandlers wires the handlers this binary ships. Domain consumers
// (persistence, alerting, analytics) register their own at startup; the
// Kafka bridge is enabled by configuration.
func registerHandlers(cfg *config.Config, rt *router.Router, log *zap.Logger) {
	if len(cfg.Kafka.Brokers) > 0 {
		forwarder, err := bridge.NewForwarder(cfg, log)
		if err != nil {
			log.Error("Kafka bridge disabled", zap.Error(err))
		} else {
			for _, t := range event.Types() {
				rt.Register(t, forwarder.Handler())
			}
			log.Info("Kafka bridge enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	}

	// Alerts are always at least logged, mirroring the notifier's view.
	rt.Register(event.TypeAlertTriggered, func(ctx context.Context, env *event.Envelope) error {
		var alert event.AlertTriggered
		if err := event.DecodePayload(env, &alert); err != nil {
			return err
		}
		log.Warn("Fleet alert",
			zap.String("alertType", alert.AlertType),
			zap.String("severity", alert.Severity),
			zap.String("title", alert.Title),
			zap.String("truckID", alert.TruckID),
			zap.String("eventID", env.EventID),
		)
		return nil
	})
}
