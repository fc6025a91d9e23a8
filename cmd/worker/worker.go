package main

import (
	"context"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/anomaly"
	"github.com/gridwatch/gridwatch-worker/internal/config"
	"github.com/gridwatch/gridwatch-worker/internal/consumption"
	"github.com/gridwatch/gridwatch-worker/internal/db"
	"github.com/gridwatch/gridwatch-worker/internal/mq"
	"github.com/gridwatch/gridwatch-worker/internal/repository"
	"github.com/gridwatch/gridwatch-worker/internal/service"
	"github.com/gridwatch/gridwatch-worker/internal/status"
	"github.com/gridwatch/gridwatch-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: processor.ProcessMessage,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	// Register lifecycle hooks
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// startReconciler runs periodic ledger backfills so past days converge even
// when no dashboard or scrape triggers a recomputation.
func startReconciler(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	engine *consumption.Engine,
) {
	ctx, cancel := context.WithCancel(context.Background())
	interval := time.Duration(cfg.Consumption.ReconcileIntervalMinutes) * time.Minute

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						records := engine.Backfill(ctx, cfg.Consumption.BackfillDays, time.Now().UTC())
						logger.Info("ledger reconciliation pass completed",
							zap.Int("days_requested", cfg.Consumption.BackfillDays),
							zap.Int("days_computed", len(records)),
						)
					}
				}
			}()
			logger.Info("reconciler started",
				zap.Duration("interval", interval),
				zap.Int("backfill_days", cfg.Consumption.BackfillDays))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return nil
		},
	})
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.MaxPlausibleJump, cfg.Anomaly.MinDataPoints)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes, cfg.Consumption.DefaultConfidence)
}

// ProvideEngine creates the daily consumption engine
func ProvideEngine(repo *repository.Repository, cfg *config.Config, logger *zap.Logger) *consumption.Engine {
	return consumption.NewEngine(repo, cfg.Consumption, logger)
}

// ProvideTracker creates the grid status tracker
func ProvideTracker(repo *repository.Repository, logger *zap.Logger) *status.Tracker {
	return status.NewTracker(repo, logger)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	tracker *status.Tracker,
	engine *consumption.Engine,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(repo, publisher, tracker, engine, detector, validator, cfg, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}
