package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xrgarcia/jerky-shipping-sub004/config"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/broker/kafka"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/cache/rediscache"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/coordinator"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/governor"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier/fake"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/integrations/carrier/shipstationhttp"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/queue"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/backfill"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/ingest"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/reconciler"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/services/sweeper"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/storage/pgshipments"
)

const (
	taskReconcile    = "reconcile"
	taskForwardSweep = "forward-sweep"
	taskReverseSweep = "reverse-sweep"
	taskMonitor      = "queue-monitor"

	consumerRetryDelay = 5 * time.Second
)

// shipmentStore is everything the worker needs from the database.
type shipmentStore interface {
	reconciler.Store
	sweeper.Store
	ingest.OrderStore
	Ping(ctx context.Context) error
	CountFailuresSince(ctx context.Context, since time.Time) (int64, error)
	ListFailures(ctx context.Context, limit int) ([]*models.FailureRecord, error)
}

type orderConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Stats() kafka.ConsumerStats
	Close() error
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (st shipmentStore, closeFn func(), err error)
	newRedisClient   func(cfg *config.Config) *redis.Client
	newBroadcaster   func(cfg *config.Config) (b reconciler.Broadcaster, closeFn func())
	newOrderConsumer func(cfg *config.Config) orderConsumer
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (shipmentStore, func(), error) {
			st, err := pgshipments.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newRedisClient: func(cfg *config.Config) *redis.Client {
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		newBroadcaster: func(cfg *config.Config) (reconciler.Broadcaster, func()) {
			topic := cfg.Kafka.ShipmentChangedTopicName
			if topic == "" {
				topic = "shipment.changed"
			}
			p := kafka.NewProducer(cfg.Kafka.Brokers(), topic)
			return p, func() { _ = p.Close() }
		},
		newOrderConsumer: func(cfg *config.Config) orderConsumer {
			// Order events are optional; webhooks and sweeps cover the same ground slower.
			if cfg.Kafka.OrderUpdatedTopicName == "" {
				return nil
			}
			group := cfg.Kafka.OrderUpdatedConsumerGroup
			if group == "" {
				group = "shipsync-worker"
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.OrderUpdatedTopicName, group)
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			s := cfg.ShipSync
			if s.CarrierMode == "shipstation" && s.CarrierBaseURL != "" {
				return shipstationhttp.New(s.CarrierBaseURL, s.CarrierAPIKey, s.CarrierAPISecret)
			}
			return fake.New()
		},
	}
}

type runOptions struct {
	swaggerPath string
	onListen    func(httpAddr string)
}

func RunShipSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories, ro runOptions) error {
	s := cfg.ShipSync

	store, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	rdb := f.newRedisClient(cfg)
	defer rdb.Close()

	q := queue.NewWithClient(rdb, "")
	// Markers left by a crashed process would block their identities forever.
	cleared, err := q.ClearAllInFlight(ctx)
	if err != nil {
		return errors.Wrap(err, "clear in-flight markers")
	}
	if cleared > 0 {
		slog.Warn("cleared stale in-flight markers", "count", cleared)
	}

	gov := governor.New(governor.Config{
		ResetCeiling:      config.Seconds(s.ResetCeilingSeconds, 0),
		FallbackWait:      config.Seconds(s.FallbackWaitSeconds, 0),
		CourtesyPerMinute: int64(s.CourtesyCallsPerMinute),
	}, rediscache.NewRateLimiterWithClient(rdb))

	broadcaster, closeBroadcaster := f.newBroadcaster(cfg)
	if closeBroadcaster != nil {
		defer closeBroadcaster()
	}
	carrierClient := f.newCarrierClient(cfg)
	mutex := coordinator.NewMutex(rdb, "", config.Seconds(s.ExclusiveLockTTLSeconds, 0))

	worker := reconciler.New(q, store, carrierClient, gov, broadcaster).
		WithSettings(s.BatchSize, s.MaxRetries, s.ParallelVerifyCap).
		WithCache(rediscache.NewWithClient(rdb, ""), config.Seconds(s.LookupCacheTTLSeconds, 0))

	sweepInterval := config.Seconds(s.SweepIntervalSeconds, 5*time.Minute)
	sw := sweeper.New(store, q, carrierClient, gov, mutex).
		WithSettings(
			sweepInterval,
			config.Seconds(s.ReverseStalenessSeconds, 0),
			config.Seconds(s.SweepLookbackSeconds, 0),
			s.SweepPageSize,
			s.ReverseSweepLimit,
			time.Duration(s.CourtesyDelayMillis)*time.Millisecond,
		).
		WithStaleQueueThreshold(config.Seconds(s.StaleQueueThresholdSeconds, 0))

	bf := backfill.New(mutex, q, carrierClient, gov).WithPageSize(s.SweepPageSize)

	ing := ingest.New(q, store, s.WebhookSecret).
		WithReplayWindow(config.Seconds(s.WebhookReplayWindowSeconds, 0))

	reg := coordinator.NewRegistry(ctx, rdb, "")
	defer reg.StopAll()
	reg.Start(taskReconcile, config.Seconds(s.DrainIntervalSeconds, 2*time.Second), worker.DrainOnce)
	reg.Start(taskForwardSweep, sweepInterval, sw.ForwardSweep)
	reg.Start(taskReverseSweep, config.Seconds(s.ReverseSweepIntervalSeconds, sweepInterval), sw.ReverseSweep)
	reg.Start(taskMonitor, config.Seconds(s.MonitorIntervalSeconds, time.Minute), sw.MonitorQueue)

	g, gctx := errgroup.WithContext(ctx)

	consumer := f.newOrderConsumer(cfg)
	if consumer != nil {
		defer consumer.Close()
		g.Go(func() error {
			consumeOrders(gctx, consumer, ing.HandleOrderEvent)
			return nil
		})
	}

	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    s.HTTPAddr,
			swaggerPath: ro.swaggerPath,
			onListen:    ro.onListen,
			appCtx:      gctx,
			cfg:         cfg,
			registry:    reg,
			worker:      worker,
			sweeper:     sw,
			backfill:    bf,
			ingest:      ing,
			consumer:    consumer,
			governor:    gov,
			ready: func(ctx context.Context) error {
				if err := store.Ping(ctx); err != nil {
					return errors.Wrap(err, "postgres")
				}
				return errors.Wrap(rdb.Ping(ctx).Err(), "redis")
			},
			failuresSince: store.CountFailuresSince,
			listFailures:  store.ListFailures,
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// consumeOrders keeps the order-event consumer alive until ctx is done.
func consumeOrders(ctx context.Context, c orderConsumer, h kafka.Handler) {
	for {
		err := c.Consume(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("order events consumer stopped", "error", err.Error(), "retry_in", consumerRetryDelay.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRetryDelay):
		}
	}
}
