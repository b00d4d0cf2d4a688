package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fourma/bikelocator/internal/analytics"
	"github.com/fourma/bikelocator/internal/bikes"
	"github.com/fourma/bikelocator/internal/bikes/cache"
	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/locator"
	"github.com/fourma/bikelocator/internal/resolver"
	"github.com/fourma/bikelocator/pkg/config"
	"github.com/fourma/bikelocator/pkg/health"
	"github.com/fourma/bikelocator/pkg/kafka"
	"github.com/fourma/bikelocator/pkg/metrics"
	"github.com/fourma/bikelocator/pkg/postgres"
	pkgredis "github.com/fourma/bikelocator/pkg/redis"
	"github.com/fourma/bikelocator/pkg/resilience"
)

// app is everything a subcommand needs, wired from one Config.
type app struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	resolver   *resolver.Resolver
	service    *locator.Service
	cache      *cache.Cache
	aggregator *analytics.Aggregator
	metrics    *metrics.Metrics
	checker    *health.Checker

	closers []func()
}

// appOptions turns on the parts only long-running commands want.
type appOptions struct {
	background bool
}

// newApp loads the catalog, builds the resolver and wires the optional
// cache, analytics pipeline and metrics server around the locator service.
// Optional dependencies that fail to connect are logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, checker: health.NewChecker()}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewWithRegistry(reg, reg)

	c, err := a.loadCatalog(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.catalog = c
	for _, col := range c.Collisions() {
		slog.Warn("duplicate location key", "key", col.Key, "owners", col.Owners)
	}

	a.resolver = resolver.New(c, resolver.WithThreshold(cfg.Resolver.Threshold))
	if cfg.Resolver.Eager {
		ix := a.resolver.Warm()
		a.metrics.CatalogKeys.Set(float64(ix.Len()))
	}
	a.checker.Register("catalog", func(context.Context) health.ComponentHealth {
		if c.Len() == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "catalog is empty"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d locations", c.Len())}
	})

	bikeClient := bikes.NewClient(cfg.BikeAPI, bikes.WithMetrics(a.metrics))
	a.checker.Register("bike_api", func(context.Context) health.ComponentHealth {
		if state := bikeClient.BreakerState(); state != resilience.StateClosed {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit " + state.String()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	svcOpts := []locator.Option{locator.WithMetrics(a.metrics)}

	if cfg.Redis.Enabled {
		rdb, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, bike caching disabled", "error", err)
		} else {
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			a.cache = cache.New(rdb, cfg.Redis.CacheTTL, a.metrics, cache.WithFetchTimeout(fetchBudget(cfg.BikeAPI)))
			a.checker.Register("redis", rdb.HealthCheck())
			svcOpts = append(svcOpts, locator.WithCache(a.cache))
			slog.Info("bike cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	a.aggregator = analytics.NewAggregator()
	if cfg.Kafka.Enabled && opts.background {
		svcOpts = append(svcOpts, locator.WithTracker(a.startKafkaAnalytics(ctx)))
	} else {
		svcOpts = append(svcOpts, locator.WithTracker(a.aggregator))
	}

	if cfg.Metrics.Enabled && opts.background {
		shutdown := a.metrics.StartServer(cfg.Metrics.Port)
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}

	a.service = locator.New(a.resolver, bikeClient, svcOpts...)
	return a, nil
}

func (a *app) loadCatalog(ctx context.Context) (*catalog.Catalog, error) {
	policy := catalog.DuplicatePolicy(a.cfg.Catalog.DuplicateKeys)

	switch a.cfg.Catalog.Source {
	case config.CatalogSourceFile:
		c, err := catalog.LoadFile(a.cfg.Catalog.Path, policy)
		if err != nil {
			return nil, err
		}
		slog.Info("catalog loaded", "source", "file", "path", a.cfg.Catalog.Path, "locations", c.Len())
		return c, nil

	case config.CatalogSourcePostgres:
		pg, err := postgres.New(ctx, a.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		a.checker.Register("postgres", pg.HealthCheck())

		c, err := catalog.LoadPostgres(ctx, pg, a.cfg.Catalog.Table, policy)
		if err != nil {
			return nil, err
		}
		slog.Info("catalog loaded", "source", "postgres", "table", a.cfg.Catalog.Table, "locations", c.Len())
		return c, nil

	default:
		c, err := catalog.Campus(policy)
		if err != nil {
			return nil, err
		}
		slog.Info("catalog loaded", "source", "embedded", "locations", c.Len())
		return c, nil
	}
}

// startKafkaAnalytics publishes events through a batching collector and
// feeds the aggregator from the same topic, so /api/v1/analytics covers
// every instance sharing the topic.
func (a *app) startKafkaAnalytics(ctx context.Context) analytics.Tracker {
	topic := a.cfg.Kafka.Topics.ResolutionEvents

	producer := kafka.NewProducer(a.cfg.Kafka, topic)
	collector := analytics.NewCollector(producer, analytics.CollectorConfig{})
	collector.Start(ctx)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumer := kafka.NewConsumer(a.cfg.Kafka, topic, a.aggregator.HandleMessage())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil {
			slog.Error("analytics consumer stopped", "error", err)
		}
	}()

	a.closers = append(a.closers, func() {
		collector.Close()
		if err := producer.Close(); err != nil {
			slog.Error("closing analytics producer", "error", err)
		}
		stopConsumer()
		<-consumerDone
	})
	slog.Info("analytics pipeline started", "topic", topic, "brokers", a.cfg.Kafka.Brokers)
	return collector
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// fetchBudget is the longest a bike lookup can take with every retry used.
func fetchBudget(cfg config.BikeAPIConfig) time.Duration {
	attempts := time.Duration(max(cfg.Retry.MaxAttempts, 1))
	return cfg.Timeout*attempts + cfg.Retry.MaxDelay*(attempts-1)
}
