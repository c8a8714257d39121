package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"threatline/internal/alerting"
	"threatline/internal/api"
	"threatline/internal/config"
	"threatline/internal/correlation"
	"threatline/internal/egress"
	apierrors "threatline/internal/errors"
	"threatline/internal/incident"
	"threatline/internal/ingest"
	"threatline/internal/kafka"
	"threatline/internal/logging"
	"threatline/internal/metrics"
	"threatline/internal/middleware"
	"threatline/internal/pipeline"
	"threatline/internal/response"
	"threatline/internal/rules"
	"threatline/internal/storage"
	"threatline/internal/storage/s3"
	"threatline/internal/threat"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, processing, correlation and the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stdout, cfg.Logging)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}
}

// app holds the wired components of a running instance.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Store
	catalog    *rules.Catalog
	publisher  *egress.Publisher
	processor  *pipeline.Processor
	correlator *incident.Correlator
	consumer   *kafka.Consumer
	server     *http.Server

	// apiOpts collects routes and /health checks of optional components.
	apiOpts []api.Option

	// closers run in reverse order on shutdown.
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func (a *app) addHealth(name string, check func(context.Context) error) {
	a.apiOpts = append(a.apiOpts, api.WithDependency(name, check))
}

// kafkaCheck adapts a Kafka health probe to a dependency check.
func kafkaCheck(probe func(context.Context) kafka.Health) func(context.Context) error {
	return func(ctx context.Context) error { return probe(ctx).Err() }
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	m := metrics.New()

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.onClose("store", a.store.Close)

	a.catalog = rules.NewCatalog(rules.NewLoader(cfg.Rules.MatchTimeout), logger)
	a.catalog.OnChange(func(s *rules.Snapshot) { m.RulesLoaded.Set(float64(s.Len())) })
	if err = a.catalog.Load(cfg.Rules.Paths); err != nil {
		return nil, err
	}

	level := threat.NewLevel(cfg.Threat)
	m.RegisterThreatLevel(level.Read)

	dispatcher := response.NewDispatcher(cfg.Response, m, logger)
	closeHooks, err := response.RegisterConfigured(dispatcher, cfg.Response.Hooks, logger)
	if err != nil {
		return nil, err
	}
	a.onClose("response hooks", closeHooks)
	if lists := dispatcher.Blocklists(); len(lists) > 0 {
		a.apiOpts = append(a.apiOpts, api.WithBlocklist(lists))
	}

	a.publisher = egress.NewPublisher(cfg.Egress.Config, m, logger)
	if err = a.addSinks(ctx); err != nil {
		return nil, err
	}

	retry := cfg.Storage.Retry
	engine := correlation.NewEngine(a.store,
		correlation.WithRetryPolicy(retry),
		correlation.WithMetrics(m),
		correlation.WithLogger(logger),
	)
	gen := alerting.NewGenerator(a.store,
		alerting.WithThreatLevel(level),
		alerting.WithDispatcher(dispatcher),
		alerting.WithPublisher(a.publisher),
		alerting.WithMetrics(m),
		alerting.WithRetryPolicy(retry),
		alerting.WithLogger(logger),
	)
	a.processor, err = pipeline.NewProcessor(a.store, engine, gen, a.catalog, cfg.Pipeline,
		pipeline.WithMetrics(m),
		pipeline.WithRetryPolicy(retry),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	a.correlator = incident.NewCorrelator(a.store, cfg.Correlator,
		incident.WithPublisher(a.publisher),
		incident.WithMetrics(m),
		incident.WithRetryPolicy(retry),
		incident.WithLogger(logger),
	)

	ingestHandler := ingest.NewHandler(a.store,
		ingest.WithMaxPayload(cfg.Server.MaxPayloadSize),
		ingest.WithMaxBatch(cfg.Server.MaxBatchSize),
		ingest.WithMetrics(m),
		ingest.WithRetryPolicy(retry),
		ingest.WithLogger(logger),
	)
	if cfg.Kafka.Ingest {
		a.consumer, err = kafka.NewConsumer(&cfg.Kafka.Config, ingestHandler.HandleMessage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		a.onClose("kafka consumer", a.consumer.Close)
		a.addHealth("kafka-consumer", kafkaCheck(a.consumer.HealthCheck))
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
	a.onClose("rate limiter", func() error { limiter.Stop(); return nil })

	headers := middleware.DefaultSecurityHeadersConfig()
	headers.HSTSEnabled = cfg.Server.Production

	apiOpts := append([]api.Option{
		api.WithRules(a.catalog),
		api.WithIngest(ingestHandler.HandleEvents),
		api.WithMetrics(m),
		api.WithSanitizer(apierrors.NewSanitizer(cfg.Server.Production)),
		api.WithMiddleware(middleware.APIKeyAuth(cfg.Auth, "/health", "/metrics")),
		api.WithLogger(logger),
	}, a.apiOpts...)
	srv := api.NewServer(a.store, level, apiOpts...)
	a.server = &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: middleware.Chain(srv,
			middleware.RequestID,
			middleware.Recovery(logger),
			middleware.Logging(logger),
			middleware.SecurityHeaders(headers),
			middleware.RateLimit(limiter),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return a, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	lease := storage.WithLeaseDuration(cfg.Storage.LeaseDuration)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(lease), nil
	case config.BackendSQLite:
		return storage.NewSQLiteStore(cfg.Storage.SQLite, lease)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// addSinks registers the enabled egress sinks.
func (a *app) addSinks(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Kafka.Publish {
		if cfg.Kafka.Topics.Ensure {
			admin, err := kafka.NewAdmin(&cfg.Kafka.Config, a.logger)
			if err != nil {
				return err
			}
			if err := admin.EnsureTopics(ctx); err != nil {
				return fmt.Errorf("failed to create kafka topics: %w", err)
			}
		}
		producer, err := kafka.NewProducer(&cfg.Kafka.Config, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		a.onClose("kafka producer", producer.Close)
		a.addHealth("kafka-producer", kafkaCheck(producer.HealthCheck))
		a.publisher.AddSink(egress.NewKafkaSink(producer, cfg.Kafka.Topics.Alerts, cfg.Kafka.Topics.Incidents))
	}

	if cfg.Egress.S3.Enabled {
		client, err := s3.NewClient(ctx, &cfg.Egress.S3.Config, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		archiver, err := s3.NewArchiver(client, &cfg.Egress.S3.Archive, a.logger)
		if err != nil {
			return err
		}
		a.addHealth("s3", client.HealthCheck)
		a.apiOpts = append(a.apiOpts, api.WithArchive(archiver))
		a.publisher.AddSink(egress.NewArchiveSink(archiver))
	}

	if ch := cfg.Egress.ClickHouse; ch.Enabled {
		conn, err := storage.OpenClickHouse(ctx, ch.Connection, cfg.Storage.Retry, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		a.onClose("clickhouse", conn.Close)
		a.addHealth("clickhouse", conn.Ping)

		if ch.Migrate {
			if err := conn.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run clickhouse migrations: %w", err)
			}
		}
		if err := conn.ApplyRetention(ctx, ch.Retention); err != nil {
			a.logger.Warn("failed to apply clickhouse retention", "error", err)
		}

		mirror := storage.NewMirror(conn, ch.Mirror)
		a.onClose("clickhouse mirror", mirror.Close)
		a.publisher.AddSink(egress.NewMirrorSink(mirror))
	}

	return nil
}

// run starts every loop and blocks until ctx is cancelled, then shuts down.
func (a *app) run(ctx context.Context) error {
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	a.publisher.Start(runCtx)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("component stopped", "component", name, "error", err)
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("pipeline", a.processor.Run)
	goRun("correlator", a.correlator.Run)
	if a.consumer != nil {
		goRun("kafka consumer", a.consumer.Run)
	}

	go a.watchReload(runCtx)

	go func() {
		a.logger.Info("starting http server", "address", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.logger.Info("threatline started",
		"version", version,
		"storage", a.cfg.Storage.Backend,
		"rules", a.catalog.Snapshot().Len(),
		"sinks", a.publisher.Sinks(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
	}

	stopRun()
	wg.Wait()

	a.publisher.Stop()
	a.close()

	a.logger.Info("shutdown complete", "egress", a.publisher.Stats())
	return runErr
}

// watchReload reloads rules on SIGHUP until ctx is done.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.catalog.Reload(); err != nil {
				continue
			}
			a.logger.Info("rules reloaded", "rules", a.catalog.Snapshot().Len())
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Error("close error", "component", c.name, "error", err)
		}
	}
	a.closers = nil
}
