package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/audit"
	"github.com/phan28395/PDFTEXT-sub002/internal/auth"
	"github.com/phan28395/PDFTEXT-sub002/internal/config"
	"github.com/phan28395/PDFTEXT-sub002/internal/correlation"
	"github.com/phan28395/PDFTEXT-sub002/internal/counter"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/handlers"
	"github.com/phan28395/PDFTEXT-sub002/internal/logging"
	"github.com/phan28395/PDFTEXT-sub002/internal/metrics"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
	"github.com/phan28395/PDFTEXT-sub002/internal/risk"
	"github.com/phan28395/PDFTEXT-sub002/internal/scheduler"
	"github.com/phan28395/PDFTEXT-sub002/internal/server"

	natsclient "github.com/phan28395/PDFTEXT-sub002/internal/messaging/nats"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("abuseguard"))
	logging.SetDefault(logger)

	slog.Info("Starting abuseguard",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger.Logger); err != nil {
		slog.Error("abuseguard stopped with error", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("abuseguard stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewRealClock()

	// Shared state
	var counterStore counter.Store
	var mitigationStore mitigation.Store
	counterOpts := []counter.Option{
		counter.WithMinRetention(cfg.Counter.MinRetention),
		counter.WithKeyPrefix(cfg.Redis.KeyPrefix),
	}
	if cfg.Redis.Enabled {
		rdb, err := connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		counterStore = counter.NewRedisStore(rdb, counterOpts...)
		mitigationStore = mitigation.NewRedisStore(rdb, cfg.Redis.KeyPrefix, clock)
		logger.Info("using redis for shared state", slog.String("key_prefix", cfg.Redis.KeyPrefix))
	} else {
		counterStore = counter.NewMemoryStore(counterOpts...)
		mitigationStore = mitigation.NewMemoryStore()
		logger.Info("redis disabled, state is local to this process")
	}

	// Messaging
	var bus *natsclient.Client
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		c, err := natsclient.NewClient(natsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		bus = c
		defer func() {
			if err := bus.Drain(); err != nil {
				logger.Warn("failed to drain NATS connection", logging.Error(err))
			}
		}()
	}

	// Audit export
	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if bus != nil && cfg.Audit.Publish {
		sinks = append(sinks, audit.NewPublisherSink(bus, ""))
	}
	exporterOpts := []audit.ExporterOption{audit.WithLogger(logger)}
	if cfg.Audit.SigningKey != "" {
		exporterOpts = append(exporterOpts, audit.WithSigner(audit.NewSigner(cfg.Audit.SigningKey)))
	}
	exporter := audit.NewExporter(sinks, cfg.Audit.BufferSize, exporterOpts...)

	// Engine components
	lists := accesslist.New(accesslist.WithClock(clock), accesslist.WithLogger(logger))
	lists.Load(cfg.AccessList.Allow, cfg.AccessList.Deny)

	pols, err := policies(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("invalid rate limit policies: %w", err)
	}

	actuator := mitigation.NewActuator(mitigationStore,
		mitigation.WithClock(clock),
		mitigation.WithLogger(logger),
		mitigation.WithAuditor(exporter),
		mitigation.WithMaxDuration(cfg.Mitigation.MaxDuration),
	)

	scorer := risk.NewScorer(riskConfig(cfg.Risk), risk.WithClock(clock), risk.WithLogger(logger))

	decider := ratelimit.NewDecider(counterStore, guard.AuditedAccessList(lists, exporter, clock),
		ratelimit.WithClock(clock),
		ratelimit.WithLogger(logger),
		ratelimit.WithFloodDetector(scorer),
		ratelimit.WithOverrides(actuator),
		ratelimit.WithAutoDenyTTL(cfg.RateLimit.AutoDenyTTL),
	)

	engineOpts := []correlation.Option{
		correlation.WithClock(clock),
		correlation.WithLogger(logger),
		correlation.WithAuditor(exporter),
	}
	if bus != nil {
		engineOpts = append(engineOpts, correlation.WithNotifier(natsclient.NewPublisher(bus, logger)))
	}
	engine := correlation.NewEngine(correlation.Config{
		QueueSize:       cfg.Correlation.QueueSize,
		MaxEventsPerKey: cfg.Correlation.MaxEventsPerKey,
		AlertRetention:  cfg.Correlation.AlertRetention,
	}, actuator, engineOpts...)
	patterns, err := threatPatterns(cfg.Correlation.PatternsFile, logger)
	if err != nil {
		return err
	}
	engine.LoadPatterns(patterns)

	svc := guard.New(guard.Components{
		Lists:    lists,
		Policies: pols,
		Decider:  decider,
		Scorer:   scorer,
		Actuator: actuator,
		Engine:   engine,
	}, guard.WithClock(clock), guard.WithLogger(logger), guard.WithAuditor(exporter))

	// Background workers
	var workers sync.WaitGroup
	for _, worker := range []func(context.Context){exporter.Run, engine.Run, actuator.Scheduler().Run} {
		workers.Add(1)
		go func(run func(context.Context)) {
			defer workers.Done()
			run(ctx)
		}(worker)
	}

	sweepers := &scheduler.Group{}
	sweepers.Add(
		scheduler.NewRunner("counter-sweep", cfg.Counter.SweepInterval, func(ctx context.Context) {
			n, err := counterStore.Sweep(ctx)
			if err != nil {
				metrics.StoreErrors.WithLabelValues("counter").Inc()
				logger.Warn("counter sweep failed", logging.Error(err))
				return
			}
			metrics.SweepRemoved.WithLabelValues("counter").Add(float64(n))
		}, scheduler.WithLogger(logger)),
		scheduler.NewRunner("accesslist-sweep", cfg.AccessList.SweepInterval, func(ctx context.Context) {
			metrics.SweepRemoved.WithLabelValues("accesslist").Add(float64(lists.Sweep()))
		}, scheduler.WithLogger(logger)),
		scheduler.NewRunner("risk-sweep", cfg.Risk.SweepInterval, func(ctx context.Context) {
			metrics.SweepRemoved.WithLabelValues("risk").Add(float64(scorer.Sweep(clock.Now())))
		}, scheduler.WithLogger(logger)),
		scheduler.NewRunner("correlation-sweep", cfg.Correlation.SweepInterval, func(ctx context.Context) {
			res := engine.Sweep(clock.Now())
			metrics.SweepRemoved.WithLabelValues("correlation_events").Add(float64(res.Events))
			metrics.SweepRemoved.WithLabelValues("correlation_alerts").Add(float64(res.Purged))
		}, scheduler.WithLogger(logger)),
	)
	sweepers.Start(ctx)
	defer sweepers.Stop()

	var events *natsclient.EventHandler
	if bus != nil {
		events = natsclient.NewEventHandler(bus, svc, cfg.NATS.QueueGroup, logger)
		if err := events.Start(); err != nil {
			return err
		}
		defer events.Stop()
	}

	// HTTP API
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty, admin API will reject every request")
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, clock)

	checks := map[string]handlers.ReadinessCheck{}
	if bus != nil {
		checks["nats"] = func() error {
			if !bus.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	router := server.NewRouter(server.RouterConfig{
		Abuse: handlers.NewAbuseHandler(svc, logger),
		Admin: handlers.NewAdminHandler(svc, handlers.MitigationDefaults{
			Block:   cfg.Mitigation.DefaultBlockDuration,
			Suspend: cfg.Mitigation.DefaultSuspendDuration,
		}, logger),
		Health: handlers.NewHealthHandler(version, checks),
		Tokens: tokens,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("abuseguard listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop intake before the workers so queued events and audit records drain.
	if events != nil {
		events.Stop()
	}
	cancel()
	workers.Wait()
	return nil
}
