package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/config"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/handlers"
	"poly2api-go/internal/logging"
	"poly2api-go/internal/middleware"
	"poly2api-go/internal/monitoring/tracing"
	"poly2api-go/internal/server"
	"poly2api-go/internal/storage"
	"poly2api-go/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Security.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	log.Infof("Starting poly2api-go %s (config: %s)", version.Version, *configPath)

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage backend")
	}
	defer backend.Close()

	mgr := config.NewManager(cfg)
	rt := buildRuntime(mgr, backend)

	auth := apikey.NewAuthenticator(backend.APIKeys())
	h := handlers.New(handlers.Options{
		Executor:        rt.executor,
		Meter:           rt.meter,
		Guard:           rt.guard,
		Window:          rt.window,
		Quota:           rt.quota,
		Dispatchers:     rt.dispatchers,
		Store:           backend.Credentials(),
		DefaultProvider: credential.Provider(cfg.Server.DefaultProvider),
	})
	engine := server.BuildEngine(cfg, h, auth)

	startBackground(ctx, cfg, mgr, rt, *configPath)

	if err := server.Run(ctx, cfg.Server.Listen, engine); err != nil {
		log.WithError(err).Error("server exited")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// startBackground launches the maintenance loops. Each one exits with ctx.
func startBackground(ctx context.Context, cfg *config.Config, mgr *config.Manager, rt *runtime, configPath string) {
	middleware.SafeGo("refresh-sweeper", func() {
		rt.refresher.Run(ctx, cfg.RefreshSweepInterval())
	})
	middleware.SafeGo("quota-poller", func() {
		rt.poller.Run(ctx)
	})
	if cfg.Pricing.SyncHourly && cfg.Pricing.RemoteURL != "" {
		middleware.SafeGo("price-sync", func() {
			rt.pricing.Run(ctx)
		})
	}
	if ttl := logTTL(cfg); ttl > 0 {
		middleware.SafeGo("log-purge", func() {
			rt.meter.PurgeLoop(ctx, ttl, 6*time.Hour)
		})
	}
	if rt.memSessions != nil {
		middleware.SafeGo("session-sweeper", func() {
			sweepSessions(ctx, rt.memSessions)
		})
	}
	middleware.SafeGo("config-watcher", func() {
		if err := config.Watch(ctx, configPath, mgr); err != nil {
			log.WithError(err).Warn("config watcher stopped")
		}
	})
}

func logTTL(cfg *config.Config) time.Duration {
	if cfg.Limits.LogTTLDays <= 0 {
		return 0
	}
	return time.Duration(cfg.Limits.LogTTLDays) * 24 * time.Hour
}

func sweepSessions(ctx context.Context, sessions *credential.MemorySessions) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Sweep()
		}
	}
}
