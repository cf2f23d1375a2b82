package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lineboard/lineboard/internal/aggregate"
	"github.com/lineboard/lineboard/internal/cache"
	"github.com/lineboard/lineboard/internal/catalog"
	"github.com/lineboard/lineboard/internal/dashboard"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/internal/push"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/health"
	"github.com/lineboard/lineboard/pkg/kafka"
	"github.com/lineboard/lineboard/pkg/logger"
	"github.com/lineboard/lineboard/pkg/metrics"
	"github.com/lineboard/lineboard/pkg/middleware"
	"github.com/lineboard/lineboard/pkg/postgres"
	pkgredis "github.com/lineboard/lineboard/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting dashboard service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerClient, err := postgres.New(cfg.Ledger)
	if err != nil {
		slog.Error("ledger database unavailable", "error", err)
		os.Exit(1)
	}
	defer ledgerClient.Close()

	localClient, err := postgres.New(cfg.LocalStore)
	if err != nil {
		slog.Error("local database unavailable", "error", err)
		os.Exit(1)
	}
	defer localClient.Close()

	backends := router.NewBackends(ledgerClient, localClient)
	store := aggregate.NewStore(backends)

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	m := metrics.New()
	hierarchy := cache.New(redisClient, pkgredis.IsNilError,
		cache.WithTierTTL(cache.TierForecast, cfg.Cache.ForecastTTL),
		cache.WithTierTTL(cache.TierActuals, cfg.Cache.ActualsTTL),
		cache.WithTierTTL(cache.TierBasic, cfg.Cache.BasicTTL),
		cache.WithTierTTL(cache.TierConfig, cfg.Cache.ConfigTTL),
		cache.WithObserver(
			func(tier cache.Tier) { m.CacheHitsTotal.WithLabelValues(string(tier)).Inc() },
			func(tier cache.Tier) { m.CacheMissesTotal.WithLabelValues(string(tier)).Inc() },
			func() { m.CacheFallOpen.Inc() },
		),
	)

	cat := catalog.New(backends, hierarchy)
	if err := cat.EnsureSchema(ctx); err != nil {
		slog.Error("catalog schema setup failed", "error", err)
		os.Exit(1)
	}

	provider := dashboard.New(store, cat, hierarchy)
	auth := dashboard.NewSessionAuth(redisClient, cat)

	pushMetrics := push.NewPromMetrics(m)
	pushServer := push.NewServer(push.NewHub(), auth, provider, pushMetrics,
		push.WithFrameLimit(cfg.Push.MaxFrameBytes),
		push.WithWriteTimeout(cfg.Push.WriteTimeout))

	broadcaster := push.NewBroadcaster(cfg.Kafka, pushServer.Hub(), provider, pushMetrics)
	defer broadcaster.Close()
	go func() {
		if err := broadcaster.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("broadcaster stopped", "error", err)
		}
	}()

	go func() {
		err := provider.RunMaintenance(ctx, cfg.Aggregation.ForecastRefreshEvery, cfg.Aggregation.CacheSweepEvery)
		if err != nil && ctx.Err() == nil {
			slog.Error("maintenance loop stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(sctx)
		}()
	}

	checker := health.NewChecker()
	checker.Register("local_store", func(ctx context.Context) health.ComponentHealth {
		if err := localClient.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("ledger", func(ctx context.Context) health.ComponentHealth {
		if err := ledgerClient.DB.PingContext(ctx); err != nil {
			// Dashboards keep serving aggregates when the ledger is away.
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		if err := kafka.Ping(ctx, cfg.Kafka.Brokers); err != nil {
			// Without the broker, pushes stall but REST reads still work.
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	api := dashboard.NewHandler(provider, auth, hierarchy, ledger.NewReader(backends))

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/v1/events", api.Events)
	apiMux.HandleFunc("GET /api/v1/dashboard/card", api.CardState)
	apiMux.HandleFunc("GET /api/v1/dashboard/weekly", api.Weekly)
	apiMux.HandleFunc("GET /api/v1/dashboard/parts", api.PartAnalysis)
	apiMux.HandleFunc("GET /api/v1/dashboard/performance", api.Performance)
	apiMux.HandleFunc("GET /api/v1/dashboard/forecast", api.Forecast)
	apiMux.HandleFunc("GET /api/v1/cache/stats", api.CacheStats)

	mux := http.NewServeMux()
	// Websocket sessions outlive any request deadline, so only the REST
	// surface goes through the timeout middleware.
	mux.Handle("/ws", pushServer.Handler())
	mux.Handle("/api/", middleware.Timeout(cfg.Server.WriteTimeout)(apiMux))
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     chain,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: websocket connections outlive any fixed deadline.
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("dashboard service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("dashboard service stopped")
}
