package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lineboard/lineboard/internal/aggregate"
	"github.com/lineboard/lineboard/internal/cache"
	"github.com/lineboard/lineboard/internal/catalog"
	"github.com/lineboard/lineboard/internal/engine"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/logger"
	"github.com/lineboard/lineboard/pkg/metrics"
	"github.com/lineboard/lineboard/pkg/postgres"
	pkgredis "github.com/lineboard/lineboard/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	lines := flag.String("lines", "", "comma-separated lines to aggregate (default: all active)")
	from := flag.String("from", "", "start date YYYY-MM-DD (default: full history)")
	to := flag.String("to", "", "end date YYYY-MM-DD inclusive")
	rollback := flag.Bool("rollback", false, "delete aggregates in scope instead of creating them")
	dryRun := flag.Bool("dry-run", false, "report the work plan without writing")
	validate := flag.Bool("validate", false, "compare stored aggregates against the ledger without writing")
	repair := flag.Bool("repair", false, "validate, then rebuild drifted line-dates")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting aggregator",
		"line_workers", cfg.Aggregation.LineWorkers,
		"chunk_timeout", cfg.Aggregation.ChunkTimeout,
	)

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
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("aggregate schema setup failed", "error", err)
		os.Exit(1)
	}

	var hierarchy *cache.Hierarchy
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, cache invalidation disabled", "error", err)
	} else {
		defer redisClient.Close()
		hierarchy = cache.New(redisClient, pkgredis.IsNilError, tierOverrides(cfg.Cache)...)
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(sctx)
		}()
	}

	notifier := engine.NewKafkaNotifier(cfg.Kafka)
	defer notifier.Close()

	opts := []engine.EngineOption{
		engine.WithNotifier(notifier),
		engine.WithMetrics(engine.NewPromMetrics(m)),
	}
	if hierarchy != nil {
		opts = append(opts, engine.WithInvalidator(hierarchy))
	}

	reader := ledger.NewReader(backends)
	cat := catalog.New(backends, hierarchy)
	eng := engine.New(reader, store, cat, cfg.Aggregation, opts...)

	req, scope, err := parseScope(*lines, *from, *to)
	if err != nil {
		slog.Error("invalid scope", "error", err)
		os.Exit(1)
	}

	if *dryRun {
		plan, err := eng.DryRun(ctx, req)
		if err != nil {
			slog.Error("dry run failed", "error", err)
			os.Exit(1)
		}
		for _, lp := range plan.Lines {
			slog.Info("planned line",
				"line", lp.Line,
				"events", lp.EventCount,
				"dates", lp.Dates,
				"chunk_size", lp.ChunkSize,
				"chunks", lp.Chunks,
			)
		}
		return
	}

	if *validate || *repair {
		var drifts []engine.Drift
		if *repair {
			drifts, err = eng.Repair(ctx, req, store)
		} else {
			drifts, err = eng.Audit(ctx, req, store)
		}
		if err != nil {
			slog.Error("aggregate audit failed", "error", err)
			os.Exit(1)
		}
		for _, d := range drifts {
			slog.Warn("drifted aggregates",
				"line", d.Line,
				"date", d.Date.Format("2006-01-02"),
				"keys", len(d.Keys),
				"repaired", *repair,
			)
		}
		if len(drifts) == 0 {
			slog.Info("stored aggregates match the ledger")
		} else if !*repair {
			os.Exit(2)
		}
		return
	}

	if *rollback {
		if len(scope.Lines) == 0 {
			slog.Error("rollback requires an explicit -lines scope")
			os.Exit(1)
		}
		deleted, err := eng.Rollback(ctx, scope)
		if err != nil {
			slog.Error("rollback failed", "deleted", deleted, "error", err)
			os.Exit(1)
		}
		slog.Info("rollback complete", "deleted", deleted)
		return
	}

	summary, err := eng.Run(ctx, req)
	if skipped := reader.SkippedRows(); skipped > 0 {
		slog.Warn("malformed ledger rows were skipped", "rows", skipped)
	}
	if err != nil {
		slog.Error("aggregation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("aggregation complete",
		"lines_processed", summary.LinesProcessed,
		"lines_failed", summary.LinesFailed,
		"rows_created", summary.RowsCreated,
		"errors", summary.Errors,
		"elapsed", summary.Elapsed,
	)
	if summary.Errors > 0 {
		os.Exit(2)
	}
}

func parseScope(lines, from, to string) (engine.Request, aggregate.Scope, error) {
	var req engine.Request
	if lines != "" {
		for _, l := range strings.Split(lines, ",") {
			if l = strings.TrimSpace(l); l != "" {
				req.Lines = append(req.Lines, l)
			}
		}
	}
	if from != "" {
		d, err := time.Parse("2006-01-02", from)
		if err != nil {
			return req, aggregate.Scope{}, fmt.Errorf("invalid -from date: %w", err)
		}
		req.From = d.UTC()
	}
	if to != "" {
		d, err := time.Parse("2006-01-02", to)
		if err != nil {
			return req, aggregate.Scope{}, fmt.Errorf("invalid -to date: %w", err)
		}
		// Date bounds are half-open [from, to); advancing one day keeps the
		// flag inclusive as documented, for runs and rollbacks alike.
		req.To = d.UTC().AddDate(0, 0, 1)
	}
	scope := aggregate.Scope{Lines: req.Lines, From: req.From, To: req.To}
	return req, scope, nil
}

func tierOverrides(cfg config.CacheConfig) []cache.Option {
	return []cache.Option{
		cache.WithTierTTL(cache.TierForecast, cfg.ForecastTTL),
		cache.WithTierTTL(cache.TierActuals, cfg.ActualsTTL),
		cache.WithTierTTL(cache.TierBasic, cfg.BasicTTL),
		cache.WithTierTTL(cache.TierConfig, cfg.ConfigTTL),
	}
}
