// Package engine turns raw ledger events into materialised aggregate rows.
// A job processes lines concurrently up to a bounded worker pool; within a
// line, date chunks are strictly sequential so no two upserts race on the
// same aggregate key. Chunk failures are counted and skipped, never fatal to
// the job: every invocation ends with a completed-with-errors summary.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/lineboard/lineboard/internal/aggregate"
	"github.com/lineboard/lineboard/internal/catalog"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
	"github.com/lineboard/lineboard/pkg/resilience"
	"github.com/lineboard/lineboard/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// EventSource reads candidate events from the legacy ledger.
type EventSource interface {
	CountEvents(ctx context.Context, line string) (int64, error)
	DistinctDates(ctx context.Context, line string, from, to time.Time) ([]time.Time, error)
	EventsForDates(ctx context.Context, line string, dates []time.Time) ([]ledger.RawEvent, error)
}

// AggregateSink persists rollup rows and deletes them on rollback.
type AggregateSink interface {
	UpsertBatch(ctx context.Context, rows []aggregate.Aggregate) (int64, error)
	DeleteScope(ctx context.Context, scope aggregate.Scope, batchSize int, progress func(deleted int64)) (int64, error)
}

// LineSource supplies the aggregation scope.
type LineSource interface {
	ActiveLines(ctx context.Context) ([]catalog.Line, error)
}

// Invalidator evicts derived cache entries after a chunk commit.
type Invalidator interface {
	InvalidateScope(ctx context.Context, line string) error
}

// Notifier publishes aggregate-change and job-status events. The dashboard
// service consumes them to drive room broadcasts.
type Notifier interface {
	AggregateChanged(ctx context.Context, change Change) error
	JobStatus(ctx context.Context, status StatusEvent) error
}

// Change describes one committed chunk's scope.
type Change struct {
	Line        string   `json:"line"`
	Dates       []string `json:"dates"`
	RowsCreated int64    `json:"rows_created"`
	At          string   `json:"at"`
}

// StatusEvent is a coarse job progress notification.
type StatusEvent struct {
	State          string `json:"state"`
	LinesTotal     int    `json:"lines_total"`
	LinesProcessed int    `json:"lines_processed"`
	RowsCreated    int64  `json:"rows_created"`
	Errors         int64  `json:"errors"`
	At             string `json:"at"`
}

// Metrics is the subset of collectors the engine reports into. Nil-safe:
// a zero Engine.metrics records nothing.
type Metrics interface {
	ChunkProcessed(status string)
	LineProcessed(status string)
	RowsCreated(n int64)
	RollbackDeleted(n int64)
	JobFinished(outcome string, elapsed time.Duration)
}

// Engine runs aggregation jobs.
type Engine struct {
	source      EventSource
	sink        AggregateSink
	lines       LineSource
	invalidator Invalidator
	notifier    Notifier
	metrics     Metrics
	cfg         config.AggregationConfig
	logger      *slog.Logger
}

// New creates an Engine. invalidator, notifier, and metrics may be nil.
func New(source EventSource, sink AggregateSink, lines LineSource, cfg config.AggregationConfig, opts ...EngineOption) *Engine {
	if cfg.LineWorkers <= 0 {
		cfg.LineWorkers = 1
	}
	if cfg.BufferReleaseEvery <= 0 {
		cfg.BufferReleaseEvery = 5
	}
	e := &Engine{
		source: source,
		sink:   sink,
		lines:  lines,
		cfg:    cfg,
		logger: logger.WithComponent("aggregation-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithInvalidator wires post-chunk cache invalidation.
func WithInvalidator(inv Invalidator) EngineOption {
	return func(e *Engine) { e.invalidator = inv }
}

// WithNotifier wires aggregate-change and job-status publication.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics wires Prometheus reporting.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// chunkSizeFor picks the date-chunk size by event volume, keeping peak
// memory bounded regardless of line size.
func chunkSizeFor(eventCount int64) int {
	switch {
	case eventCount > 10000:
		return 1000
	case eventCount > 1000:
		return 500
	default:
		return 100
	}
}

// chunkDates partitions an ordered date list into chunks of size n.
func chunkDates(dates []time.Time, n int) [][]time.Time {
	if n <= 0 || len(dates) == 0 {
		return nil
	}
	chunks := make([][]time.Time, 0, (len(dates)+n-1)/n)
	for start := 0; start < len(dates); start += n {
		end := start + n
		if end > len(dates) {
			end = len(dates)
		}
		chunks = append(chunks, dates[start:end])
	}
	return chunks
}

// Run executes one aggregation invocation over the requested scope. It never
// returns an error for chunk- or line-level failures; only a run in which
// every chunk failed reports a job-level error alongside the summary.
func (e *Engine) Run(ctx context.Context, req Request) (Summary, error) {
	start := time.Now()
	summary := Summary{StartedAt: start.UTC()}

	ctx, span := tracing.StartSpan(ctx, "aggregation.job",
		fmt.Sprintf("agg-%d", start.UnixNano()))
	defer func() {
		span.SetAttr("rows_created", summary.RowsCreated)
		span.SetAttr("errors", summary.Errors)
		span.End()
		span.Log()
	}()

	lines, err := e.resolveScope(ctx, req)
	if err != nil {
		e.observeJob("failed", time.Since(start))
		return summary, err
	}
	if len(lines) == 0 {
		e.logger.Info("no active lines in scope, job is a no-op")
		summary.Finish(start)
		e.observeJob("noop", summary.Elapsed)
		return summary, nil
	}
	summary.LinesTotal = len(lines)

	e.publishStatus(ctx, "started", &summary)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.cfg.LineWorkers)
	results := make([]lineResult, len(lines))

	for i, line := range lines {
		i, line := i, line
		grp.Go(func() error {
			results[i] = e.processLine(grpCtx, line, req)
			return nil
		})
	}
	// Workers never return errors; the group exists for the bounded pool.
	_ = grp.Wait()

	for _, res := range results {
		summary.Merge(res)
		if res.fatal != nil {
			e.observeLine("failed")
		} else {
			e.observeLine("ok")
		}
	}
	summary.Finish(start)

	outcome := "ok"
	if summary.ChunksTotal > 0 && summary.ChunksFailed == summary.ChunksTotal {
		// Total outage: every chunk in the run failed.
		outcome = "failed"
		err = errors.Newf(errors.ErrConnectivity, 503,
			"aggregation failed for all %d chunks", summary.ChunksTotal)
	} else if summary.Errors > 0 {
		outcome = "completed_with_errors"
	}
	e.observeJob(outcome, summary.Elapsed)
	e.publishStatus(ctx, outcome, &summary)

	e.logger.Info("aggregation job finished",
		"outcome", outcome,
		"lines_total", summary.LinesTotal,
		"lines_processed", summary.LinesProcessed,
		"rows_created", summary.RowsCreated,
		"chunks", summary.ChunksTotal,
		"errors", summary.Errors,
		"elapsed", summary.Elapsed,
	)
	return summary, err
}

// resolveScope returns the lines a request covers: the explicit list when
// given, otherwise every active line.
func (e *Engine) resolveScope(ctx context.Context, req Request) ([]string, error) {
	if len(req.Lines) > 0 {
		return req.Lines, nil
	}
	active, err := e.lines.ActiveLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving active lines: %w", err)
	}
	names := make([]string, 0, len(active))
	for _, l := range active {
		names = append(names, l.Name)
	}
	return names, nil
}

// DryRun resolves the scope and reports the chunking Run would use without
// touching the aggregate store, the cache, or the notifier.
func (e *Engine) DryRun(ctx context.Context, req Request) (Plan, error) {
	var plan Plan
	lines, err := e.resolveScope(ctx, req)
	if err != nil {
		return plan, err
	}
	for _, line := range lines {
		count, err := e.source.CountEvents(ctx, line)
		if err != nil {
			return plan, fmt.Errorf("counting events for line %s: %w", line, err)
		}
		lp := LinePlan{Line: line, EventCount: count}
		if count > 0 {
			lp.ChunkSize = chunkSizeFor(count)
			dates, err := e.source.DistinctDates(ctx, line, req.From, req.To)
			if err != nil {
				return plan, fmt.Errorf("listing dates for line %s: %w", line, err)
			}
			lp.Dates = len(dates)
			lp.Chunks = len(chunkDates(dates, lp.ChunkSize))
		}
		plan.Lines = append(plan.Lines, lp)
	}
	return plan, nil
}

// processLine aggregates one line chunk by chunk. A fatal error (scope
// queries failing, circuit open) ends the line; chunk errors are counted and
// the line continues.
func (e *Engine) processLine(ctx context.Context, line string, req Request) lineResult {
	res := lineResult{line: line}
	logger := e.logger.With("line", line)
	start := time.Now()

	ctx, span := tracing.StartChildSpan(ctx, "aggregation.line")
	span.SetAttr("line", line)
	defer func() {
		span.SetAttr("chunks", res.chunksTotal)
		span.SetAttr("rows_created", res.rowsCreated)
		span.End()
	}()

	count, err := e.source.CountEvents(ctx, line)
	if err != nil {
		res.fatal = fmt.Errorf("counting events for line %s: %w", line, err)
		logger.Error("line failed before chunking", "error", err)
		return res
	}
	if count == 0 {
		logger.Info("line has no events")
		res.processed = true
		return res
	}

	chunkSize := chunkSizeFor(count)
	dates, err := e.source.DistinctDates(ctx, line, req.From, req.To)
	if err != nil {
		res.fatal = fmt.Errorf("listing dates for line %s: %w", line, err)
		logger.Error("line failed before chunking", "error", err)
		return res
	}
	chunks := chunkDates(dates, chunkSize)
	logger.Info("processing line",
		"events", count, "dates", len(dates), "chunk_size", chunkSize, "chunks", len(chunks))

	breaker := resilience.NewCircuitBreaker("ledger-"+line, resilience.CircuitBreakerConfig{})

	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			res.fatal = ctx.Err()
			return res
		default:
		}

		res.chunksTotal++
		err := breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, e.cfg.ChunkTimeout, "aggregation-chunk",
				func(ctx context.Context) error {
					created, err := e.processChunk(ctx, line, chunk)
					if err != nil {
						return err
					}
					res.rowsCreated += created
					return nil
				})
		})
		if err != nil {
			if stderrors.Is(err, resilience.ErrCircuitOpen) {
				// The ledger connection is gone for this line entirely.
				res.fatal = fmt.Errorf("line %s: %w: backend circuit open after repeated chunk failures",
					line, errors.ErrConnectivity)
				remaining := int64(len(chunks) - i)
				res.chunksTotal += remaining - 1
				res.chunksFailed += remaining
				res.errors += remaining
				logger.Error("line aborted", "error", res.fatal, "chunks_remaining", len(chunks)-i)
				return res
			}
			res.chunksFailed++
			res.errors++
			e.observeChunk(chunkStatus(err))
			logger.Warn("chunk failed, continuing with next",
				"chunk", i+1, "chunks", len(chunks), "error", err)
			continue
		}
		e.observeChunk("ok")

		if e.invalidator != nil {
			if err := e.invalidator.InvalidateScope(ctx, line); err != nil {
				logger.Warn("cache invalidation failed", "error", err)
			}
		}
		e.publishChange(ctx, line, chunk, res.rowsCreated)

		if (i+1)%e.cfg.BufferReleaseEvery == 0 {
			// Long runs over large lines accumulate scan garbage faster than
			// the collector reclaims it; force a collection between chunks.
			runtime.GC()
			logger.Debug("released chunk buffers", "chunk", i+1, "chunks", len(chunks))
		}
	}

	res.processed = true
	logger.Info("line finished",
		"rows_created", res.rowsCreated,
		"chunks", res.chunksTotal,
		"chunk_errors", res.chunksFailed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}

// processChunk reads, rolls up, and upserts one date chunk. The upsert is
// one transaction: readers see either the pre-chunk or post-chunk state.
func (e *Engine) processChunk(ctx context.Context, line string, dates []time.Time) (int64, error) {
	events, err := e.source.EventsForDates(ctx, line, dates)
	if err != nil {
		return 0, err
	}
	rows := aggregate.Rollup(events)
	if len(rows) == 0 {
		return 0, nil
	}
	created, err := e.sink.UpsertBatch(ctx, rows)
	if err != nil {
		return 0, err
	}
	if created > 0 {
		e.observeRows(created)
	}
	return created, nil
}

// Rollback deletes the aggregates a previous run created for the given
// scope, in bounded batches, reporting progress incrementally.
func (e *Engine) Rollback(ctx context.Context, scope aggregate.Scope) (int64, error) {
	logger := e.logger.With("lines", scope.Lines,
		"from", scope.From.Format("2006-01-02"), "to", scope.To.Format("2006-01-02"))
	logger.Info("rollback starting", "batch_size", e.cfg.RollbackBatchSize)

	deleted, err := e.sink.DeleteScope(ctx, scope, e.cfg.RollbackBatchSize, func(deleted int64) {
		logger.Info("rollback progress", "deleted", deleted)
	})
	if err != nil {
		return deleted, fmt.Errorf("rolling back aggregates: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RollbackDeleted(deleted)
	}
	if e.invalidator != nil {
		for _, line := range scope.Lines {
			if invErr := e.invalidator.InvalidateScope(ctx, line); invErr != nil {
				logger.Warn("cache invalidation failed after rollback", "line", line, "error", invErr)
			}
		}
	}
	logger.Info("rollback finished", "deleted", deleted)
	return deleted, nil
}

// Validate recomputes one line and date from the ledger and compares the
// result with the stored aggregates, returning the differing keys.
func (e *Engine) Validate(ctx context.Context, line string, date time.Time, stored []aggregate.Aggregate) ([]aggregate.Key, error) {
	events, err := e.source.EventsForDates(ctx, line, []time.Time{date})
	if err != nil {
		return nil, fmt.Errorf("validating line %s: %w", line, err)
	}
	expected := aggregate.Rollup(events)

	byKey := make(map[aggregate.Key]aggregate.Aggregate, len(stored))
	for _, a := range stored {
		byKey[a.Key()] = a
	}

	var mismatched []aggregate.Key
	for _, want := range expected {
		got, ok := byKey[want.Key()]
		if !ok || got.TotalQuantity != want.TotalQuantity || got.EventCount != want.EventCount {
			mismatched = append(mismatched, want.Key())
		}
	}
	return mismatched, nil
}

// StoredRows reads persisted aggregates back for drift checks.
type StoredRows interface {
	Rows(ctx context.Context, line string, from, to time.Time) ([]aggregate.Aggregate, error)
}

// Drift is one line and date whose stored aggregates no longer match a fresh
// rollup of the ledger.
type Drift struct {
	Line string
	Date time.Time
	Keys []aggregate.Key
}

// Audit validates every line and date in the requested scope against the
// stored aggregates and reports the drifted ones.
func (e *Engine) Audit(ctx context.Context, req Request, stored StoredRows) ([]Drift, error) {
	lines, err := e.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	var drifts []Drift
	for _, line := range lines {
		dates, err := e.source.DistinctDates(ctx, line, req.From, req.To)
		if err != nil {
			return drifts, fmt.Errorf("auditing line %s: %w", line, err)
		}
		for _, date := range dates {
			rows, err := stored.Rows(ctx, line, date, date.AddDate(0, 0, 1))
			if err != nil {
				return drifts, fmt.Errorf("reading stored aggregates for line %s: %w", line, err)
			}
			keys, err := e.Validate(ctx, line, date, rows)
			if err != nil {
				return drifts, err
			}
			if len(keys) > 0 {
				e.logger.Warn("aggregate drift detected",
					"line", line, "date", date.Format("2006-01-02"), "keys", len(keys))
				drifts = append(drifts, Drift{Line: line, Date: date, Keys: keys})
			}
		}
	}
	return drifts, nil
}

// Repair audits the requested scope and rebuilds every drifted line and date:
// rollback of the day's rows followed by a fresh aggregation run. It returns
// the drifts that were repaired.
func (e *Engine) Repair(ctx context.Context, req Request, stored StoredRows) ([]Drift, error) {
	drifts, err := e.Audit(ctx, req, stored)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		dayScope := aggregate.Scope{Lines: []string{d.Line}, From: d.Date, To: d.Date.AddDate(0, 0, 1)}
		if _, err := e.Rollback(ctx, dayScope); err != nil {
			return drifts, fmt.Errorf("repairing line %s date %s: %w",
				d.Line, d.Date.Format("2006-01-02"), err)
		}
		dayReq := Request{Lines: dayScope.Lines, From: dayScope.From, To: dayScope.To}
		if _, err := e.Run(ctx, dayReq); err != nil {
			return drifts, fmt.Errorf("rebuilding line %s date %s: %w",
				d.Line, d.Date.Format("2006-01-02"), err)
		}
		e.logger.Info("repaired drifted aggregates",
			"line", d.Line, "date", d.Date.Format("2006-01-02"), "keys", len(d.Keys))
	}
	return drifts, nil
}

func (e *Engine) publishChange(ctx context.Context, line string, dates []time.Time, rows int64) {
	if e.notifier == nil {
		return
	}
	change := Change{
		Line:        line,
		Dates:       formatDates(dates),
		RowsCreated: rows,
		At:          time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.notifier.AggregateChanged(ctx, change); err != nil {
		e.logger.Warn("publishing aggregate change failed", "line", line, "error", err)
	}
}

func (e *Engine) publishStatus(ctx context.Context, state string, s *Summary) {
	if e.notifier == nil {
		return
	}
	status := StatusEvent{
		State:          state,
		LinesTotal:     s.LinesTotal,
		LinesProcessed: s.LinesProcessed,
		RowsCreated:    s.RowsCreated,
		Errors:         s.Errors,
		At:             time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.notifier.JobStatus(ctx, status); err != nil {
		e.logger.Warn("publishing job status failed", "error", err)
	}
}

func (e *Engine) observeChunk(status string) {
	if e.metrics != nil {
		e.metrics.ChunkProcessed(status)
	}
}

func (e *Engine) observeLine(status string) {
	if e.metrics != nil {
		e.metrics.LineProcessed(status)
	}
}

func (e *Engine) observeRows(n int64) {
	if e.metrics != nil {
		e.metrics.RowsCreated(n)
	}
}

func (e *Engine) observeJob(outcome string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.JobFinished(outcome, elapsed)
	}
}

func chunkStatus(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.UTC().Format("2006-01-02")
	}
	return out
}
