package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
)

// Schema describes the aggregate store's shape: one row per uniqueness key,
// indexed for the dashboard's common access patterns.
const Schema = `
CREATE TABLE IF NOT EXISTS result_aggregates (
    id             BIGSERIAL PRIMARY KEY,
    date           DATE NOT NULL,
    line           TEXT NOT NULL,
    machine        TEXT NOT NULL DEFAULT '',
    part           TEXT NOT NULL DEFAULT '',
    judgment       TEXT NOT NULL,
    total_quantity BIGINT NOT NULL DEFAULT 0,
    event_count    BIGINT NOT NULL DEFAULT 0,
    last_updated   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT result_aggregates_key UNIQUE (date, line, machine, part, judgment)
);
CREATE INDEX IF NOT EXISTS idx_aggregates_date_line ON result_aggregates (date, line);
CREATE INDEX IF NOT EXISTS idx_aggregates_date_line_part ON result_aggregates (date, line, part);
CREATE INDEX IF NOT EXISTS idx_aggregates_date_line_judgment ON result_aggregates (date, line, judgment);
`

// Store persists aggregate rows in the local backend, resolved through the
// database router.
type Store struct {
	backends *router.Backends
	logger   *slog.Logger
}

// NewStore creates an aggregate store backed by the router's local database.
func NewStore(backends *router.Backends) *Store {
	return &Store{
		backends: backends,
		logger:   logger.WithComponent("aggregate-store"),
	}
}

func (s *Store) db() (*sql.DB, error) {
	client, err := s.backends.Local(router.EntityAggregate)
	if err != nil {
		return nil, err
	}
	return client.DB, nil
}

// EnsureSchema creates the aggregate table and its indexes. The change is
// routed as a schema operation so a misdirected backend is rejected.
func (s *Store) EnsureSchema(ctx context.Context) error {
	client, err := s.backends.SchemaChange(router.BackendLocal, router.EntityAggregate)
	if err != nil {
		return err
	}
	if _, err := client.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating aggregate schema: %w", err)
	}
	return nil
}

// UpsertBatch inserts rollup rows with conflict-ignore semantics on the
// uniqueness key: the first writer for a key within a run wins, and
// re-running the same batch creates no duplicates. The whole batch commits
// atomically; it returns the number of rows actually created.
func (s *Store) UpsertBatch(ctx context.Context, rows []Aggregate) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	client, err := s.backends.Local(router.EntityAggregate)
	if err != nil {
		return 0, err
	}

	var created int64
	err = client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO result_aggregates
			     (date, line, machine, part, judgment, total_quantity, event_count, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT ON CONSTRAINT result_aggregates_key DO NOTHING`,
		)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, row := range rows {
			res, err := stmt.ExecContext(ctx,
				row.Date.UTC().Format("2006-01-02"),
				row.Line, row.Machine, row.Part, string(row.Judgment),
				row.TotalQuantity, row.EventCount, now,
			)
			if err != nil {
				return fmt.Errorf("upserting aggregate %s: %w", row.Key(), err)
			}
			n, _ := res.RowsAffected()
			created += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Merge applies one raw event incrementally, adding its quantity to the
// matching aggregate row or creating the row if the key is new.
func (s *Store) Merge(ctx context.Context, e ledger.RawEvent) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO result_aggregates
		     (date, line, machine, part, judgment, total_quantity, event_count, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
		 ON CONFLICT ON CONSTRAINT result_aggregates_key DO UPDATE SET
		     total_quantity = result_aggregates.total_quantity + EXCLUDED.total_quantity,
		     event_count    = result_aggregates.event_count + 1,
		     last_updated   = NOW()`,
		e.Date().Format("2006-01-02"), e.Line, e.Machine, e.Part, string(e.Judgment), e.Quantity,
	)
	if err != nil {
		return fmt.Errorf("merging event: %w", err)
	}
	return nil
}

// Unmerge reverses one raw event, subtracting its quantity from the matching
// aggregate row. Rows never go below zero.
func (s *Store) Unmerge(ctx context.Context, e ledger.RawEvent) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE result_aggregates SET
		     total_quantity = GREATEST(total_quantity - $6, 0),
		     event_count    = GREATEST(event_count - 1, 0),
		     last_updated   = NOW()
		 WHERE date = $1 AND line = $2 AND machine = $3 AND part = $4 AND judgment = $5`,
		e.Date().Format("2006-01-02"), e.Line, e.Machine, e.Part, string(e.Judgment), e.Quantity,
	)
	if err != nil {
		return fmt.Errorf("unmerging event: %w", err)
	}
	return nil
}

// Rows returns the aggregate rows for one line and date range, ordered by
// date then part.
func (s *Store) Rows(ctx context.Context, line string, from, to time.Time) ([]Aggregate, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT date, line, machine, part, judgment, total_quantity, event_count, last_updated
		 FROM result_aggregates
		 WHERE line = $1 AND date >= $2 AND date < $3
		 ORDER BY date, part, judgment`,
		line, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("querying aggregates: %w", err)
	}
	defer rows.Close()

	var out []Aggregate
	for rows.Next() {
		var a Aggregate
		var judgment string
		if err := rows.Scan(&a.Date, &a.Line, &a.Machine, &a.Part, &judgment,
			&a.TotalQuantity, &a.EventCount, &a.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}
		a.Judgment = ledger.Judgment(judgment)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Totals holds summed quantities for a line and date range, split by
// judgment.
type Totals struct {
	TotalQuantity uint64 `json:"total_quantity"`
	OKQuantity    uint64 `json:"ok_quantity"`
	NGQuantity    uint64 `json:"ng_quantity"`
	EventCount    uint64 `json:"event_count"`
}

// LineTotals sums a line's aggregates over [from, to).
func (s *Store) LineTotals(ctx context.Context, line string, from, to time.Time) (Totals, error) {
	db, err := s.db()
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	err = db.QueryRowContext(ctx,
		`SELECT
		     COALESCE(SUM(total_quantity), 0),
		     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'OK'), 0),
		     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'NG'), 0),
		     COALESCE(SUM(event_count), 0)
		 FROM result_aggregates
		 WHERE line = $1 AND date >= $2 AND date < $3`,
		line, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	).Scan(&t.TotalQuantity, &t.OKQuantity, &t.NGQuantity, &t.EventCount)
	if err != nil {
		return Totals{}, fmt.Errorf("summing aggregates: %w", err)
	}
	return t, nil
}

// DailyTotal is one day's summed quantities for a line.
type DailyTotal struct {
	Date   time.Time `json:"date"`
	Totals Totals    `json:"totals"`
}

// DailyTotals returns per-day sums for a line over [from, to).
func (s *Store) DailyTotals(ctx context.Context, line string, from, to time.Time) ([]DailyTotal, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT date,
		     COALESCE(SUM(total_quantity), 0),
		     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'OK'), 0),
		     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'NG'), 0),
		     COALESCE(SUM(event_count), 0)
		 FROM result_aggregates
		 WHERE line = $1 AND date >= $2 AND date < $3
		 GROUP BY date ORDER BY date`,
		line, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily totals: %w", err)
	}
	defer rows.Close()

	var out []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Date, &d.Totals.TotalQuantity, &d.Totals.OKQuantity,
			&d.Totals.NGQuantity, &d.Totals.EventCount); err != nil {
			return nil, fmt.Errorf("scanning daily total: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PartTotal is one part's summed quantities for a line.
type PartTotal struct {
	Part   string `json:"part"`
	Totals Totals `json:"totals"`
}

// PartTotals returns per-part sums for a line over [from, to); pass a
// non-empty part to restrict to one part.
func (s *Store) PartTotals(ctx context.Context, line, part string, from, to time.Time) ([]PartTotal, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}

	query := `SELECT part,
	     COALESCE(SUM(total_quantity), 0),
	     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'OK'), 0),
	     COALESCE(SUM(total_quantity) FILTER (WHERE judgment = 'NG'), 0),
	     COALESCE(SUM(event_count), 0)
	 FROM result_aggregates
	 WHERE line = $1 AND date >= $2 AND date < $3`
	args := []any{line, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02")}
	if part != "" {
		args = append(args, part)
		query += fmt.Sprintf(" AND part = $%d", len(args))
	}
	query += " GROUP BY part ORDER BY part"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying part totals: %w", err)
	}
	defer rows.Close()

	var out []PartTotal
	for rows.Next() {
		var p PartTotal
		if err := rows.Scan(&p.Part, &p.Totals.TotalQuantity, &p.Totals.OKQuantity,
			&p.Totals.NGQuantity, &p.Totals.EventCount); err != nil {
			return nil, fmt.Errorf("scanning part total: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary is the store-wide state reported to the aggregation status room.
type Summary struct {
	RowCount   int64      `json:"row_count"`
	LatestDate *time.Time `json:"latest_date,omitempty"`
	LineCounts []struct {
		Line  string `json:"line"`
		Count int64  `json:"count"`
	} `json:"line_counts"`
}

// Summarize reports row counts, the most recent aggregated date, and
// per-line row counts.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	db, err := s.db()
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	var latest sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(date) FROM result_aggregates`,
	).Scan(&sum.RowCount, &latest)
	if err != nil {
		return Summary{}, fmt.Errorf("summarising aggregates: %w", err)
	}
	if latest.Valid {
		d := latest.Time.UTC()
		sum.LatestDate = &d
	}

	rows, err := db.QueryContext(ctx,
		`SELECT line, COUNT(*) FROM result_aggregates GROUP BY line ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summarising lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lc struct {
			Line  string `json:"line"`
			Count int64  `json:"count"`
		}
		if err := rows.Scan(&lc.Line, &lc.Count); err != nil {
			return Summary{}, fmt.Errorf("scanning line count: %w", err)
		}
		sum.LineCounts = append(sum.LineCounts, lc)
	}
	return sum, rows.Err()
}

// DeleteScope removes the aggregates in scope in bounded batches, reporting
// progress through the callback after each batch. A single unbounded DELETE
// would hold locks for the whole scope; batching keeps transactions short.
func (s *Store) DeleteScope(ctx context.Context, scope Scope, batchSize int, progress func(deleted int64)) (int64, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}
	db, err := s.db()
	if err != nil {
		return 0, err
	}

	query := `DELETE FROM result_aggregates WHERE id IN (
	              SELECT id FROM result_aggregates WHERE line = ANY($1)`
	args := []any{pq.Array(scope.Lines)}
	if !scope.From.IsZero() {
		args = append(args, scope.From.UTC().Format("2006-01-02"))
		query += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if !scope.To.IsZero() {
		args = append(args, scope.To.UTC().Format("2006-01-02"))
		query += fmt.Sprintf(" AND date < $%d", len(args))
	}
	args = append(args, batchSize)
	query += fmt.Sprintf(" LIMIT $%d)", len(args))

	var total int64
	for {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("%w: deleting aggregate batch: %v", errors.ErrConnectivity, err)
		}
		n, _ := res.RowsAffected()
		total += n
		if progress != nil && n > 0 {
			progress(total)
		}
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
