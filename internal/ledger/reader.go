package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
)

// Reader provides chunked, read-only access to the legacy ledger. It is safe
// for concurrent use.
type Reader struct {
	backends *router.Backends
	logger   *slog.Logger

	skippedRows atomic.Int64
}

// NewReader creates a Reader resolving its connection through the router.
func NewReader(backends *router.Backends) *Reader {
	return &Reader{
		backends: backends,
		logger:   logger.WithComponent("ledger-reader"),
	}
}

func (r *Reader) db() (*sql.DB, error) {
	client, err := r.backends.Ledger(router.EntityRawEvent)
	if err != nil {
		return nil, err
	}
	return client.DB, nil
}

// SkippedRows returns the number of malformed rows skipped since the Reader
// was created.
func (r *Reader) SkippedRows() int64 {
	return r.skippedRows.Load()
}

// CountEvents returns the number of candidate events for a line. The engine
// uses it to pick a chunk size tier.
func (r *Reader) CountEvents(ctx context.Context, line string) (int64, error) {
	db, err := r.db()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE line = $1`, line,
	).Scan(&count)
	if err != nil {
		return 0, connectivity("counting ledger events", err)
	}
	return count, nil
}

// DistinctDates returns the ordered set of production dates a line has
// events for, bounded by the optional [from, to) range.
func (r *Reader) DistinctDates(ctx context.Context, line string, from, to time.Time) ([]time.Time, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	query := `SELECT DISTINCT DATE(timestamp) AS d FROM results WHERE line = $1`
	args := []any{line}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}
	query += " ORDER BY d"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, connectivity("listing ledger dates", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			r.skipRow(err)
			continue
		}
		dates = append(dates, d.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, connectivity("reading ledger dates", err)
	}
	return dates, nil
}

// EventsForDates fetches all events for a line on the given production
// dates, judgments normalised. Malformed rows are skipped and counted.
func (r *Reader) EventsForDates(ctx context.Context, line string, dates []time.Time) ([]RawEvent, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	dateStrs := make([]string, len(dates))
	for i, d := range dates {
		dateStrs[i] = d.UTC().Format("2006-01-02")
	}

	rows, err := db.QueryContext(ctx,
		`SELECT line, machine, part, quantity, timestamp, judgment, serial_number
		 FROM results
		 WHERE line = $1 AND DATE(timestamp) = ANY($2::date[])
		 ORDER BY timestamp DESC`,
		line, pq.Array(dateStrs),
	)
	if err != nil {
		return nil, connectivity("querying ledger events", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// Query runs a filtered ledger read, ordered by timestamp descending, capped
// at limit rows. It backs the dashboard's raw-event lookups.
func (r *Reader) Query(ctx context.Context, filter Filter, limit int) ([]RawEvent, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	where, args := filter.whereClause()
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT line, machine, part, quantity, timestamp, judgment, serial_number
		 FROM results %s ORDER BY timestamp DESC LIMIT $%d`,
		where, len(args),
	)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, connectivity("querying ledger", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// Scan returns a chunked iterator over a line's events within [from, to),
// newest first. Each chunk is an independent query: a failed chunk returns
// an error from Next without poisoning the scan, and the caller may retry or
// continue from the same position.
func (r *Reader) Scan(line string, from, to time.Time, chunkSize int) *Scan {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Scan{
		fetch:     r.fetchChunk,
		filter:    Filter{Line: line, From: from, To: to},
		chunkSize: chunkSize,
	}
}

// fetchFunc pulls one chunk of events matching the filter, strictly older
// than before (when set), newest first, at most limit rows.
type fetchFunc func(ctx context.Context, f Filter, before time.Time, limit int) ([]RawEvent, error)

// Scan is a restartable chunked cursor over ledger events. The cursor only
// advances on a successful fetch, so an errored Next can simply be called
// again.
type Scan struct {
	fetch     fetchFunc
	filter    Filter
	chunkSize int

	before time.Time
	done   bool
}

// Next fetches the next chunk. It returns nil, nil once the scan is
// exhausted.
func (s *Scan) Next(ctx context.Context) ([]RawEvent, error) {
	if s.done {
		return nil, nil
	}
	events, err := s.fetch(ctx, s.filter, s.before, s.chunkSize)
	if err != nil {
		return nil, err
	}
	if len(events) < s.chunkSize {
		s.done = true
	}
	if len(events) > 0 {
		s.before = events[len(events)-1].Timestamp
	}
	return events, nil
}

func (r *Reader) fetchChunk(ctx context.Context, f Filter, before time.Time, limit int) ([]RawEvent, error) {
	db, err := r.db()
	if err != nil {
		return nil, err
	}

	where, args := f.whereClause()
	if !before.IsZero() {
		args = append(args, before)
		clause := fmt.Sprintf("timestamp < $%d", len(args))
		if where == "" {
			where = "WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT line, machine, part, quantity, timestamp, judgment, serial_number
		 FROM results %s ORDER BY timestamp DESC LIMIT $%d`,
		where, len(args),
	)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, connectivity("scanning ledger chunk", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// collect scans rows into events, normalising judgments and skipping rows
// whose shape does not match.
func (r *Reader) collect(rows *sql.Rows) ([]RawEvent, error) {
	var events []RawEvent
	for rows.Next() {
		var (
			e                   RawEvent
			line, machine, part sql.NullString
			quantity            sql.NullInt64
			judgment, serial    sql.NullString
		)
		if err := rows.Scan(&line, &machine, &part, &quantity, &e.Timestamp, &judgment, &serial); err != nil {
			r.skipRow(err)
			continue
		}
		if quantity.Int64 < 0 {
			r.skipRow(fmt.Errorf("%w: negative quantity %d", errors.ErrSchemaMismatch, quantity.Int64))
			continue
		}
		e.Line = line.String
		e.Machine = machine.String
		e.Part = part.String
		e.Quantity = uint(quantity.Int64)
		e.Judgment = NormalizeJudgment(judgment.String)
		e.Serial = serial.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return events, connectivity("reading ledger rows", err)
	}
	return events, nil
}

func (r *Reader) skipRow(err error) {
	r.skippedRows.Add(1)
	r.logger.Warn("skipping malformed ledger row", "error", err)
}

func connectivity(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, errors.ErrConnectivity, err)
}
