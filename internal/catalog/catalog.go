// Package catalog reads line and planning configuration from the local
// store. The CRUD screens that maintain these entities live outside this
// system; the catalog only serves the aggregation engine's line scope and
// the dashboard's plan totals, cached in the long-TTL tiers.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lineboard/lineboard/internal/cache"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
)

// Schema describes the configuration tables the catalog reads. The owning
// CRUD application creates and maintains them; this shape exists so local
// development and tests can stand up a store.
const Schema = `
CREATE TABLE IF NOT EXISTS lines (
    id     BIGSERIAL PRIMARY KEY,
    name   TEXT NOT NULL UNIQUE,
    active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS plans (
    id               BIGSERIAL PRIMARY KEY,
    line             TEXT NOT NULL,
    date             DATE NOT NULL,
    part             TEXT NOT NULL,
    planned_quantity BIGINT NOT NULL DEFAULT 0,
    sequence         INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_line_date ON plans (line, date);
CREATE TABLE IF NOT EXISTS user_line_access (
    user_id  TEXT NOT NULL,
    line     TEXT NOT NULL,
    operator BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (user_id, line)
);
`

// Line is one production line.
type Line struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Plan is one planned production run for a line, date, and part.
type Plan struct {
	Line            string    `json:"line"`
	Date            time.Time `json:"date"`
	Part            string    `json:"part"`
	PlannedQuantity uint64    `json:"planned_quantity"`
	Sequence        int       `json:"sequence"`
}

// Catalog reads configuration entities through the router's local backend,
// fronted by the config/basic cache tiers.
type Catalog struct {
	backends *router.Backends
	cache    *cache.Hierarchy
	logger   *slog.Logger
}

// New creates a Catalog. The cache may be nil, in which case every read goes
// to the store.
func New(backends *router.Backends, hierarchy *cache.Hierarchy) *Catalog {
	return &Catalog{
		backends: backends,
		cache:    hierarchy,
		logger:   logger.WithComponent("catalog"),
	}
}

// EnsureSchema creates the configuration tables on the local backend.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	client, err := c.backends.SchemaChange(router.BackendLocal, router.EntityLine)
	if err != nil {
		return err
	}
	if _, err := client.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

func (c *Catalog) db(kind router.EntityKind) (*sql.DB, error) {
	client, err := c.backends.Local(kind)
	if err != nil {
		return nil, err
	}
	return client.DB, nil
}

// ActiveLines returns every line with active = true, cached in the config
// tier.
func (c *Catalog) ActiveLines(ctx context.Context) ([]Line, error) {
	if c.cache == nil {
		return c.activeLinesDirect(ctx)
	}
	data, err := c.cache.GetOrCompute(ctx, cache.TierConfig, "lines", "active_lines",
		func(ctx context.Context) (any, error) {
			return c.activeLinesDirect(ctx)
		})
	if err != nil {
		return nil, err
	}
	var lines []Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("decoding cached lines: %w", err)
	}
	return lines, nil
}

func (c *Catalog) activeLinesDirect(ctx context.Context) ([]Line, error) {
	db, err := c.db(router.EntityLine)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, active FROM lines WHERE active = TRUE ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying lines: %v", errors.ErrConnectivity, err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.Name, &l.Active); err != nil {
			return nil, fmt.Errorf("scanning line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// LineByName looks one line up by name.
func (c *Catalog) LineByName(ctx context.Context, name string) (Line, error) {
	db, err := c.db(router.EntityLine)
	if err != nil {
		return Line{}, err
	}
	var l Line
	err = db.QueryRowContext(ctx,
		`SELECT id, name, active FROM lines WHERE name = $1`, name,
	).Scan(&l.ID, &l.Name, &l.Active)
	if err == sql.ErrNoRows {
		return Line{}, errors.Newf(errors.ErrLineNotFound, 404, "line %s", name)
	}
	if err != nil {
		return Line{}, fmt.Errorf("%w: querying line: %v", errors.ErrConnectivity, err)
	}
	return l, nil
}

// PlansFor returns a line's plans over [from, to), cached in the basic tier.
func (c *Catalog) PlansFor(ctx context.Context, line string, from, to time.Time) ([]Plan, error) {
	logical := fmt.Sprintf("plans:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if c.cache == nil {
		return c.plansDirect(ctx, line, from, to)
	}
	data, err := c.cache.GetOrCompute(ctx, cache.TierBasic, line, logical,
		func(ctx context.Context) (any, error) {
			return c.plansDirect(ctx, line, from, to)
		})
	if err != nil {
		return nil, err
	}
	var plans []Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("decoding cached plans: %w", err)
	}
	return plans, nil
}

func (c *Catalog) plansDirect(ctx context.Context, line string, from, to time.Time) ([]Plan, error) {
	db, err := c.db(router.EntityPlan)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT line, date, part, planned_quantity, sequence
		 FROM plans
		 WHERE line = $1 AND date >= $2 AND date < $3
		 ORDER BY date, sequence`,
		line, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying plans: %v", errors.ErrConnectivity, err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.Line, &p.Date, &p.Part, &p.PlannedQuantity, &p.Sequence); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// HasLineAccess reports whether the user may view a line's dashboard.
func (c *Catalog) HasLineAccess(ctx context.Context, userID, line string) (bool, error) {
	db, err := c.db(router.EntityLineAccess)
	if err != nil {
		return false, err
	}
	var ok bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_line_access WHERE user_id = $1 AND line = $2)`,
		userID, line,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%w: checking line access: %v", errors.ErrConnectivity, err)
	}
	return ok, nil
}

// IsOperator reports whether the user holds an operator grant on any line,
// which gates the aggregation status room.
func (c *Catalog) IsOperator(ctx context.Context, userID string) (bool, error) {
	db, err := c.db(router.EntityLineAccess)
	if err != nil {
		return false, err
	}
	var ok bool
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_line_access WHERE user_id = $1 AND operator = TRUE)`,
		userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%w: checking operator grant: %v", errors.ErrConnectivity, err)
	}
	return ok, nil
}
