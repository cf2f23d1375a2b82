// Package dashboard computes the view-model payloads streamed to clients:
// per-day card state, weekly trends, part analysis, machine performance, and
// completion forecasts. Every read goes through the cache hierarchy so a
// burst of subscribers costs one query, not one per client.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lineboard/lineboard/internal/aggregate"
	"github.com/lineboard/lineboard/internal/cache"
	"github.com/lineboard/lineboard/internal/catalog"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
)

const dateLayout = "2006-01-02"

// AggregateReader is the slice of the aggregate store the dashboard reads.
type AggregateReader interface {
	LineTotals(ctx context.Context, line string, from, to time.Time) (aggregate.Totals, error)
	DailyTotals(ctx context.Context, line string, from, to time.Time) ([]aggregate.DailyTotal, error)
	PartTotals(ctx context.Context, line, part string, from, to time.Time) ([]aggregate.PartTotal, error)
	Rows(ctx context.Context, line string, from, to time.Time) ([]aggregate.Aggregate, error)
	Summarize(ctx context.Context) (aggregate.Summary, error)
}

// PlanSource supplies lines and production plans.
type PlanSource interface {
	ActiveLines(ctx context.Context) ([]catalog.Line, error)
	PlansFor(ctx context.Context, line string, from, to time.Time) ([]catalog.Plan, error)
}

// Provider computes dashboard payloads from the aggregate store, the
// catalog, and the cache hierarchy.
type Provider struct {
	store   AggregateReader
	catalog PlanSource
	cache   *cache.Hierarchy
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Provider.
func New(store AggregateReader, cat PlanSource, hierarchy *cache.Hierarchy) *Provider {
	return &Provider{
		store:   store,
		catalog: cat,
		cache:   hierarchy,
		now:     time.Now,
		logger:  logger.WithComponent("dashboard"),
	}
}

// CardStatePayload is the headline state for one line and date.
type CardStatePayload struct {
	Line            string  `json:"line"`
	Date            string  `json:"date"`
	TotalQuantity   uint64  `json:"total_quantity"`
	OKQuantity      uint64  `json:"ok_quantity"`
	NGQuantity      uint64  `json:"ng_quantity"`
	DefectRate      float64 `json:"defect_rate"`
	YieldRate       float64 `json:"yield_rate"`
	PlannedQuantity uint64  `json:"planned_quantity"`
	AchievementRate float64 `json:"achievement_rate"`
	UpdatedAt       string  `json:"updated_at"`
}

// CardState returns the current card for one line and date, cached in the
// actuals tier.
func (p *Provider) CardState(ctx context.Context, line, date string) (any, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	raw, err := p.cached(ctx, cache.TierActuals, line, "card:"+date, func(ctx context.Context) (any, error) {
		return p.cardState(ctx, line, day)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *Provider) cardState(ctx context.Context, line string, day time.Time) (CardStatePayload, error) {
	totals, err := p.store.LineTotals(ctx, line, day, day.AddDate(0, 0, 1))
	if err != nil {
		return CardStatePayload{}, fmt.Errorf("card state for %s: %w", line, err)
	}

	planned, err := p.plannedQuantity(ctx, line, day)
	if err != nil {
		// Plans are optional; a missing plan just disables achievement.
		p.logger.Warn("plan lookup failed", "line", line, "error", err)
		planned = 0
	}

	card := CardStatePayload{
		Line:            line,
		Date:            day.Format(dateLayout),
		TotalQuantity:   totals.TotalQuantity,
		OKQuantity:      totals.OKQuantity,
		NGQuantity:      totals.NGQuantity,
		DefectRate:      ratio(totals.NGQuantity, totals.OKQuantity+totals.NGQuantity),
		YieldRate:       ratio(totals.OKQuantity, totals.TotalQuantity),
		PlannedQuantity: planned,
		AchievementRate: ratio(totals.TotalQuantity, planned),
		UpdatedAt:       p.now().UTC().Format(time.RFC3339),
	}
	return card, nil
}

// WeeklyPayload carries seven daily rows ending at the requested date.
type WeeklyPayload struct {
	Line string      `json:"line"`
	End  string      `json:"end"`
	Days []WeeklyDay `json:"days"`
}

// WeeklyDay is one day's totals and derived rates.
type WeeklyDay struct {
	Date          string  `json:"date"`
	TotalQuantity uint64  `json:"total_quantity"`
	OKQuantity    uint64  `json:"ok_quantity"`
	NGQuantity    uint64  `json:"ng_quantity"`
	DefectRate    float64 `json:"defect_rate"`
	YieldRate     float64 `json:"yield_rate"`
}

// WeeklyData returns per-day rates for the seven days ending at endDate.
// Days with no production are present with zero rows so charts stay aligned.
func (p *Provider) WeeklyData(ctx context.Context, line, endDate string) (any, error) {
	end, err := parseDate(endDate)
	if err != nil {
		return nil, err
	}
	return p.cached(ctx, cache.TierActuals, line, "weekly:"+endDate, func(ctx context.Context) (any, error) {
		return p.weeklyData(ctx, line, end)
	})
}

func (p *Provider) weeklyData(ctx context.Context, line string, end time.Time) (WeeklyPayload, error) {
	start := end.AddDate(0, 0, -6)
	daily, err := p.store.DailyTotals(ctx, line, start, end.AddDate(0, 0, 1))
	if err != nil {
		return WeeklyPayload{}, fmt.Errorf("weekly data for %s: %w", line, err)
	}

	byDate := make(map[string]aggregate.Totals, len(daily))
	for _, d := range daily {
		byDate[d.Date.Format(dateLayout)] = d.Totals
	}

	payload := WeeklyPayload{Line: line, End: end.Format(dateLayout)}
	for i := 0; i < 7; i++ {
		date := start.AddDate(0, 0, i).Format(dateLayout)
		t := byDate[date]
		payload.Days = append(payload.Days, WeeklyDay{
			Date:          date,
			TotalQuantity: t.TotalQuantity,
			OKQuantity:    t.OKQuantity,
			NGQuantity:    t.NGQuantity,
			DefectRate:    ratio(t.NGQuantity, t.OKQuantity+t.NGQuantity),
			YieldRate:     ratio(t.OKQuantity, t.TotalQuantity),
		})
	}
	return payload, nil
}

// PartAnalysisPayload ranks parts by defect volume for one line and date.
type PartAnalysisPayload struct {
	Line  string     `json:"line"`
	Date  string     `json:"date"`
	Parts []PartRate `json:"parts"`
}

// PartRate is one part's totals and defect rate.
type PartRate struct {
	Part          string  `json:"part"`
	TotalQuantity uint64  `json:"total_quantity"`
	OKQuantity    uint64  `json:"ok_quantity"`
	NGQuantity    uint64  `json:"ng_quantity"`
	DefectRate    float64 `json:"defect_rate"`
}

// PartAnalysis returns per-part rates for one line and date.
func (p *Provider) PartAnalysis(ctx context.Context, line, date string) (any, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	return p.cached(ctx, cache.TierActuals, line, "parts:"+date, func(ctx context.Context) (any, error) {
		return p.partAnalysis(ctx, line, day)
	})
}

func (p *Provider) partAnalysis(ctx context.Context, line string, day time.Time) (PartAnalysisPayload, error) {
	parts, err := p.store.PartTotals(ctx, line, "", day, day.AddDate(0, 0, 1))
	if err != nil {
		return PartAnalysisPayload{}, fmt.Errorf("part analysis for %s: %w", line, err)
	}
	payload := PartAnalysisPayload{Line: line, Date: day.Format(dateLayout)}
	for _, pt := range parts {
		payload.Parts = append(payload.Parts, PartRate{
			Part:          pt.Part,
			TotalQuantity: pt.Totals.TotalQuantity,
			OKQuantity:    pt.Totals.OKQuantity,
			NGQuantity:    pt.Totals.NGQuantity,
			DefectRate:    ratio(pt.Totals.NGQuantity, pt.Totals.OKQuantity+pt.Totals.NGQuantity),
		})
	}
	return payload, nil
}

// PerformancePayload breaks one line and date down by machine.
type PerformancePayload struct {
	Line     string        `json:"line"`
	Date     string        `json:"date"`
	Machines []MachineRate `json:"machines"`
	Overall  WeeklyDay     `json:"overall"`
}

// MachineRate is one machine's totals and derived rates.
type MachineRate struct {
	Machine       string  `json:"machine"`
	TotalQuantity uint64  `json:"total_quantity"`
	OKQuantity    uint64  `json:"ok_quantity"`
	NGQuantity    uint64  `json:"ng_quantity"`
	DefectRate    float64 `json:"defect_rate"`
	YieldRate     float64 `json:"yield_rate"`
}

// PerformanceMetrics returns per-machine rates plus the line's overall rates
// for one date.
func (p *Provider) PerformanceMetrics(ctx context.Context, line, date string) (any, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	return p.cached(ctx, cache.TierActuals, line, "performance:"+date, func(ctx context.Context) (any, error) {
		return p.performanceMetrics(ctx, line, day)
	})
}

func (p *Provider) performanceMetrics(ctx context.Context, line string, day time.Time) (PerformancePayload, error) {
	rows, err := p.store.Rows(ctx, line, day, day.AddDate(0, 0, 1))
	if err != nil {
		return PerformancePayload{}, fmt.Errorf("performance metrics for %s: %w", line, err)
	}

	type acc struct{ total, ok, ng uint64 }
	byMachine := make(map[string]*acc)
	var order []string
	var overall acc
	for _, r := range rows {
		a, seen := byMachine[r.Machine]
		if !seen {
			a = &acc{}
			byMachine[r.Machine] = a
			order = append(order, r.Machine)
		}
		a.total += r.TotalQuantity
		overall.total += r.TotalQuantity
		switch r.Judgment {
		case ledger.JudgmentOK:
			a.ok += r.TotalQuantity
			overall.ok += r.TotalQuantity
		case ledger.JudgmentNG:
			a.ng += r.TotalQuantity
			overall.ng += r.TotalQuantity
		}
	}

	payload := PerformancePayload{
		Line: line,
		Date: day.Format(dateLayout),
		Overall: WeeklyDay{
			Date:          day.Format(dateLayout),
			TotalQuantity: overall.total,
			OKQuantity:    overall.ok,
			NGQuantity:    overall.ng,
			DefectRate:    ratio(overall.ng, overall.ok+overall.ng),
			YieldRate:     ratio(overall.ok, overall.total),
		},
	}
	for _, machine := range order {
		a := byMachine[machine]
		payload.Machines = append(payload.Machines, MachineRate{
			Machine:       machine,
			TotalQuantity: a.total,
			OKQuantity:    a.ok,
			NGQuantity:    a.ng,
			DefectRate:    ratio(a.ng, a.ok+a.ng),
			YieldRate:     ratio(a.ok, a.total),
		})
	}
	return payload, nil
}

// JobStatus returns a store-level snapshot for the operator status room.
func (p *Provider) JobStatus(ctx context.Context) (any, error) {
	summary, err := p.store.Summarize(ctx)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	return summary, nil
}

// cached funnels a fetch through the hierarchy and unwraps the raw JSON. The
// hierarchy already falls open when the cache backend is down.
func (p *Provider) cached(ctx context.Context, tier cache.Tier, scope, logical string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if p.cache == nil {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
	return p.cache.GetOrCompute(ctx, tier, scope, logical, fn)
}

func (p *Provider) plannedQuantity(ctx context.Context, line string, day time.Time) (uint64, error) {
	plans, err := p.catalog.PlansFor(ctx, line, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	var planned uint64
	for _, plan := range plans {
		planned += plan.PlannedQuantity
	}
	return planned, nil
}

func parseDate(s string) (time.Time, error) {
	day, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest,
			"invalid date %q, want YYYY-MM-DD", s)
	}
	return day.UTC(), nil
}

func ratio(num, den uint64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
