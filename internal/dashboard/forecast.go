package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/lineboard/lineboard/internal/cache"
)

// ForecastPayload estimates when a line will complete its planned quantity
// based on the production pace observed so far.
type ForecastPayload struct {
	Line                string  `json:"line"`
	Date                string  `json:"date"`
	PlannedQuantity     uint64  `json:"planned_quantity"`
	ProducedQuantity    uint64  `json:"produced_quantity"`
	RemainingQuantity   uint64  `json:"remaining_quantity"`
	PacePerHour         float64 `json:"pace_per_hour"`
	EstimatedCompletion string  `json:"estimated_completion,omitempty"`
	OnTrack             bool    `json:"on_track"`
}

// CompletionForecast projects current pace against the plan for one line and
// date. Results live in the short-lived forecast tier.
func (p *Provider) CompletionForecast(ctx context.Context, line, date string) (any, error) {
	day, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	return p.cached(ctx, cache.TierForecast, line, "completion:"+date, func(ctx context.Context) (any, error) {
		return p.completionForecast(ctx, line, day)
	})
}

func (p *Provider) completionForecast(ctx context.Context, line string, day time.Time) (ForecastPayload, error) {
	totals, err := p.store.LineTotals(ctx, line, day, day.AddDate(0, 0, 1))
	if err != nil {
		return ForecastPayload{}, fmt.Errorf("forecast for %s: %w", line, err)
	}
	planned, err := p.plannedQuantity(ctx, line, day)
	if err != nil {
		return ForecastPayload{}, fmt.Errorf("forecast plan for %s: %w", line, err)
	}

	forecast := ForecastPayload{
		Line:             line,
		Date:             day.Format(dateLayout),
		PlannedQuantity:  planned,
		ProducedQuantity: totals.TotalQuantity,
	}
	if planned > totals.TotalQuantity {
		forecast.RemainingQuantity = planned - totals.TotalQuantity
	}

	now := p.now().UTC()
	elapsed := now.Sub(day)
	if elapsed <= 0 || totals.TotalQuantity == 0 {
		// Nothing produced yet, or the date is in the future.
		forecast.OnTrack = planned == 0
		return forecast, nil
	}
	if elapsed > 24*time.Hour {
		elapsed = 24 * time.Hour
	}

	forecast.PacePerHour = float64(totals.TotalQuantity) / elapsed.Hours()
	if forecast.RemainingQuantity == 0 {
		forecast.OnTrack = true
		return forecast, nil
	}

	hoursLeft := float64(forecast.RemainingQuantity) / forecast.PacePerHour
	eta := now.Add(time.Duration(hoursLeft * float64(time.Hour)))
	forecast.EstimatedCompletion = eta.Format(time.RFC3339)
	forecast.OnTrack = eta.Before(day.AddDate(0, 0, 1))
	return forecast, nil
}

// RefreshForecasts drops and recomputes today's forecast for every active
// line. Scheduled on the forecast refresh interval so the short-TTL tier is
// warm when clients ask.
func (p *Provider) RefreshForecasts(ctx context.Context) error {
	lines, err := p.catalog.ActiveLines(ctx)
	if err != nil {
		return fmt.Errorf("refreshing forecasts: %w", err)
	}
	today := p.now().UTC().Format(dateLayout)
	for _, line := range lines {
		if p.cache != nil {
			if _, err := p.cache.Invalidate(ctx, cache.TierForecast, line.Name+":*"); err != nil {
				p.logger.Warn("forecast invalidation failed", "line", line.Name, "error", err)
			}
		}
		if _, err := p.CompletionForecast(ctx, line.Name, today); err != nil {
			p.logger.Warn("forecast refresh failed", "line", line.Name, "error", err)
		}
	}
	return nil
}

// RunMaintenance drives the forecast refresh and cache sweep schedules until
// the context ends. Non-positive intervals disable the matching schedule.
func (p *Provider) RunMaintenance(ctx context.Context, refreshEvery, sweepEvery time.Duration) error {
	var refresh, sweep <-chan time.Time
	if refreshEvery > 0 {
		t := time.NewTicker(refreshEvery)
		defer t.Stop()
		refresh = t.C
	}
	if sweepEvery > 0 {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh:
			if err := p.RefreshForecasts(ctx); err != nil {
				p.logger.Error("forecast refresh pass failed", "error", err)
			}
		case <-sweep:
			if p.cache == nil {
				continue
			}
			if err := p.cache.Sweep(ctx); err != nil {
				p.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}
