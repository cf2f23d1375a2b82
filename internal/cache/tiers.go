// Package cache implements the tiered TTL cache fronting aggregate reads and
// derived forecast computations. Entries are keyed by a tier-prefixed
// fingerprint of the logical query; concurrent computations for the same key
// are collapsed to a single flight; when the cache backend is unavailable
// the cache falls open and computes directly.
package cache

import "time"

// Tier names one cache configuration (TTL + key namespace).
type Tier string

const (
	// TierForecast holds derived forecast computations.
	TierForecast Tier = "forecast_results"
	// TierActuals holds aggregate read results.
	TierActuals Tier = "actuals_data"
	// TierBasic holds slow-changing planning data.
	TierBasic Tier = "basic_data"
	// TierConfig holds line and calendar configuration.
	TierConfig Tier = "config_data"
)

// TierConfigEntry is the per-tier TTL and key namespace.
type TierConfigEntry struct {
	TTL       time.Duration
	KeyPrefix string
}

// defaultTiers mirrors the plant's cache hierarchy settings.
var defaultTiers = map[Tier]TierConfigEntry{
	TierForecast: {TTL: 15 * time.Minute, KeyPrefix: "forecast_"},
	TierActuals:  {TTL: 30 * time.Minute, KeyPrefix: "actuals_"},
	TierBasic:    {TTL: 6 * time.Hour, KeyPrefix: "basic_"},
	TierConfig:   {TTL: 24 * time.Hour, KeyPrefix: "config_"},
}

// Tiers returns the default tier table. Callers may override individual TTLs
// via Options.
func Tiers() map[Tier]TierConfigEntry {
	out := make(map[Tier]TierConfigEntry, len(defaultTiers))
	for k, v := range defaultTiers {
		out[k] = v
	}
	return out
}
