// Package aggregate defines the materialised rollup rows produced by the
// aggregation engine and the local store that holds them. One row summarises
// every raw event observed for a (date, line, machine, part, judgment) key.
package aggregate

import (
	"fmt"
	"time"

	"github.com/lineboard/lineboard/internal/ledger"
)

// Aggregate is one materialised rollup row. TotalQuantity and EventCount are
// monotonic sums over all matching raw events observed so far.
type Aggregate struct {
	Date          time.Time       `json:"date"`
	Line          string          `json:"line"`
	Machine       string          `json:"machine"`
	Part          string          `json:"part"`
	Judgment      ledger.Judgment `json:"judgment"`
	TotalQuantity uint64          `json:"total_quantity"`
	EventCount    uint64          `json:"event_count"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Key uniquely identifies an aggregate row.
type Key struct {
	Date     time.Time
	Line     string
	Machine  string
	Part     string
	Judgment ledger.Judgment
}

// Key returns the row's uniqueness key.
func (a Aggregate) Key() Key {
	return Key{
		Date:     a.Date.UTC().Truncate(24 * time.Hour),
		Line:     a.Line,
		Machine:  a.Machine,
		Part:     a.Part,
		Judgment: a.Judgment,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		k.Date.Format("2006-01-02"), k.Line, k.Machine, k.Part, k.Judgment)
}

// Scope bounds a set of aggregate rows by lines and a [From, To) date range.
// It drives rollback deletion and cache invalidation.
type Scope struct {
	Lines []string
	From  time.Time
	To    time.Time
}

// Rollup groups raw events by aggregate key, summing quantities and counting
// events. It is the in-memory form of one chunk's worth of upserts.
func Rollup(events []ledger.RawEvent) []Aggregate {
	byKey := make(map[Key]*Aggregate, len(events))
	order := make([]Key, 0, len(events))

	for _, e := range events {
		key := Key{
			Date:     e.Date(),
			Line:     e.Line,
			Machine:  e.Machine,
			Part:     e.Part,
			Judgment: e.Judgment,
		}
		agg, ok := byKey[key]
		if !ok {
			agg = &Aggregate{
				Date:     key.Date,
				Line:     key.Line,
				Machine:  key.Machine,
				Part:     key.Part,
				Judgment: key.Judgment,
			}
			byKey[key] = agg
			order = append(order, key)
		}
		agg.TotalQuantity += uint64(e.Quantity)
		agg.EventCount++
	}

	rows := make([]Aggregate, 0, len(order))
	for _, key := range order {
		rows = append(rows, *byKey[key])
	}
	return rows
}
