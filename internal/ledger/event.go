// Package ledger is the read-only adapter over the legacy production-event
// store. It exposes chunked, filtered scans of raw events, normalising legacy
// judgment codes at the boundary. All access goes through the database
// router; the ledger is never written to.
package ledger

import (
	"sort"
	"strings"
	"time"
)

// Judgment is the normalised inspection result of one production event.
type Judgment string

const (
	JudgmentOK      Judgment = "OK"
	JudgmentNG      Judgment = "NG"
	JudgmentUnknown Judgment = "UNKNOWN"
)

// RawEvent is one production event as recorded in the legacy ledger. Events
// are immutable once written and may arrive in arbitrary order.
type RawEvent struct {
	Line      string    `json:"line"`
	Machine   string    `json:"machine"`
	Part      string    `json:"part"`
	Quantity  uint      `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
	Judgment  Judgment  `json:"judgment"`
	Serial    string    `json:"serial"`
}

// Date returns the event's production date in UTC.
func (e RawEvent) Date() time.Time {
	return e.Timestamp.UTC().Truncate(24 * time.Hour)
}

// legacy judgment codes observed across plant systems; anything unmapped
// surfaces as JudgmentUnknown rather than failing the scan.
var judgmentCodes = map[string]Judgment{
	"OK":   JudgmentOK,
	"G":    JudgmentOK,
	"GOOD": JudgmentOK,
	"PASS": JudgmentOK,
	"1":    JudgmentOK,
	"NG":   JudgmentNG,
	"F":    JudgmentNG,
	"FAIL": JudgmentNG,
	"0":    JudgmentNG,
}

// NormalizeJudgment maps a backend-specific judgment code to {OK, NG}.
// Unmapped codes normalise to JudgmentUnknown.
func NormalizeJudgment(code string) Judgment {
	if j, ok := judgmentCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return j
	}
	return JudgmentUnknown
}

// codesFor returns every legacy code that normalises to the given judgment.
func codesFor(j Judgment) []string {
	var codes []string
	for code, mapped := range judgmentCodes {
		if mapped == j {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
