package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNormalizeJudgment(t *testing.T) {
	tests := []struct {
		code string
		want Judgment
	}{
		{"OK", JudgmentOK},
		{"ok", JudgmentOK},
		{" PASS ", JudgmentOK},
		{"G", JudgmentOK},
		{"1", JudgmentOK},
		{"NG", JudgmentNG},
		{"fail", JudgmentNG},
		{"0", JudgmentNG},
		{"", JudgmentUnknown},
		{"MAYBE", JudgmentUnknown},
		{"2", JudgmentUnknown},
	}

	for _, tt := range tests {
		if got := NormalizeJudgment(tt.code); got != tt.want {
			t.Errorf("NormalizeJudgment(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestFilterWhereClause(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	f := Filter{
		Line:           "L1",
		Part:           "P-100",
		SerialContains: "A7",
		From:           from,
		To:             to,
	}
	where, args := f.whereClause()

	if !strings.HasPrefix(where, "WHERE ") {
		t.Fatalf("clause missing WHERE prefix: %q", where)
	}
	for _, want := range []string{"line = $1", "part = $2", "serial_number LIKE $3", "timestamp >= $4", "timestamp < $5"} {
		if !strings.Contains(where, want) {
			t.Errorf("clause %q missing %q", where, want)
		}
	}
	if len(args) != 5 {
		t.Fatalf("got %d args, want 5", len(args))
	}
	if args[2] != "%A7%" {
		t.Errorf("serial arg = %v, want %%A7%%", args[2])
	}
}

func TestFilterWhereClauseEmpty(t *testing.T) {
	where, args := Filter{}.whereClause()
	if where != "" || args != nil {
		t.Errorf("empty filter produced clause %q with %d args", where, len(args))
	}
}

func TestFilterJudgmentMatchesLegacyCodes(t *testing.T) {
	where, args := Filter{Judgment: JudgmentOK}.whereClause()
	if !strings.Contains(where, "judgment = ANY($1)") {
		t.Fatalf("judgment clause missing: %q", where)
	}
	if len(args) != 1 {
		t.Fatalf("got %d args, want 1", len(args))
	}

	codes := codesFor(JudgmentOK)
	found := map[string]bool{}
	for _, c := range codes {
		found[c] = true
	}
	for _, want := range []string{"OK", "PASS", "G", "GOOD", "1"} {
		if !found[want] {
			t.Errorf("codesFor(OK) missing legacy code %q", want)
		}
	}
	for _, c := range codes {
		if NormalizeJudgment(c) != JudgmentOK {
			t.Errorf("code %q does not normalise back to OK", c)
		}
	}
}

func TestRawEventDate(t *testing.T) {
	e := RawEvent{Timestamp: time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)}
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if got := e.Date(); !got.Equal(want) {
		t.Errorf("Date() = %v, want %v", got, want)
	}
}

// fakeFetch serves descending-timestamp events from a slice the way the SQL
// chunk query does, with optional injected failures.
type fakeFetch struct {
	events   []RawEvent
	failNext int
	calls    int
}

func (f *fakeFetch) fetch(_ context.Context, _ Filter, before time.Time, limit int) ([]RawEvent, error) {
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("ledger read: connection reset")
	}
	var out []RawEvent
	for _, ev := range f.events {
		if !before.IsZero() && !ev.Timestamp.Before(before) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func descendingEvents(n int) []RawEvent {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]RawEvent, n)
	for i := range events {
		events[i] = RawEvent{
			Line:      "L1",
			Machine:   "M1",
			Part:      "P1",
			Quantity:  1,
			Timestamp: base.Add(-time.Duration(i) * time.Minute),
			Judgment:  JudgmentOK,
		}
	}
	return events
}

func TestScanChunkBoundaries(t *testing.T) {
	ff := &fakeFetch{events: descendingEvents(5)}
	s := &Scan{fetch: ff.fetch, filter: Filter{Line: "L1"}, chunkSize: 2}

	var total int
	sizes := []int{}
	for {
		chunk, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if chunk == nil {
			break
		}
		sizes = append(sizes, len(chunk))
		for i := 1; i < len(chunk); i++ {
			if !chunk[i].Timestamp.Before(chunk[i-1].Timestamp) {
				t.Fatalf("chunk not ordered newest first: %v", chunk)
			}
		}
		total += len(chunk)
	}
	if total != 5 {
		t.Errorf("scanned %d events, want 5", total)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("chunk sizes = %v, want [2 2 1]", sizes)
	}
	if again, err := s.Next(context.Background()); err != nil || again != nil {
		t.Errorf("exhausted scan returned %v, %v", again, err)
	}
}

func TestScanContinuesAfterChunkFailure(t *testing.T) {
	ff := &fakeFetch{events: descendingEvents(4), failNext: 0}
	s := &Scan{fetch: ff.fetch, filter: Filter{Line: "L1"}, chunkSize: 2}

	first, err := s.Next(context.Background())
	if err != nil || len(first) != 2 {
		t.Fatalf("first chunk: %v events, err %v", len(first), err)
	}

	ff.failNext = 1
	if _, err := s.Next(context.Background()); err == nil {
		t.Fatal("expected chunk error")
	}

	// The cursor did not advance; the retry resumes where the failure hit.
	second, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("retry chunk has %d events, want 2", len(second))
	}
	if !second[0].Timestamp.Before(first[len(first)-1].Timestamp) {
		t.Error("retry chunk overlaps the committed cursor position")
	}
}
