package main

import (
	"testing"
	"time"
)

func TestParseScopeInclusiveTo(t *testing.T) {
	req, scope, err := parseScope("L1,L2", "2024-03-01", "2024-03-01")
	if err != nil {
		t.Fatalf("parseScope: %v", err)
	}
	if len(req.Lines) != 2 || req.Lines[0] != "L1" || req.Lines[1] != "L2" {
		t.Fatalf("lines = %v, want [L1 L2]", req.Lines)
	}
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !req.From.Equal(from) {
		t.Errorf("req.From = %v, want %v", req.From, from)
	}
	// A single-day invocation must cover that day: [from, from+1d).
	if want := from.AddDate(0, 0, 1); !req.To.Equal(want) {
		t.Errorf("req.To = %v, want %v", req.To, want)
	}
	if !scope.From.Equal(req.From) || !scope.To.Equal(req.To) {
		t.Errorf("rollback scope [%v, %v) differs from run scope [%v, %v)",
			scope.From, scope.To, req.From, req.To)
	}
}

func TestParseScopeRejectsBadDates(t *testing.T) {
	if _, _, err := parseScope("", "03/01/2024", ""); err == nil {
		t.Error("expected error for bad -from")
	}
	if _, _, err := parseScope("", "", "yesterday"); err == nil {
		t.Error("expected error for bad -to")
	}
}
