package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lineboard/lineboard/internal/ledger"
)

type fakeEvents struct {
	filter ledger.Filter
	limit  int
	events []ledger.RawEvent
	err    error
}

func (f *fakeEvents) Query(_ context.Context, filter ledger.Filter, limit int) ([]ledger.RawEvent, error) {
	f.filter = filter
	f.limit = limit
	return f.events, f.err
}

func doGet(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServeRejectsInvalidDate(t *testing.T) {
	p := newTestProvider(&fakeReader{}, &fakePlans{})
	h := NewHandler(p, nil, nil, nil)

	rec := doGet(t, h.CardState, "/api/v1/card-state?line=L1&date=not-a-date")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["error"], "invalid date") {
		t.Fatalf("error = %q, want it to name the bad date", body["error"])
	}
}

func TestEventsRequiresLine(t *testing.T) {
	h := NewHandler(nil, nil, nil, &fakeEvents{})
	rec := doGet(t, h.Events, "/api/v1/events")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEventsWithoutLedger(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	rec := doGet(t, h.Events, "/api/v1/events?line=L1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestEventsBuildsFilter(t *testing.T) {
	src := &fakeEvents{events: []ledger.RawEvent{
		{Line: "L1", Machine: "M3", Quantity: 2, Judgment: ledger.JudgmentOK},
	}}
	h := NewHandler(nil, nil, nil, src)

	rec := doGet(t, h.Events,
		"/api/v1/events?line=L1&machine=M3&part=P-9&serial=ABC&judgment=pass&from=2024-03-01&to=2024-03-02&limit=50")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	want := ledger.Filter{
		Line:           "L1",
		Machine:        "M3",
		Part:           "P-9",
		SerialContains: "ABC",
		Judgment:       ledger.JudgmentOK,
		From:           day("2024-03-01"),
		// 'to' is inclusive in the query string and half-open in the filter.
		To: day("2024-03-03"),
	}
	if src.filter != want {
		t.Fatalf("filter = %+v, want %+v", src.filter, want)
	}
	if src.limit != 50 {
		t.Fatalf("limit = %d, want 50", src.limit)
	}

	var body struct {
		Count  int               `json:"count"`
		Events []ledger.RawEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 1 || len(body.Events) != 1 {
		t.Fatalf("count = %d with %d events, want 1 and 1", body.Count, len(body.Events))
	}
}

func TestEventsLimitHandling(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default", "", http.StatusOK, defaultEventLimit},
		{"capped", "&limit=100000", http.StatusOK, maxEventLimit},
		{"zero", "&limit=0", http.StatusBadRequest, 0},
		{"garbage", "&limit=many", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeEvents{}
			h := NewHandler(nil, nil, nil, src)
			rec := doGet(t, h.Events, "/api/v1/events?line=L1"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && src.limit != tt.wantLimit {
				t.Fatalf("limit = %d, want %d", src.limit, tt.wantLimit)
			}
		})
	}
}

func TestEventsRejectsInvalidDate(t *testing.T) {
	h := NewHandler(nil, nil, nil, &fakeEvents{})
	for _, q := range []string{"from=03/01/2024", "to=yesterday"} {
		rec := doGet(t, h.Events, "/api/v1/events?line=L1&"+q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", q, rec.Code, http.StatusBadRequest)
		}
	}
}
