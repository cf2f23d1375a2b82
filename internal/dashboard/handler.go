package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/lineboard/lineboard/internal/cache"
	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/logger"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventQuerier is the ledger lookup behind the raw-events endpoint.
type EventQuerier interface {
	Query(ctx context.Context, filter ledger.Filter, limit int) ([]ledger.RawEvent, error)
}

// Handler is the REST surface mirroring the websocket payloads, for clients
// that poll instead of subscribing.
type Handler struct {
	provider *Provider
	auth     *SessionAuth
	cache    *cache.Hierarchy
	events   EventQuerier
	logger   *slog.Logger
}

// NewHandler creates a Handler. auth may be nil to disable access checks on
// internal deployments.
func NewHandler(provider *Provider, auth *SessionAuth, hierarchy *cache.Hierarchy, events EventQuerier) *Handler {
	return &Handler{
		provider: provider,
		auth:     auth,
		cache:    hierarchy,
		events:   events,
		logger:   logger.WithComponent("dashboard-handler"),
	}
}

func (h *Handler) CardState(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.provider.CardState)
}

func (h *Handler) Weekly(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.provider.WeeklyData)
}

func (h *Handler) PartAnalysis(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.provider.PartAnalysis)
}

func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.provider.PerformanceMetrics)
}

func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.provider.CompletionForecast)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, line, date string) (any, error)) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	line := strings.TrimSpace(r.URL.Query().Get("line"))
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if line == "" || date == "" {
		h.writeError(w, http.StatusBadRequest, "query parameters 'line' and 'date' are required")
		return
	}

	if h.auth != nil {
		userID, err := h.authenticate(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		allowed, err := h.auth.HasLineAccess(ctx, userID, line)
		if err != nil {
			log.Error("line access check failed", "line", line, "error", err)
			h.writeError(w, http.StatusInternalServerError, "access verification unavailable")
			return
		}
		if !allowed {
			h.writeError(w, http.StatusForbidden, "no access to line "+line)
			return
		}
	}

	data, err := fetch(ctx, line, date)
	if err != nil {
		status := errors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("dashboard fetch failed", "path", r.URL.Path, "line", line, "date", date, "error", err)
			h.writeError(w, status, "data temporarily unavailable")
			return
		}
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

// Events serves the raw-event lookup backed by the ledger's typed filter.
// Unlike the aggregate surfaces this reads the ledger directly, so it is
// bounded by an explicit row limit.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger access is not configured")
		return
	}

	q := r.URL.Query()
	line := strings.TrimSpace(q.Get("line"))
	if line == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'line' is required")
		return
	}

	if h.auth != nil {
		userID, err := h.authenticate(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		allowed, err := h.auth.HasLineAccess(ctx, userID, line)
		if err != nil {
			log.Error("line access check failed", "line", line, "error", err)
			h.writeError(w, http.StatusInternalServerError, "access verification unavailable")
			return
		}
		if !allowed {
			h.writeError(w, http.StatusForbidden, "no access to line "+line)
			return
		}
	}

	filter := ledger.Filter{
		Line:           line,
		Machine:        strings.TrimSpace(q.Get("machine")),
		Part:           strings.TrimSpace(q.Get("part")),
		SerialContains: strings.TrimSpace(q.Get("serial")),
	}
	if j := strings.TrimSpace(q.Get("judgment")); j != "" {
		filter.Judgment = ledger.NormalizeJudgment(j)
	}
	if from := strings.TrimSpace(q.Get("from")); from != "" {
		d, err := parseDate(from)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.From = d
	}
	if to := strings.TrimSpace(q.Get("to")); to != "" {
		d, err := parseDate(to)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Inclusive in the query string, half-open against the ledger.
		filter.To = d.AddDate(0, 0, 1)
	}

	limit := defaultEventLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		limit = n
	}

	events, err := h.events.Query(ctx, filter, limit)
	if err != nil {
		log.Error("ledger query failed", "line", line, "error", err)
		h.writeError(w, errors.HTTPStatusCode(err), "ledger temporarily unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// CacheStats reports the hierarchy's lifetime hit/miss counts.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses, fellOpen := h.cache.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":      hits,
		"misses":    misses,
		"fell_open": fellOpen,
	})
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return h.auth.Authenticate(r.Context(), token)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
