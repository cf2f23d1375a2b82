// Package push hosts the websocket surface that streams dashboard state to
// connected clients. Clients subscribe to per-line, per-date rooms; the
// aggregation pipeline drives broadcasts into those rooms via Kafka.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Inbound frame types.
const (
	TypeSubscribe          = "subscribe"
	TypeSubscribeStatus    = "subscribe_status"
	TypeRequestUpdate      = "request_update"
	TypeRequestWeekly      = "request_weekly_data"
	TypeRequestPartAnal    = "request_part_analysis"
	TypeRequestPerfMetrics = "request_performance_metrics"
	TypeRequestStatus      = "request_status"
)

// Outbound frame types.
const (
	TypeDashboardUpdate   = "dashboard_update"
	TypeWeeklyUpdate      = "weekly_data_update"
	TypePartAnalUpdate    = "part_analysis_update"
	TypePerfMetricsUpdate = "performance_metrics_update"
	TypeAggregationStatus = "aggregation_status"
	TypeAggregationUpdate = "aggregation_update"
	TypeSubscribed        = "subscribed"
	TypeError             = "error"
)

// Frame is the wire unit in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Line string `json:"line"`
	Date string `json:"date"`
}

type requestPayload struct {
	Line string `json:"line"`
	Date string `json:"date"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomName builds the dashboard room identifier for a line and date.
func RoomName(line, date string) string {
	return fmt.Sprintf("dashboard_%s_%s", line, date)
}

// StatusRoom is the operator-only room carrying aggregation job progress.
const StatusRoom = "aggregation_status"

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshaling frame payload failed", "error", err)
		return nil
	}
	return b
}
