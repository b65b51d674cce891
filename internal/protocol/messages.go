// Package protocol defines the viewer event envelope and the callback payloads
// exchanged with automation agents.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names a viewer event. It doubles as the SSE event name.
type EventType string

// Viewer event types (control plane → viewers)
const (
	EventLogCreated     EventType = "log_created"
	EventAccountUpdated EventType = "account_updated"
	EventTaskUpdated    EventType = "task_updated"
	EventHeartbeat      EventType = "heartbeat"
)

// Event is the envelope pushed to viewers: {"type": ..., "data": ...}.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// NewEvent creates an event with the given type and data.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data}
}

// Marshal serializes the event envelope.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// HeartbeatEvent is synthesized locally by a viewer stream that saw no real
// event within its heartbeat interval.
func HeartbeatEvent(now time.Time) []byte {
	data, _ := json.Marshal(struct {
		Type      EventType `json:"type"`
		Timestamp string    `json:"timestamp"`
	}{EventHeartbeat, now.UTC().Format(time.RFC3339)})
	return data
}

// LogCreatedData is the payload of log_created.
type LogCreatedData struct {
	LogID            string  `json:"log_id"`
	ShadowBotAccount string  `json:"shadow_bot_account"`
	AppName          string  `json:"app_name"`
	Status           string  `json:"status"`
	ScreenshotURL    *string `json:"screenshot_url,omitempty"`
	LogURL           *string `json:"log_url,omitempty"`
}

// AccountUpdatedData is the payload of account_updated. Changes only carries
// the fields that were written.
type AccountUpdatedData struct {
	AccountID        string         `json:"account_id"`
	ShadowBotAccount string         `json:"shadow_bot_account"`
	Changes          map[string]any `json:"changes"`
}

// TaskUpdatedData is the payload of task_updated.
type TaskUpdatedData struct {
	TaskIDs          []string       `json:"task_ids"`
	ShadowBotAccount string         `json:"shadow_bot_account"`
	AppName          string         `json:"app_name,omitempty"`
	Changes          map[string]any `json:"changes"`
	Reason           string         `json:"reason"`
}

// Action is what a confirmation callback reports the agent did.
type Action string

const (
	ActionStart Action = "START"
	ActionStop  Action = "STOP"
)

// ConfirmPayload is sent by the agent after it actually started or stopped an app.
type ConfirmPayload struct {
	ShadowBotAccount string `json:"shadow_bot_account"`
	AppName          string `json:"app_name"`
	Action           Action `json:"action"`
}

// ResultSummary is the optional item tally of a run.
type ResultSummary struct {
	TotalItems   int     `json:"total_items"`
	SuccessItems int     `json:"success_items"`
	FailedItems  int     `json:"failed_items"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ExecutionCompletePayload is sent by the agent when a run finishes.
type ExecutionCompletePayload struct {
	ShadowBotAccount string         `json:"shadow_bot_account"`
	AppName          string         `json:"app_name"`
	Status           string         `json:"status"`
	StartTime        string         `json:"start_time"`
	EndTime          string         `json:"end_time"`
	DurationSeconds  float64        `json:"duration_seconds"`
	ResultSummary    *ResultSummary `json:"result_summary,omitempty"`
	ScreenshotURL    *string        `json:"screenshot_url,omitempty"`
	LogURL           *string        `json:"log_url,omitempty"`
	LogInfo          bool           `json:"log_info"`
	Screenshot       bool           `json:"screenshot"`
}

// HeartbeatPayload is sent periodically by the agent while it executes.
type HeartbeatPayload struct {
	ShadowBotAccount string `json:"shadow_bot_account"`
	AppName          string `json:"app_name"`
}

// Ack acknowledges confirm and heartbeat callbacks.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ExecutionCompleteAck acknowledges an execution-complete callback.
type ExecutionCompleteAck struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	LogID         string  `json:"log_id"`
	ScreenshotURL *string `json:"screenshot_url,omitempty"`
	LogURL        *string `json:"log_url,omitempty"`
}

// Agents report times with or without a zone; zoneless values are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ParseTime parses a callback timestamp.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
