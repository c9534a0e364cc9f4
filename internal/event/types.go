// Package event defines the wire types exchanged over the job-update stream.
//
// Every inbound frame is a JSON envelope carrying a type tag, an ISO-8601
// timestamp, and a type-specific payload. Payload internals the server may
// extend (progress, results) stay as open maps; only the envelope is strictly
// typed.
package event

import (
	"encoding/json"
	"time"
)

// Inbound message type tags.
const (
	TypeRunStatus    = "run_status"
	TypeRunProgress  = "run_progress"
	TypeRunLog       = "run_log"
	TypeQueueStats   = "queue_stats"
	TypeInitialState = "initial_state"
	TypePong         = "pong"
)

// Ping is the outbound heartbeat frame.
var Ping = []byte(`{"type":"ping"}`)

// Envelope is the outer frame of every inbound message.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// RunStatus describes the server-side state of a single processing run.
// Status is a free-form server string; this layer treats it as opaque apart
// from terminal detection.
type RunStatus struct {
	RunID          string         `json:"run_id"`
	RunType        string         `json:"run_type"`
	Status         string         `json:"status"`
	DisplayName    string         `json:"display_name,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty"`
	Progress       map[string]any `json:"progress,omitempty"`
	ResultsSummary map[string]any `json:"results_summary,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// RunProgress is a lightweight progress-only update for a run.
type RunProgress struct {
	RunID    string         `json:"run_id"`
	Progress map[string]any `json:"progress"`
}

// RunLog is a display-only log line for a run. Not stored in the registry.
type RunLog struct {
	RunID   string `json:"run_id"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// QueueStats is a point-in-time snapshot of queue health. Each snapshot
// fully replaces the previous one.
type QueueStats struct {
	Pending         map[string]int `json:"pending"`
	Running         map[string]int `json:"running"`
	Throughput      float64        `json:"throughput,omitempty"`
	RecentCompleted int            `json:"recent_completed,omitempty"`
	RecentFailed    int            `json:"recent_failed,omitempty"`
}

// InitialState is pushed once per successful connection, immediately after
// connect. It is the authoritative full state as of connection time.
type InitialState struct {
	ActiveRuns []RunStatus `json:"active_runs"`
	QueueStats *QueueStats `json:"queue_stats,omitempty"`
}

// Terminal reports whether a run status string marks the end of a run.
func Terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
