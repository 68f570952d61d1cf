package models

import "time"

// AuditEntry records a single gated command.
type AuditEntry struct {
	ID         int64          `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id,omitempty"`
	Username   string         `json:"username"`
	Command    string         `json:"command"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
