package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Session is the persisted record of one authenticated interaction.
// AllowedCommands and Projects are snapshots taken at login time.
type Session struct {
	SessionID       string                     `json:"session_id"`
	Username        string                     `json:"username"`
	CreatedAt       time.Time                  `json:"created_at"`
	AllowedCommands []string                   `json:"allowed_commands"`
	Projects        map[string]ProjectMetadata `json:"projects"`
	ActiveProject   *string                    `json:"active_project"`
	Logs            CommandLog                 `json:"logs"`
	Signature       string                     `json:"signature,omitempty"`
}

// Allows returns true if command is in the session's snapshotted permission set.
func (s *Session) Allows(command string) bool {
	for _, c := range s.AllowedCommands {
		if c == command || c == Wildcard {
			return true
		}
	}
	return false
}

// LogTimeFormat is the timestamp layout used in command log keys.
const LogTimeFormat = "2006-01-02T15:04:05.000000"

// LogEntry is a single audit line of a session.
type LogEntry struct {
	Key    string
	Output string
}

// NewLogEntry builds the "[timestamp] command" key for an entry.
func NewLogEntry(at time.Time, command, output string) LogEntry {
	return LogEntry{
		Key:    fmt.Sprintf("[%s] %s", at.Format(LogTimeFormat), command),
		Output: output,
	}
}

// CommandLog is an append-only log that encodes as a JSON object whose keys
// keep their insertion order.
type CommandLog []LogEntry

// MarshalJSON writes the entries as an ordered JSON object.
func (l CommandLog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Output)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object in document order.
func (l *CommandLog) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("command log: expected object, got %v", tok)
	}
	var entries CommandLog
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("command log: expected string key, got %v", tok)
		}
		var out string
		if err := dec.Decode(&out); err != nil {
			return fmt.Errorf("command log entry %q: %w", key, err)
		}
		entries = append(entries, LogEntry{Key: key, Output: out})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = entries
	return nil
}
