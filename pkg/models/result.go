package models

// Result status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the machine-readable payload every server operation returns.
type Result struct {
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	SessionID  string         `json:"session_id,omitempty"`
	MountPoint string         `json:"mount_point,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// OK reports whether the result is a success.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Success builds a success result.
func Success(msg string) *Result {
	return &Result{Status: StatusSuccess, Message: msg}
}

// Failure builds an error result from err.
func Failure(err error) *Result {
	return &Result{Status: StatusError, Message: err.Error()}
}
