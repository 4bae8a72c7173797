package models

// SessionStatusType is the busy/idle/retry discriminator reported by the server.
type SessionStatusType string

const (
	SessionStatusIdle  SessionStatusType = "idle"
	SessionStatusBusy  SessionStatusType = "busy"
	SessionStatusRetry SessionStatusType = "retry"
)

// SessionStatus is the per-session run state.
type SessionStatus struct {
	Type    SessionStatusType `json:"type"`
	Attempt int               `json:"attempt,omitempty"`
	Message string            `json:"message,omitempty"`
	Next    int64             `json:"next,omitempty"`
}

// Busy reports whether the session is running or waiting to retry.
func (s SessionStatus) Busy() bool {
	return s.Type == SessionStatusBusy || s.Type == SessionStatusRetry
}

// Idle returns the idle status value.
func Idle() SessionStatus {
	return SessionStatus{Type: SessionStatusIdle}
}
