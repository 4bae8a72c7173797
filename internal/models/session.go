package models

import "time"

// Session is a server-tracked conversation with its own message history.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Directory string      `json:"directory"`
	ProjectID string      `json:"projectID,omitempty"`
	ParentID  string      `json:"parentID,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime holds session timestamps in Unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// IsChild reports whether the session was spawned on behalf of another session.
func (s Session) IsChild() bool {
	return s.ParentID != ""
}

// UpdatedAt returns the last update time.
func (s Session) UpdatedAt() time.Time {
	return time.UnixMilli(s.Time.Updated)
}
