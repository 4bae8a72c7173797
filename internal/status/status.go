// Package status tracks the busy/idle/retry state of each session.
package status

import (
	"sync"

	"github.com/joescharf/chatsync/internal/models"
)

// Tracker holds the last known status per session. Sessions it has never
// seen are idle.
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]models.SessionStatus
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]models.SessionStatus)}
}

// MarkSending sets the session busy ahead of any server status.
func (t *Tracker) MarkSending(sessionID string) {
	t.Apply(sessionID, models.SessionStatus{Type: models.SessionStatusBusy})
}

// Apply records a status reported by the server.
func (t *Tracker) Apply(sessionID string, s models.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Type == models.SessionStatusIdle || s.Type == "" {
		delete(t.statuses, sessionID)
		return
	}
	t.statuses[sessionID] = s
}

// Close returns the session to idle. It is safe to call repeatedly.
// It reports whether the session was busy before.
func (t *Tracker) Close(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, was := t.statuses[sessionID]
	delete(t.statuses, sessionID)
	return was
}

// Reconcile applies a status snapshot for the given sessions. A session
// missing from the snapshot is idle, which clears a stale optimistic busy.
func (t *Tracker) Reconcile(snapshot map[string]models.SessionStatus, sessionIDs ...string) {
	for _, id := range sessionIDs {
		if s, ok := snapshot[id]; ok {
			t.Apply(id, s)
			continue
		}
		t.Close(id)
	}
}

// Get returns the session's status.
func (t *Tracker) Get(sessionID string) models.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[sessionID]; ok {
		return s
	}
	return models.Idle()
}

// IsBusy reports whether the session is busy or retrying.
func (t *Tracker) IsBusy(sessionID string) bool {
	return t.Get(sessionID).Busy()
}

// Busy returns the ids of all non-idle sessions.
func (t *Tracker) Busy() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.statuses))
	for id := range t.statuses {
		ids = append(ids, id)
	}
	return ids
}
