// Package requests tracks pending permission and question prompts and
// guarantees each one is answered at most once.
package requests

import (
	"slices"
	"sync"
)

// Request is a side-channel prompt addressed to one session.
type Request interface {
	RequestID() string
	RequestSession() string
}

// AutoAcceptKinds are the permission kinds that may be granted without asking
// when a session has auto-accept enabled.
var AutoAcceptKinds = []string{"edit", "write"}

// Tracker holds the pending requests of one kind, grouped by session, plus
// the set of request ids a reply has already been issued for.
type Tracker[T Request] struct {
	mu         sync.Mutex
	pending    map[string][]T
	responded  map[string]bool
	autoAccept map[string]bool
}

// NewTracker returns an empty tracker.
func NewTracker[T Request]() *Tracker[T] {
	return &Tracker[T]{
		pending:    make(map[string][]T),
		responded:  make(map[string]bool),
		autoAccept: make(map[string]bool),
	}
}

// Add records r. A request id already pending for its session, or one a
// reply was already issued for, is ignored. It reports whether r was added.
func (t *Tracker[T]) Add(r T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responded[r.RequestID()] {
		return false
	}
	sid := r.RequestSession()
	for _, p := range t.pending[sid] {
		if p.RequestID() == r.RequestID() {
			return false
		}
	}
	t.pending[sid] = append(t.pending[sid], r)
	return true
}

// Remove drops the request from its session's list. The responded mark
// outlives it, so a replayed request is never answered twice. Unknown ids are
// a no-op.
func (t *Tracker[T]) Remove(id, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pending[sessionID]
	i := slices.IndexFunc(list, func(r T) bool { return r.RequestID() == id })
	if i < 0 {
		return
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	if len(list) == 0 {
		delete(t.pending, sessionID)
		return
	}
	t.pending[sessionID] = list
}

// Pending returns a copy of the session's pending requests in arrival order.
func (t *Tracker[T]) Pending(sessionID string) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.pending[sessionID])
}

// All returns every pending request across sessions.
func (t *Tracker[T]) All() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []T
	for _, list := range t.pending {
		out = append(out, list...)
	}
	return out
}

// Find looks up a pending request by id.
func (t *Tracker[T]) Find(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, list := range t.pending {
		for _, r := range list {
			if r.RequestID() == id {
				return r, true
			}
		}
	}
	var zero T
	return zero, false
}

// MarkResponded marks id as answered. It returns false when id was already
// marked, in which case the caller must not reply again.
func (t *Tracker[T]) MarkResponded(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responded[id] {
		return false
	}
	t.responded[id] = true
	return true
}

// HasResponded reports whether a reply was already issued for id.
func (t *Tracker[T]) HasResponded(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responded[id]
}

// ClearResponded unmarks id so the user can retry after a failed reply.
func (t *Tracker[T]) ClearResponded(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.responded, id)
}

// ClearSession drops the pending requests and auto-accept flag of a session.
// Responded marks are kept for the life of the tracker.
func (t *Tracker[T]) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, sessionID)
	delete(t.autoAccept, sessionID)
}

// SetAutoAccept toggles auto-accept for a session.
func (t *Tracker[T]) SetAutoAccept(sessionID string, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.autoAccept[sessionID] = true
		return
	}
	delete(t.autoAccept, sessionID)
}

// AutoAccept reports whether auto-accept is enabled for a session.
func (t *Tracker[T]) AutoAccept(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.autoAccept[sessionID]
}

// ShouldAutoAccept reports whether a permission of the given kind in the
// session may be granted without asking. The tracker never replies itself.
func (t *Tracker[T]) ShouldAutoAccept(kind, sessionID string) bool {
	return t.AutoAccept(sessionID) && slices.Contains(AutoAcceptKinds, kind)
}
