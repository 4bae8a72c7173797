// Package reconcile merges authoritative server updates into a message list
// that may hold locally speculative entries. All functions are pure: they
// never mutate their input and return a new list.
package reconcile

import (
	"time"

	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/optimistic"
)

// PartUpdate is the latest full payload of a part plus the text delta
// accumulated for it since the last application.
type PartUpdate struct {
	Part  models.Part
	Delta string
}

// Key identifies the part an update targets.
func (u PartUpdate) Key() PartKey {
	return PartKey{MessageID: u.Part.MessageID, PartID: u.Part.ID}
}

// PartKey is the (message, part) pair used to coalesce updates.
type PartKey struct {
	MessageID string
	PartID    string
}

// Action describes what a metadata update did.
type Action int

const (
	Discarded Action = iota
	Replaced
	Adopted
)

func (a Action) String() string {
	switch a {
	case Replaced:
		return "replaced"
	case Adopted:
		return "adopted"
	default:
		return "discarded"
	}
}

// Result reports the outcome of ApplyMessageUpdated.
type Result struct {
	Action Action
	// AdoptedFrom is the temporary id that now carries the server id.
	AdoptedFrom string
	// Consumed lists temporaries removed because a synthesized shell took their place.
	Consumed []string
	// Terminal is set when the matched or adopted message is a finished
	// assistant message. The caller closes the session's busy state.
	Terminal bool
}

// Index returns the position of the message with id, or -1.
func Index(msgs []models.Message, id string) int {
	for i := range msgs {
		if msgs[i].Info.ID == id {
			return i
		}
	}
	return -1
}

func partIndex(parts []models.Part, id string) int {
	for i := range parts {
		if parts[i].ID == id {
			return i
		}
	}
	return -1
}

// ApplyParts applies a batch of part updates in order.
//
// A part whose message is unknown gets a minimal assistant shell appended for
// it. A known part with a delta has the delta appended to its text; otherwise
// it is replaced wholesale. Once a real part lands in a message, the message's
// local placeholder parts are dropped.
func ApplyParts(msgs []models.Message, updates []PartUpdate, now time.Time) []models.Message {
	if len(updates) == 0 {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	// cloned tracks which messages already own a private parts slice.
	cloned := make(map[int]bool)

	for _, u := range updates {
		idx := Index(out, u.Part.MessageID)
		if idx < 0 {
			out = append(out, shell(u.Part, now))
			idx = len(out) - 1
			cloned[idx] = true
		}
		if !cloned[idx] {
			out[idx] = out[idx].Clone()
			cloned[idx] = true
		}
		out[idx].Parts = applyPart(out[idx].Parts, u)
	}
	return out
}

func shell(p models.Part, now time.Time) models.Message {
	return models.Message{
		Info: models.MessageInfo{
			ID:        p.MessageID,
			SessionID: p.SessionID,
			Role:      models.RoleAssistant,
			Time:      models.MessageTime{Created: now.UnixMilli()},
			Tokens:    &models.Tokens{},
		},
		Shell: true,
	}
}

// applyPart mutates parts in place; the caller owns the slice.
func applyPart(parts []models.Part, u PartUpdate) []models.Part {
	incoming := u.Part
	textDelta := incoming.TextLike() && u.Delta != ""

	if i := partIndex(parts, incoming.ID); i >= 0 {
		if textDelta {
			incoming.Text = parts[i].Text + u.Delta
		}
		parts[i] = incoming
		return dropPlaceholders(parts, incoming)
	}

	if textDelta && incoming.Text == "" {
		incoming.Text = u.Delta
	}

	// The server's copy of a part supersedes the local one of the same kind.
	if !optimistic.IsTemporary(incoming.ID) {
		for i := range parts {
			if optimistic.IsTemporary(parts[i].ID) && parts[i].Type == incoming.Type && !optimistic.IsPlaceholder(parts[i]) {
				parts[i] = incoming
				return dropPlaceholders(parts, incoming)
			}
		}
	}

	parts = append(parts, incoming)
	return dropPlaceholders(parts, incoming)
}

func dropPlaceholders(parts []models.Part, arrived models.Part) []models.Part {
	if optimistic.IsTemporary(arrived.ID) {
		return parts
	}
	kept := parts[:0]
	for _, p := range parts {
		if optimistic.IsPlaceholder(p) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// ApplyMessageUpdated applies a message.updated metadata record.
//
// A known id has its info replaced in place. An unknown id adopts the oldest
// temporary message of the same role in the same session, keeping its parts.
// Without a candidate the update is discarded as stale.
func ApplyMessageUpdated(msgs []models.Message, info models.MessageInfo) ([]models.Message, Result) {
	var res Result
	out := make([]models.Message, len(msgs))
	copy(out, msgs)

	idx := Index(out, info.ID)
	switch {
	case idx >= 0:
		res.Action = Replaced
		wasShell := out[idx].Shell
		out[idx].Info = info
		out[idx].Shell = false
		if wasShell {
			if t := oldestTemporary(out, info.SessionID, info.Role); t >= 0 {
				res.Consumed = append(res.Consumed, out[t].Info.ID)
				out = append(out[:t], out[t+1:]...)
			}
		}
	default:
		t := oldestTemporary(out, info.SessionID, info.Role)
		if t < 0 {
			return msgs, res
		}
		res.Action = Adopted
		res.AdoptedFrom = out[t].Info.ID
		adopted := out[t].Clone()
		adopted.Info = info
		for i := range adopted.Parts {
			adopted.Parts[i].MessageID = info.ID
		}
		out[t] = adopted
	}

	if info.Terminal() {
		res.Terminal = true
		out = StripPlaceholders(out, info.SessionID)
	}
	return out, res
}

func oldestTemporary(msgs []models.Message, sessionID string, role models.Role) int {
	oldest := -1
	for i := range msgs {
		m := msgs[i]
		if m.Info.SessionID != sessionID || m.Info.Role != role || !optimistic.IsTemporary(m.Info.ID) {
			continue
		}
		if oldest < 0 || m.Info.Time.Created < msgs[oldest].Info.Time.Created {
			oldest = i
		}
	}
	return oldest
}

// StripPlaceholders removes every placeholder part in the session and drops
// temporary assistant messages left empty by that.
func StripPlaceholders(msgs []models.Message, sessionID string) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Info.SessionID != sessionID || !hasPlaceholder(m) {
			out = append(out, m)
			continue
		}
		m = m.Clone()
		parts := m.Parts[:0]
		for _, p := range m.Parts {
			if !optimistic.IsPlaceholder(p) {
				parts = append(parts, p)
			}
		}
		m.Parts = parts
		if len(m.Parts) == 0 && m.Info.Role == models.RoleAssistant && optimistic.IsTemporary(m.Info.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasPlaceholder(m models.Message) bool {
	for _, p := range m.Parts {
		if optimistic.IsPlaceholder(p) {
			return true
		}
	}
	return false
}

// RemoveMessages drops the messages with the given ids.
func RemoveMessages(msgs []models.Message, ids ...string) []models.Message {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if !drop[m.Info.ID] {
			out = append(out, m)
		}
	}
	return out
}

// RemovePart drops one part from one message. Unknown ids are a no-op.
func RemovePart(msgs []models.Message, messageID, partID string) []models.Message {
	idx := Index(msgs, messageID)
	if idx < 0 || partIndex(msgs[idx].Parts, partID) < 0 {
		return msgs
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	m := out[idx].Clone()
	i := partIndex(m.Parts, partID)
	m.Parts = append(m.Parts[:i], m.Parts[i+1:]...)
	out[idx] = m
	return out
}

// Temporaries returns the ids of the session's temporary messages.
func Temporaries(msgs []models.Message, sessionID string) []string {
	var ids []string
	for _, m := range msgs {
		if m.Info.SessionID == sessionID && optimistic.IsTemporary(m.Info.ID) {
			ids = append(ids, m.Info.ID)
		}
	}
	return ids
}

// MergeLoaded replaces current with a freshly loaded history while keeping
// temporary messages that have not been confirmed yet.
func MergeLoaded(loaded, current []models.Message) []models.Message {
	out := make([]models.Message, 0, len(loaded)+2)
	out = append(out, loaded...)
	for _, m := range current {
		if optimistic.IsTemporary(m.Info.ID) {
			out = append(out, m)
		}
	}
	return out
}
