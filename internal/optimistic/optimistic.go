// Package optimistic builds the placeholder messages shown between a send
// and the server's confirmation.
package optimistic

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/chatsync/internal/models"
)

// TempPrefix marks locally speculative ids. The server's ids are of the form
// "<kind>_<alphanumerics>" and never contain '~'.
const TempPrefix = "tmp~"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a temporary id ordered by now. Ids generated within the same
// millisecond are still strictly increasing.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return TempPrefix + ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// IsTemporary reports whether id was generated locally.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// IsPlaceholder reports whether p is the local "awaiting response" marker.
func IsPlaceholder(p models.Part) bool {
	return p.Type == models.PartTypeStepStart && IsTemporary(p.ID)
}

// Pair is the temporary user message and the assistant placeholder created for one send.
type Pair struct {
	User      models.Message
	Assistant models.Message
}

// IDs returns the ids of both temporary messages.
func (p Pair) IDs() []string {
	return []string{p.User.Info.ID, p.Assistant.Info.ID}
}

// New builds the optimistic entries for sending text to sessionID with the given model selection.
func New(sessionID, text string, sel models.ModelSelection, now time.Time) Pair {
	created := now.UnixMilli()
	userID := NewID(now)
	assistantID := NewID(now)

	model := sel.Model
	user := models.Message{
		Info: models.MessageInfo{
			ID:        userID,
			SessionID: sessionID,
			Role:      models.RoleUser,
			Time:      models.MessageTime{Created: created},
			Model:     &model,
			Agent:     sel.Agent,
		},
		Parts: []models.Part{{
			ID:        NewID(now),
			SessionID: sessionID,
			MessageID: userID,
			Type:      models.PartTypeText,
			Text:      text,
		}},
	}

	assistant := models.Message{
		Info: models.MessageInfo{
			ID:         assistantID,
			SessionID:  sessionID,
			Role:       models.RoleAssistant,
			Time:       models.MessageTime{Created: created},
			ParentID:   userID,
			ModelID:    sel.Model.ModelID,
			ProviderID: sel.Model.ProviderID,
			Agent:      sel.Agent,
		},
		Parts: []models.Part{{
			ID:        NewID(now),
			SessionID: sessionID,
			MessageID: assistantID,
			Type:      models.PartTypeStepStart,
		}},
	}

	return Pair{User: user, Assistant: assistant}
}

// CommandText renders a slash command the way it is shown in the optimistic user message.
func CommandText(command, arguments string) string {
	text := "/" + strings.TrimPrefix(command, "/")
	if arguments != "" {
		text += " " + arguments
	}
	return text
}
