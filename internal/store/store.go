package store

import (
	"context"
	"time"

	"github.com/joescharf/chatsync/internal/models"
)

// SendKind distinguishes prompt sends from slash commands in the send log.
type SendKind string

const (
	SendPrompt  SendKind = "prompt"
	SendCommand SendKind = "command"
)

// SendRecord is one outbound prompt or command and its outcome.
type SendRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	Kind      SendKind  `json:"kind"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the local snapshot cache: the last known sessions per directory,
// the last loaded history per session, and a log of sends.
type Store interface {
	// Sessions
	SaveSessions(ctx context.Context, directory string, sessions []models.Session) error
	ListSessions(ctx context.Context, directory string) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Messages
	SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)

	// Sends
	RecordSend(ctx context.Context, rec *SendRecord) error
	ListSends(ctx context.Context, sessionID string, limit int) ([]*SendRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
