package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/chatsync/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the stream pump and the CLI share the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

// SaveSessions replaces the cached sessions of a directory.
func (s *SQLiteStore) SaveSessions(ctx context.Context, directory string, sessions []models.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE directory = ?`, directory); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", sess.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions (id, directory, parent_id, title, updated_ms, data, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, directory, sess.ParentID, sess.Title, sess.Time.Updated, string(data), now,
		)
		if err != nil {
			return fmt.Errorf("save session %s: %w", sess.ID, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns the cached sessions of a directory, most recently
// updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, directory string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM sessions WHERE directory = ? ORDER BY updated_ms DESC`, directory)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its cached messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- Messages ---

// SaveMessages replaces the cached history of a session, keeping order.
func (s *SQLiteStore) SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.Info.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages (session_id, id, position, role, data) VALUES (?, ?, ?, ?, ?)`,
			sessionID, m.Info.ID, i, string(m.Info.Role), string(data),
		)
		if err != nil {
			return fmt.Errorf("save message %s: %w", m.Info.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the cached history of a session in order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []models.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m models.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Sends ---

// RecordSend appends to the send log, assigning an id and timestamp.
func (s *SQLiteStore) RecordSend(ctx context.Context, rec *SendRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sends (id, session_id, kind, text, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.Kind), rec.Text, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// ListSends returns a session's sends, newest first. A non-positive limit
// returns all of them.
func (s *SQLiteStore) ListSends(ctx context.Context, sessionID string, limit int) ([]*SendRecord, error) {
	query := `SELECT id, session_id, kind, text, error, created_at FROM sends WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SendRecord
	for rows.Next() {
		rec := &SendRecord{}
		var kind string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &rec.Text, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		rec.Kind = SendKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}
