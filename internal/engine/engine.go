// Package engine owns the synchronized client state: sessions, message
// lists, statuses, and pending prompts. It applies the server's event stream
// and issues outbound actions, rolling back optimistic state on failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joescharf/chatsync/internal/batch"
	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/dispatch"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/registry"
	"github.com/joescharf/chatsync/internal/requests"
	"github.com/joescharf/chatsync/internal/status"
	"github.com/joescharf/chatsync/internal/store"
)

var (
	// ErrAlreadyResponded is returned when a reply was already issued for a request.
	ErrAlreadyResponded = errors.New("request already answered")
	// ErrEmptyPrompt is returned for a send with no text.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrNoSession is returned when an action needs a session and none is active.
	ErrNoSession = errors.New("no active session")
)

// Service is the remote service the engine drives. *client.Client implements it.
type Service interface {
	registry.Remote
	Health(ctx context.Context) (client.Health, error)
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	Prompt(ctx context.Context, sessionID string, req client.PromptRequest) error
	Command(ctx context.Context, sessionID string, req client.CommandRequest) error
	Abort(ctx context.Context, sessionID string) error
	SessionStatus(ctx context.Context) (map[string]models.SessionStatus, error)
	ReplyPermission(ctx context.Context, requestID string, reply models.PermissionReply) error
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
	RejectQuestion(ctx context.Context, requestID string) error
	Subscribe(ctx context.Context, handle func(data []byte)) error
}

// Options configure an Engine.
type Options struct {
	// Directory is the default directory for new sessions and the event scope.
	Directory string
	// Window is the delta batching window; zero uses batch.DefaultWindow.
	Window time.Duration
	// Model is the selection used for sends until SetModel changes it.
	Model models.ModelSelection
	// Cache, when set, keeps the last known sessions and messages on disk.
	Cache  store.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine is safe for concurrent use. Create one per server connection.
type Engine struct {
	svc   Service
	cache store.Store
	log   *slog.Logger
	now   func() time.Time

	Registry    *registry.Registry
	Status      *status.Tracker
	Permissions *requests.Tracker[models.PermissionRequest]
	Questions   *requests.Tracker[models.QuestionRequest]

	batcher    *batch.Batcher
	dispatcher *dispatch.Dispatcher

	mu        sync.Mutex
	model     models.ModelSelection
	messages  map[string][]models.Message
	todos     map[string][]models.Todo
	tracked   map[string]bool
	lastErr   map[string]error
	listeners map[int]func(Change)
	nextID    int

	// stream lifecycle
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	streamErr error

	replies sync.WaitGroup
}

// New creates an Engine over svc.
func New(svc Service, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		svc:         svc,
		cache:       opts.Cache,
		log:         log,
		now:         now,
		Registry:    registry.New(svc, opts.Directory),
		Status:      status.NewTracker(),
		Permissions: requests.NewTracker[models.PermissionRequest](),
		Questions:   requests.NewTracker[models.QuestionRequest](),
		model:       opts.Model,
		messages:    make(map[string][]models.Message),
		todos:       make(map[string][]models.Todo),
		tracked:     make(map[string]bool),
		lastErr:     make(map[string]error),
		listeners:   make(map[int]func(Change)),
	}
	e.batcher = batch.New(opts.Window, e.applyParts)
	e.dispatcher = dispatch.New(dispatch.Deps{
		Directory:   opts.Directory,
		Router:      e,
		Content:     e,
		Batcher:     e.batcher,
		Registry:    e.Registry,
		Status:      e.Status,
		Permissions: e.Permissions,
		Questions:   e.Questions,
		Logger:      log,
	})
	return e
}

// --- Observation ---

// ChangeKind names the part of the state a Change touched.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeStatus   ChangeKind = "status"
	ChangeRequests ChangeKind = "requests"
	ChangeSessions ChangeKind = "sessions"
	ChangeTodos    ChangeKind = "todos"
	ChangeError    ChangeKind = "error"
	ChangeStream   ChangeKind = "stream"
)

// Change notifies observers that state for a session changed.
type Change struct {
	Kind      ChangeKind
	SessionID string
}

// OnChange registers fn for every change and returns a function removing it.
// fn runs on the goroutine that applied the change and must not block.
func (e *Engine) OnChange(fn func(Change)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) notify(kind ChangeKind, sessionID string) {
	e.mu.Lock()
	fns := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(Change{Kind: kind, SessionID: sessionID})
	}
}

// --- Routing ---

// ActiveSession returns the active session id.
func (e *Engine) ActiveSession() string {
	return e.Registry.Active()
}

// IsTracked reports whether events of a non-active session are applied.
func (e *Engine) IsTracked(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracked[sessionID]
}

// Track applies events of sessionID in addition to the active session's.
func (e *Engine) Track(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked[sessionID] = true
}

// Untrack stops applying events of sessionID unless it is active.
func (e *Engine) Untrack(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracked, sessionID)
}

// Tracked returns the tracked sub-session ids.
func (e *Engine) Tracked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// --- Reads ---

// Messages returns a snapshot of a session's messages.
func (e *Engine) Messages(sessionID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages[sessionID])
}

// Todos returns a session's task list.
func (e *Engine) Todos(sessionID string) []models.Todo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.todos[sessionID])
}

// LastError returns the error surfaced for a session's latest action or run,
// or nil.
func (e *Engine) LastError(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr[sessionID]
}

// ClearError dismisses the session's surfaced error.
func (e *Engine) ClearError(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastErr, sessionID)
}

func (e *Engine) setError(sessionID string, err error) {
	e.mu.Lock()
	e.lastErr[sessionID] = err
	e.mu.Unlock()
	e.notify(ChangeError, sessionID)
}

// Model returns the model selection used for sends.
func (e *Engine) Model() models.ModelSelection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// SetModel changes the model selection used for sends.
func (e *Engine) SetModel(sel models.ModelSelection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = sel
}

// SetAutoAccept toggles auto-accept of edit and write permissions for a
// session and the sub-sessions it spawns.
func (e *Engine) SetAutoAccept(sessionID string, on bool) {
	e.Permissions.SetAutoAccept(sessionID, on)
}

// StreamErr returns why the event stream ended, or nil while it is open.
func (e *Engine) StreamErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamErr
}

func (e *Engine) resolve(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id := e.Registry.Active(); id != "" {
		return id, nil
	}
	return "", ErrNoSession
}

// RunError is a failure the server reported for a session's run.
type RunError struct {
	SessionID string
	Err       *models.MessageError
}

func (e *RunError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Err.Detail())
}
