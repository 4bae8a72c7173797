// Package registry keeps the list of known sessions and which one is active.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/sourcegraph/conc/pool"

	"github.com/joescharf/chatsync/internal/models"
)

// ErrInvalidDirectory is returned for a directory that is not a clean
// absolute path.
var ErrInvalidDirectory = errors.New("invalid directory")

// Remote is the subset of the service the registry calls.
type Remote interface {
	CreateSession(ctx context.Context, directory string) (models.Session, error)
	ListSessions(ctx context.Context, directory string) ([]models.Session, error)
	UpdateSession(ctx context.Context, id, title string) (models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Loader runs when a session becomes active, e.g. loading its messages or
// checking its status.
type Loader func(ctx context.Context, sessionID string) error

// Registry is safe for concurrent use.
type Registry struct {
	remote    Remote
	directory string

	mu       sync.Mutex
	sessions []models.Session
	active   string
}

// New creates a registry whose sessions default to directory.
func New(remote Remote, directory string) *Registry {
	return &Registry{remote: remote, directory: directory}
}

// Directory returns the default directory.
func (r *Registry) Directory() string { return r.directory }

// ValidateDirectory rejects relative paths, paths that are not in clean form,
// and paths containing control characters.
func ValidateDirectory(dir string) error {
	if strings.IndexFunc(dir, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidDirectory, dir)
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidDirectory, dir)
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidDirectory, dir)
	}
	return nil
}

func sortByUpdated(list []models.Session) {
	slices.SortStableFunc(list, func(a, b models.Session) int {
		switch {
		case a.Time.Updated > b.Time.Updated:
			return -1
		case a.Time.Updated < b.Time.Updated:
			return 1
		}
		return 0
	})
}

// List returns the sessions, most recently updated first.
func (r *Registry) List() []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.sessions)
	sortByUpdated(out)
	return out
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(id)
	if i < 0 {
		return models.Session{}, false
	}
	return r.sessions[i], true
}

// Children returns the sessions spawned by parentID.
func (r *Registry) Children(parentID string) []models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Session
	for _, s := range r.sessions {
		if s.ParentID == parentID {
			out = append(out, s)
		}
	}
	sortByUpdated(out)
	return out
}

// Active returns the active session id, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) index(id string) int {
	return slices.IndexFunc(r.sessions, func(s models.Session) bool { return s.ID == id })
}

// Set replaces the known sessions, e.g. from a cache.
func (r *Registry) Set(list []models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = slices.Clone(list)
}

// Refresh reloads the session list from the remote.
func (r *Registry) Refresh(ctx context.Context) ([]models.Session, error) {
	list, err := r.remote.ListSessions(ctx, r.directory)
	if err != nil {
		return nil, err
	}
	r.Set(list)
	return r.List(), nil
}

// Upsert records a created or updated session. New sessions are prepended.
func (r *Registry) Upsert(s models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(s.ID); i >= 0 {
		r.sessions[i] = s
		return
	}
	r.sessions = slices.Insert(r.sessions, 0, s)
}

// Remove forgets a session. It reports whether the session was known.
// Removing the active session leaves no session active.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == id {
		r.active = ""
	}
	i := r.index(id)
	if i < 0 {
		return false
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	return true
}

// Select makes id active and runs the loaders in parallel, waiting for all of
// them. Selecting the already active session is a no-op and reports false.
func (r *Registry) Select(ctx context.Context, id string, loaders ...Loader) (bool, error) {
	r.mu.Lock()
	if r.active == id {
		r.mu.Unlock()
		return false, nil
	}
	r.active = id
	r.mu.Unlock()

	if err := runLoaders(ctx, id, loaders); err != nil {
		return true, fmt.Errorf("select %s: %w", id, err)
	}
	return true, nil
}

func runLoaders(ctx context.Context, id string, loaders []Loader) error {
	if len(loaders) == 0 {
		return nil
	}
	p := pool.New().WithErrors().WithContext(ctx)
	for _, load := range loaders {
		p.Go(func(ctx context.Context) error {
			return load(ctx, id)
		})
	}
	return p.Wait()
}

// Create creates a session in directory, or in the default directory when
// empty, and prepends it.
func (r *Registry) Create(ctx context.Context, directory string) (models.Session, error) {
	if directory == "" {
		directory = r.directory
	}
	if directory != "" {
		if err := ValidateDirectory(directory); err != nil {
			return models.Session{}, err
		}
	}
	s, err := r.remote.CreateSession(ctx, directory)
	if err != nil {
		return models.Session{}, err
	}
	r.mu.Lock()
	if i := r.index(s.ID); i >= 0 {
		r.sessions = slices.Delete(r.sessions, i, i+1)
	}
	r.sessions = slices.Insert(r.sessions, 0, s)
	r.mu.Unlock()
	return s, nil
}

// Rename sets a session's title.
func (r *Registry) Rename(ctx context.Context, id, title string) (models.Session, error) {
	s, err := r.remote.UpdateSession(ctx, id, title)
	if err != nil {
		return models.Session{}, err
	}
	if s.ID == "" {
		s, _ = r.Get(id)
		s.Title = title
	}
	r.Upsert(s)
	return s, nil
}

// Delete deletes a session. When it was active, the next selection is taken
// from one snapshot of the sessions made before the remote call: the most
// recently updated remaining one, or a newly created session when none
// remain. It returns the id that is active afterwards.
//
// The snapshot is taken up front because the service may publish the
// deletion event, which clears the active session, before it responds.
func (r *Registry) Delete(ctx context.Context, id string, loaders ...Loader) (string, error) {
	r.mu.Lock()
	wasActive := r.active == id
	snapshot := slices.Clone(r.sessions)
	r.mu.Unlock()

	if err := r.remote.DeleteSession(ctx, id); err != nil {
		return "", err
	}

	r.mu.Lock()
	if i := r.index(id); i >= 0 {
		r.sessions = slices.Delete(r.sessions, i, i+1)
	}
	if !wasActive || (r.active != "" && r.active != id) {
		active := r.active
		r.mu.Unlock()
		return active, nil
	}
	r.active = ""
	r.mu.Unlock()

	next := newestRoot(snapshot, id)
	if next == "" {
		s, err := r.Create(ctx, "")
		if err != nil {
			return "", fmt.Errorf("create replacement session: %w", err)
		}
		next = s.ID
	}
	if _, err := r.Select(ctx, next, loaders...); err != nil {
		return next, err
	}
	return next, nil
}

// newestRoot returns the most recently updated top-level session other than
// exclude, or "".
func newestRoot(list []models.Session, exclude string) string {
	var next string
	var newest int64
	for _, s := range list {
		if s.ID == exclude || s.IsChild() {
			continue
		}
		if next == "" || s.Time.Updated > newest {
			next, newest = s.ID, s.Time.Updated
		}
	}
	return next
}
