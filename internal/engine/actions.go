package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/optimistic"
	"github.com/joescharf/chatsync/internal/reconcile"
	"github.com/joescharf/chatsync/internal/store"
)

// --- Sessions ---

// Select makes a session active, clearing tracked sub-sessions, and loads
// its messages and status in parallel. Cached messages are shown first.
func (e *Engine) Select(ctx context.Context, sessionID string) error {
	changed, err := e.Registry.Select(ctx, sessionID, e.loadMessages, e.loadStatus)
	if changed {
		e.mu.Lock()
		clear(e.tracked)
		e.mu.Unlock()
		e.notify(ChangeSessions, sessionID)
	}
	return err
}

// Create creates a session, in the default directory when directory is
// empty, and selects it.
func (e *Engine) Create(ctx context.Context, directory string) (models.Session, error) {
	s, err := e.Registry.Create(ctx, directory)
	if err != nil {
		return s, err
	}
	e.saveSessions(ctx)
	return s, e.Select(ctx, s.ID)
}

// Delete deletes a session. When it was active another one is selected, or
// created when none remain. It returns the active session id afterwards.
func (e *Engine) Delete(ctx context.Context, sessionID string) (string, error) {
	before := e.Registry.Active()
	next, err := e.Registry.Delete(ctx, sessionID, e.loadMessages, e.loadStatus)
	if err != nil && next == "" {
		return "", err
	}
	e.forget(sessionID)
	e.Status.Close(sessionID)
	e.Permissions.ClearSession(sessionID)
	e.Questions.ClearSession(sessionID)
	if e.cache != nil {
		if cerr := e.cache.DeleteSession(ctx, sessionID); cerr != nil {
			e.log.Warn("cache delete failed", "session", sessionID, "error", cerr)
		}
	}
	if next != before {
		e.mu.Lock()
		clear(e.tracked)
		e.mu.Unlock()
	}
	e.saveSessions(ctx)
	e.notify(ChangeSessions, next)
	return next, err
}

// Rename sets a session's title.
func (e *Engine) Rename(ctx context.Context, sessionID, title string) (models.Session, error) {
	s, err := e.Registry.Rename(ctx, sessionID, title)
	if err != nil {
		return s, err
	}
	e.notify(ChangeSessions, sessionID)
	return s, nil
}

func (e *Engine) loadMessages(ctx context.Context, sessionID string) error {
	if e.cache != nil && len(e.Messages(sessionID)) == 0 {
		cached, err := e.cache.ListMessages(ctx, sessionID)
		if err != nil {
			e.log.Warn("cache read failed", "session", sessionID, "error", err)
		} else if len(cached) > 0 {
			e.mu.Lock()
			e.messages[sessionID] = reconcile.MergeLoaded(cached, e.messages[sessionID])
			e.mu.Unlock()
			e.notify(ChangeMessages, sessionID)
		}
	}

	loaded, err := e.svc.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.messages[sessionID] = reconcile.MergeLoaded(loaded, e.messages[sessionID])
	e.mu.Unlock()
	e.notify(ChangeMessages, sessionID)
	e.saveMessages(ctx, sessionID)
	return nil
}

func (e *Engine) loadStatus(ctx context.Context, sessionID string) error {
	snapshot, err := e.svc.SessionStatus(ctx)
	if err != nil {
		return err
	}
	e.Status.Reconcile(snapshot, sessionID)
	e.notify(ChangeStatus, sessionID)
	return nil
}

// reconcileStatus applies a fresh snapshot to every known session.
func (e *Engine) reconcileStatus(ctx context.Context) error {
	snapshot, err := e.svc.SessionStatus(ctx)
	if err != nil {
		return err
	}
	ids := e.Status.Busy()
	for _, s := range e.Registry.List() {
		ids = append(ids, s.ID)
	}
	e.Status.Reconcile(snapshot, ids...)
	e.notify(ChangeStatus, "")
	return nil
}

// --- Sends ---

// Send posts text to a session, the active one when sessionID is empty. The
// user message and an assistant placeholder appear immediately; on failure
// they are removed, the session returns to idle, and the error is surfaced
// once through LastError and the return value.
func (e *Engine) Send(ctx context.Context, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	sid, err := e.resolve(sessionID)
	if err != nil {
		return err
	}
	sel := e.Model()
	pair := e.begin(sid, text, sel)
	err = e.svc.Prompt(ctx, sid, client.TextPrompt(text, sel))
	e.finish(ctx, sid, pair, store.SendPrompt, text, err)
	return err
}

// Command runs a slash command the same way Send posts a prompt.
func (e *Engine) Command(ctx context.Context, sessionID, command, arguments string) error {
	command = strings.TrimPrefix(strings.TrimSpace(command), "/")
	if command == "" {
		return ErrEmptyPrompt
	}
	sid, err := e.resolve(sessionID)
	if err != nil {
		return err
	}
	sel := e.Model()
	text := optimistic.CommandText(command, arguments)
	pair := e.begin(sid, text, sel)
	err = e.svc.Command(ctx, sid, client.CommandRequest{
		Command:   command,
		Arguments: arguments,
		Model:     sel.Model.String(),
		Agent:     sel.Agent,
	})
	e.finish(ctx, sid, pair, store.SendCommand, text, err)
	return err
}

func (e *Engine) begin(sessionID, text string, sel models.ModelSelection) optimistic.Pair {
	pair := optimistic.New(sessionID, text, sel, e.now())
	e.mu.Lock()
	if sessionID != e.Registry.Active() {
		e.tracked[sessionID] = true
	}
	msgs := e.messages[sessionID]
	e.messages[sessionID] = append(msgs[:len(msgs):len(msgs)], pair.User, pair.Assistant)
	delete(e.lastErr, sessionID)
	e.mu.Unlock()

	e.Status.MarkSending(sessionID)
	e.notify(ChangeMessages, sessionID)
	e.notify(ChangeStatus, sessionID)
	return pair
}

func (e *Engine) finish(ctx context.Context, sessionID string, pair optimistic.Pair, kind store.SendKind, text string, err error) {
	if e.cache != nil {
		rec := &store.SendRecord{SessionID: sessionID, Kind: kind, Text: text}
		if err != nil {
			rec.Error = err.Error()
		}
		if cerr := e.cache.RecordSend(context.WithoutCancel(ctx), rec); cerr != nil {
			e.log.Warn("record send failed", "session", sessionID, "error", cerr)
		}
	}
	if err == nil {
		return
	}

	e.log.Debug("send failed, rolling back", "session", sessionID, "error", err)
	e.mu.Lock()
	e.messages[sessionID] = reconcile.RemoveMessages(e.messages[sessionID], pair.IDs()...)
	e.lastErr[sessionID] = err
	e.mu.Unlock()
	e.Status.Close(sessionID)
	e.notify(ChangeMessages, sessionID)
	e.notify(ChangeStatus, sessionID)
	e.notify(ChangeError, sessionID)
}

// Abort cancels the running message of a session. The server confirms with
// an aborted error and an idle status.
func (e *Engine) Abort(ctx context.Context, sessionID string) error {
	sid, err := e.resolve(sessionID)
	if err != nil {
		return err
	}
	return e.svc.Abort(ctx, sid)
}

// --- Side-channel replies ---

// ReplyPermission answers a permission request at most once. A second call
// for the same id returns ErrAlreadyResponded without contacting the server;
// a failed reply can be retried.
func (e *Engine) ReplyPermission(ctx context.Context, requestID string, reply models.PermissionReply) error {
	if !reply.Valid() {
		return fmt.Errorf("invalid permission reply %q", reply)
	}
	if !e.Permissions.MarkResponded(requestID) {
		return ErrAlreadyResponded
	}
	if err := e.svc.ReplyPermission(ctx, requestID, reply); err != nil {
		e.Permissions.ClearResponded(requestID)
		return err
	}
	e.notify(ChangeRequests, e.requestSession(requestID))
	return nil
}

// ReplyQuestion answers a question request at most once.
func (e *Engine) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	if !e.Questions.MarkResponded(requestID) {
		return ErrAlreadyResponded
	}
	if err := e.svc.ReplyQuestion(ctx, requestID, answers); err != nil {
		e.Questions.ClearResponded(requestID)
		return err
	}
	e.notify(ChangeRequests, e.requestSession(requestID))
	return nil
}

// RejectQuestion declines a question request at most once.
func (e *Engine) RejectQuestion(ctx context.Context, requestID string) error {
	if !e.Questions.MarkResponded(requestID) {
		return ErrAlreadyResponded
	}
	if err := e.svc.RejectQuestion(ctx, requestID); err != nil {
		e.Questions.ClearResponded(requestID)
		return err
	}
	e.notify(ChangeRequests, e.requestSession(requestID))
	return nil
}

func (e *Engine) requestSession(requestID string) string {
	if r, ok := e.Permissions.Find(requestID); ok {
		return r.SessionID
	}
	if r, ok := e.Questions.Find(requestID); ok {
		return r.SessionID
	}
	return ""
}

// --- Cache ---

func (e *Engine) loadCachedSessions(ctx context.Context) {
	if e.cache == nil || len(e.Registry.List()) > 0 {
		return
	}
	cached, err := e.cache.ListSessions(ctx, e.Registry.Directory())
	if err != nil {
		e.log.Warn("cache read failed", "error", err)
		return
	}
	if len(cached) > 0 {
		e.Registry.Set(cached)
		e.notify(ChangeSessions, "")
	}
}

func (e *Engine) saveSessions(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveSessions(ctx, e.Registry.Directory(), e.Registry.List()); err != nil {
		e.log.Warn("cache write failed", "error", err)
	}
}

// saveMessages caches the confirmed messages of a session.
func (e *Engine) saveMessages(ctx context.Context, sessionID string) {
	if e.cache == nil {
		return
	}
	var confirmed []models.Message
	for _, m := range e.Messages(sessionID) {
		if !optimistic.IsTemporary(m.Info.ID) && !m.Shell {
			confirmed = append(confirmed, m)
		}
	}
	if err := e.cache.SaveMessages(ctx, sessionID, confirmed); err != nil {
		e.log.Warn("cache write failed", "session", sessionID, "error", err)
	}
}
