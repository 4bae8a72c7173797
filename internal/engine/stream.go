package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/chatsync/internal/events"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/reconcile"
)

// autoReplyTimeout bounds an automatic permission reply.
const autoReplyTimeout = 30 * time.Second

// Connect checks the server, opens the event stream, and loads the session
// list and status snapshot. Connecting again replaces the previous stream;
// frames still in flight from it are dropped.
func (e *Engine) Connect(ctx context.Context) error {
	h, err := e.svc.Health(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !h.Healthy {
		return fmt.Errorf("connect: server reports unhealthy")
	}
	e.log.Debug("server healthy", "version", h.Version)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen := e.gen
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.cancel, e.done, e.streamErr = cancel, done, nil
	e.mu.Unlock()

	go e.pump(sctx, gen, done)

	e.loadCachedSessions(ctx)
	if _, err := e.Registry.Refresh(ctx); err != nil {
		e.abandon(gen)
		return fmt.Errorf("connect: %w", err)
	}
	e.saveSessions(ctx)
	e.notify(ChangeSessions, "")
	if err := e.reconcileStatus(ctx); err != nil {
		e.log.Warn("status snapshot failed", "error", err)
	}
	return nil
}

// abandon closes the stream opened by a Connect that failed, unless a later
// Connect already replaced it.
func (e *Engine) abandon(gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.stopLocked()
}

// closeStream cancels the current stream and waits for its pump to exit.
func (e *Engine) closeStream() {
	e.mu.Lock()
	e.stopLocked()
}

// stopLocked detaches the current stream and unlocks e.mu before waiting
// for the pump to exit.
func (e *Engine) stopLocked() {
	cancel, done := e.cancel, e.done
	e.gen++
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Disconnect closes the event stream and applies any buffered deltas.
func (e *Engine) Disconnect() {
	e.closeStream()
	e.batcher.Flush()
}

// Close disconnects, waits for automatic replies, and saves the active
// session's messages to the cache. Updates arriving after Close are applied
// without batching.
func (e *Engine) Close() {
	e.closeStream()
	e.batcher.Stop()
	e.replies.Wait()
	if id := e.Registry.Active(); id != "" {
		e.saveMessages(context.Background(), id)
	}
}

// Done is closed when the current stream ends. It is nil before Connect.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Connected reports whether an event stream is open.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil || e.streamErr != nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

func (e *Engine) pump(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	err := e.svc.Subscribe(ctx, func(raw []byte) {
		if !e.current(gen) {
			return
		}
		if err := e.handleFrame(raw); err != nil {
			e.log.Debug("undecodable frame dropped", "error", err)
		}
	})
	if ctx.Err() != nil {
		return
	}
	e.log.Warn("event stream closed", "error", err)
	e.mu.Lock()
	if e.gen == gen {
		e.streamErr = err
	}
	e.mu.Unlock()
	e.batcher.Flush()
	e.notify(ChangeStream, "")
}

// handleFrame dispatches one frame and runs the follow-ups that need I/O or
// observers. It must only be called from the pump goroutine.
func (e *Engine) handleFrame(raw []byte) error {
	env, handled, err := e.dispatcher.DispatchRaw(raw)
	if err != nil || !handled {
		return err
	}

	sid := env.Event.SessionID()
	switch ev := env.Event.(type) {
	case events.PartUpdated:
		// notified by applyParts
	case events.SessionInfo:
		if ev.Info.ParentID != "" && e.IsTracked(ev.Info.ID) && e.Permissions.AutoAccept(ev.Info.ParentID) {
			e.Permissions.SetAutoAccept(ev.Info.ID, true)
		}
		e.notify(ChangeSessions, sid)
	case events.SessionStatus:
		e.notify(ChangeStatus, sid)
	case events.SessionError:
		e.notify(ChangeStatus, sid)
	case events.PermissionAsked:
		e.notify(ChangeRequests, sid)
		if e.Permissions.ShouldAutoAccept(ev.Request.Permission, ev.Request.SessionID) {
			e.autoReply(ev.Request)
		}
	case events.PermissionReplied, events.QuestionAsked, events.QuestionReplied, events.QuestionRejected:
		e.notify(ChangeRequests, sid)
	case events.TodoUpdated:
		e.notify(ChangeTodos, sid)
	}
	return nil
}

func (e *Engine) autoReply(req models.PermissionRequest) {
	e.replies.Add(1)
	go func() {
		defer e.replies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), autoReplyTimeout)
		defer cancel()
		if err := e.ReplyPermission(ctx, req.ID, models.PermissionOnce); err != nil {
			e.log.Warn("auto-accept failed", "request", req.ID, "permission", req.Permission, "error", err)
			return
		}
		e.log.Debug("auto-accepted permission", "request", req.ID, "permission", req.Permission, "session", req.SessionID)
	}()
}

// applyParts is the batch sink.
func (e *Engine) applyParts(updates []reconcile.PartUpdate) {
	var order []string
	bySession := make(map[string][]reconcile.PartUpdate)
	for _, u := range updates {
		sid := u.Part.SessionID
		if _, ok := bySession[sid]; !ok {
			order = append(order, sid)
		}
		bySession[sid] = append(bySession[sid], u)
	}

	now := e.now()
	e.mu.Lock()
	for _, sid := range order {
		e.messages[sid] = reconcile.ApplyParts(e.messages[sid], bySession[sid], now)
	}
	e.mu.Unlock()

	for _, sid := range order {
		e.notify(ChangeMessages, sid)
	}
}

// ApplyMessageUpdated implements dispatch.Content.
func (e *Engine) ApplyMessageUpdated(info models.MessageInfo) {
	sid := info.SessionID
	e.mu.Lock()
	msgs, res := reconcile.ApplyMessageUpdated(e.messages[sid], info)
	e.messages[sid] = msgs
	e.mu.Unlock()

	switch res.Action {
	case reconcile.Discarded:
		e.log.Debug("stale message update discarded", "session", sid, "message", info.ID)
		return
	case reconcile.Adopted:
		e.log.Debug("temporary message confirmed", "session", sid, "from", res.AdoptedFrom, "to", info.ID)
	}
	if len(res.Consumed) > 0 {
		e.log.Debug("temporary messages superseded", "session", sid, "ids", res.Consumed)
	}
	if res.Terminal && e.Status.Close(sid) {
		e.notify(ChangeStatus, sid)
	}
	e.notify(ChangeMessages, sid)
}

// RemoveMessage implements dispatch.Content.
func (e *Engine) RemoveMessage(sessionID, messageID string) {
	e.mu.Lock()
	e.messages[sessionID] = reconcile.RemoveMessages(e.messages[sessionID], messageID)
	e.mu.Unlock()
	e.notify(ChangeMessages, sessionID)
}

// RemovePart implements dispatch.Content.
func (e *Engine) RemovePart(sessionID, messageID, partID string) {
	e.mu.Lock()
	e.messages[sessionID] = reconcile.RemovePart(e.messages[sessionID], messageID, partID)
	e.mu.Unlock()
	e.notify(ChangeMessages, sessionID)
}

// SessionError implements dispatch.Content. A user abort ends the run
// without surfacing an error.
func (e *Engine) SessionError(sessionID string, err *models.MessageError) {
	e.mu.Lock()
	e.messages[sessionID] = reconcile.StripPlaceholders(e.messages[sessionID], sessionID)
	e.mu.Unlock()
	e.notify(ChangeMessages, sessionID)

	if err == nil || err.Aborted() {
		e.log.Debug("run ended", "session", sessionID, "aborted", err.Aborted())
		return
	}
	e.setError(sessionID, &RunError{SessionID: sessionID, Err: err})
}

// SessionDeleted implements dispatch.Content.
func (e *Engine) SessionDeleted(sessionID string) {
	e.forget(sessionID)
}

// SetTodos implements dispatch.Content.
func (e *Engine) SetTodos(sessionID string, todos []models.Todo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.todos[sessionID] = todos
}

func (e *Engine) forget(sessionID string) {
	e.mu.Lock()
	delete(e.messages, sessionID)
	delete(e.todos, sessionID)
	delete(e.tracked, sessionID)
	delete(e.lastErr, sessionID)
	e.mu.Unlock()
}
