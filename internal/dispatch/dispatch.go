// Package dispatch routes decoded stream events to the component that owns
// their state.
package dispatch

import (
	"log/slog"

	"github.com/joescharf/chatsync/internal/batch"
	"github.com/joescharf/chatsync/internal/events"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/reconcile"
	"github.com/joescharf/chatsync/internal/registry"
	"github.com/joescharf/chatsync/internal/requests"
	"github.com/joescharf/chatsync/internal/status"
)

// Router supplies the routing state current at the moment of dispatch.
type Router interface {
	ActiveSession() string
	IsTracked(sessionID string) bool
	Track(sessionID string)
}

// Content applies message-level changes to the owner of the message lists.
type Content interface {
	ApplyMessageUpdated(info models.MessageInfo)
	RemoveMessage(sessionID, messageID string)
	RemovePart(sessionID, messageID, partID string)
	SessionError(sessionID string, err *models.MessageError)
	SessionDeleted(sessionID string)
	SetTodos(sessionID string, todos []models.Todo)
}

// Deps are the components events are routed to.
type Deps struct {
	// Directory limits dispatch to events of one directory; empty accepts all.
	Directory   string
	Router      Router
	Content     Content
	Batcher     *batch.Batcher
	Registry    *registry.Registry
	Status      *status.Tracker
	Permissions *requests.Tracker[models.PermissionRequest]
	Questions   *requests.Tracker[models.QuestionRequest]
	Logger      *slog.Logger
}

// Dispatcher never blocks on I/O. It must be driven from one goroutine so
// per-session event order is kept.
type Dispatcher struct {
	d   Deps
	log *slog.Logger
}

// New creates a Dispatcher.
func New(d Deps) *Dispatcher {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{d: d, log: log}
}

// DispatchRaw decodes one stream frame and dispatches it.
func (p *Dispatcher) DispatchRaw(raw []byte) (events.Envelope, bool, error) {
	env, err := events.Decode(raw)
	if err != nil {
		return env, false, err
	}
	return env, p.Dispatch(env), nil
}

// Dispatch applies env and reports whether it changed any state.
func (p *Dispatcher) Dispatch(env events.Envelope) bool {
	if p.d.Directory != "" && env.Directory != "" && env.Directory != p.d.Directory {
		p.log.Debug("event for other directory ignored", "type", env.Event.Kind(), "directory", env.Directory)
		return false
	}

	switch ev := env.Event.(type) {
	case events.ServerConnected, events.Unknown, nil:
		return false
	case events.SessionInfo:
		return p.session(ev)
	}

	sid := env.Event.SessionID()
	if sid == "" {
		sid = p.d.Router.ActiveSession()
	}
	if !p.routed(sid) {
		p.log.Debug("event for untracked session ignored", "type", env.Event.Kind(), "session", sid)
		return false
	}

	switch ev := env.Event.(type) {
	case events.PartUpdated:
		part := ev.Part
		part.SessionID = sid
		p.d.Batcher.Add(reconcile.PartUpdate{Part: part, Delta: ev.Delta})
	case events.PartRemoved:
		p.d.Batcher.Flush()
		p.d.Content.RemovePart(sid, ev.MessageID, ev.PartID)
	case events.MessageUpdated:
		p.d.Batcher.Flush()
		info := ev.Info
		info.SessionID = sid
		p.d.Content.ApplyMessageUpdated(info)
	case events.MessageRemoved:
		p.d.Batcher.Flush()
		p.d.Content.RemoveMessage(sid, ev.MessageID)
	case events.SessionStatus:
		if !ev.Status.Busy() {
			p.d.Batcher.Flush()
		}
		p.d.Status.Apply(sid, ev.Status)
	case events.SessionError:
		p.d.Batcher.Flush()
		p.d.Status.Close(sid)
		p.d.Content.SessionError(sid, ev.Error)
	case events.PermissionAsked:
		if !p.d.Permissions.Add(ev.Request) {
			p.log.Debug("duplicate permission request", "id", ev.Request.ID)
			return false
		}
	case events.PermissionReplied:
		p.d.Permissions.Remove(ev.RequestID, sid)
	case events.QuestionAsked:
		if !p.d.Questions.Add(ev.Request) {
			p.log.Debug("duplicate question request", "id", ev.Request.ID)
			return false
		}
	case events.QuestionReplied:
		p.d.Questions.Remove(ev.RequestID, sid)
	case events.QuestionRejected:
		p.d.Questions.Remove(ev.RequestID, sid)
	case events.TodoUpdated:
		p.d.Content.SetTodos(sid, ev.Todos)
	default:
		return false
	}
	return true
}

func (p *Dispatcher) routed(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return sessionID == p.d.Router.ActiveSession() || p.d.Router.IsTracked(sessionID)
}

// session handles lifecycle events, which update the registry for any
// session in scope and start tracking sub-sessions of routed sessions.
func (p *Dispatcher) session(ev events.SessionInfo) bool {
	switch ev.Kind() {
	case events.KindSessionDeleted:
		p.d.Registry.Remove(ev.Info.ID)
		p.d.Status.Close(ev.Info.ID)
		p.d.Permissions.ClearSession(ev.Info.ID)
		p.d.Questions.ClearSession(ev.Info.ID)
		p.d.Content.SessionDeleted(ev.Info.ID)
	default:
		p.d.Registry.Upsert(ev.Info)
		if ev.Info.ParentID != "" && !p.d.Router.IsTracked(ev.Info.ID) && p.routed(ev.Info.ParentID) {
			p.log.Debug("tracking sub-session", "session", ev.Info.ID, "parent", ev.Info.ParentID)
			p.d.Router.Track(ev.Info.ID)
		}
	}
	return true
}
