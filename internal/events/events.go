// Package events defines the closed set of typed events delivered over the
// server's event stream and decodes raw stream frames into them.
package events

import "github.com/joescharf/chatsync/internal/models"

// Kind is the payload type discriminator.
type Kind string

const (
	KindServerConnected   Kind = "server.connected"
	KindPartUpdated       Kind = "message.part.updated"
	KindPartRemoved       Kind = "message.part.removed"
	KindMessageUpdated    Kind = "message.updated"
	KindMessageRemoved    Kind = "message.removed"
	KindSessionStatus     Kind = "session.status"
	KindSessionCreated    Kind = "session.created"
	KindSessionUpdated    Kind = "session.updated"
	KindSessionDeleted    Kind = "session.deleted"
	KindSessionError      Kind = "session.error"
	KindPermissionAsked   Kind = "permission.asked"
	KindPermissionReplied Kind = "permission.replied"
	KindQuestionAsked     Kind = "question.asked"
	KindQuestionReplied   Kind = "question.replied"
	KindQuestionRejected  Kind = "question.rejected"
	KindTodoUpdated       Kind = "todo.updated"
)

// Event is implemented by every decoded event. SessionID is the session that
// owns the event, or "" when the event is not session scoped.
type Event interface {
	Kind() Kind
	SessionID() string
}

// Envelope is one decoded stream frame.
type Envelope struct {
	Directory string
	Event     Event
}

type ServerConnected struct{}

func (ServerConnected) Kind() Kind        { return KindServerConnected }
func (ServerConnected) SessionID() string { return "" }

// PartUpdated carries the latest full part and, for text-like parts, the
// incremental text appended since the previous update.
type PartUpdated struct {
	Part  models.Part `json:"part"`
	Delta string      `json:"delta,omitempty"`
}

func (PartUpdated) Kind() Kind          { return KindPartUpdated }
func (e PartUpdated) SessionID() string { return e.Part.SessionID }

type PartRemoved struct {
	Session   string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

func (PartRemoved) Kind() Kind          { return KindPartRemoved }
func (e PartRemoved) SessionID() string { return e.Session }

type MessageUpdated struct {
	Info models.MessageInfo `json:"info"`
}

func (MessageUpdated) Kind() Kind          { return KindMessageUpdated }
func (e MessageUpdated) SessionID() string { return e.Info.SessionID }

type MessageRemoved struct {
	Session   string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (MessageRemoved) Kind() Kind          { return KindMessageRemoved }
func (e MessageRemoved) SessionID() string { return e.Session }

type SessionStatus struct {
	Session string               `json:"sessionID"`
	Status  models.SessionStatus `json:"status"`
}

func (SessionStatus) Kind() Kind          { return KindSessionStatus }
func (e SessionStatus) SessionID() string { return e.Session }

// SessionInfo is shared by session.created, session.updated, and session.deleted.
type SessionInfo struct {
	kind Kind
	Info models.Session `json:"info"`
}

func (e SessionInfo) Kind() Kind        { return e.kind }
func (e SessionInfo) SessionID() string { return e.Info.ID }

// SessionError reports a failed run. Session may be empty for server-wide errors.
type SessionError struct {
	Session string               `json:"sessionID,omitempty"`
	Error   *models.MessageError `json:"error,omitempty"`
}

func (SessionError) Kind() Kind          { return KindSessionError }
func (e SessionError) SessionID() string { return e.Session }

type PermissionAsked struct {
	Request models.PermissionRequest
}

func (PermissionAsked) Kind() Kind          { return KindPermissionAsked }
func (e PermissionAsked) SessionID() string { return e.Request.SessionID }

type PermissionReplied struct {
	Session   string                 `json:"sessionID"`
	RequestID string                 `json:"requestID"`
	Reply     models.PermissionReply `json:"reply"`
}

func (PermissionReplied) Kind() Kind          { return KindPermissionReplied }
func (e PermissionReplied) SessionID() string { return e.Session }

type QuestionAsked struct {
	Request models.QuestionRequest
}

func (QuestionAsked) Kind() Kind          { return KindQuestionAsked }
func (e QuestionAsked) SessionID() string { return e.Request.SessionID }

type QuestionReplied struct {
	Session   string     `json:"sessionID"`
	RequestID string     `json:"requestID"`
	Answers   [][]string `json:"answers,omitempty"`
}

func (QuestionReplied) Kind() Kind          { return KindQuestionReplied }
func (e QuestionReplied) SessionID() string { return e.Session }

type QuestionRejected struct {
	Session   string `json:"sessionID"`
	RequestID string `json:"requestID"`
}

func (QuestionRejected) Kind() Kind          { return KindQuestionRejected }
func (e QuestionRejected) SessionID() string { return e.Session }

type TodoUpdated struct {
	Session string        `json:"sessionID"`
	Todos   []models.Todo `json:"todos"`
}

func (TodoUpdated) Kind() Kind          { return KindTodoUpdated }
func (e TodoUpdated) SessionID() string { return e.Session }

// Unknown is any event type this client does not handle. It is kept so
// callers can log it; dispatch ignores it.
type Unknown struct {
	Type string
}

func (e Unknown) Kind() Kind        { return Kind(e.Type) }
func (Unknown) SessionID() string { return "" }

// NewSessionInfo builds a session lifecycle event of the given kind.
func NewSessionInfo(kind Kind, info models.Session) SessionInfo {
	return SessionInfo{kind: kind, Info: info}
}
