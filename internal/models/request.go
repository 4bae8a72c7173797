package models

// ToolRef correlates a side-channel request with the tool part awaiting a decision.
type ToolRef struct {
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
}

// PermissionRequest asks the user to allow a tool action.
type PermissionRequest struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns,omitempty"`
	Always     []string       `json:"always,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tool       *ToolRef       `json:"tool,omitempty"`
	Directory  string         `json:"-"`
}

// RequestID implements requests.Request.
func (r PermissionRequest) RequestID() string { return r.ID }

// RequestSession implements requests.Request.
func (r PermissionRequest) RequestSession() string { return r.SessionID }

// PermissionReply is the user's decision on a permission request.
type PermissionReply string

const (
	PermissionOnce   PermissionReply = "once"
	PermissionAlways PermissionReply = "always"
	PermissionReject PermissionReply = "reject"
)

// Valid reports whether r is one of the known replies.
func (r PermissionReply) Valid() bool {
	switch r {
	case PermissionOnce, PermissionAlways, PermissionReject:
		return true
	}
	return false
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single prompt within a question request.
type Question struct {
	Question string           `json:"question"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
}

// QuestionRequest asks the user one or more questions on behalf of a tool.
type QuestionRequest struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Questions []Question `json:"questions"`
	Tool      *ToolRef   `json:"tool,omitempty"`
	Directory string     `json:"-"`
}

// RequestID implements requests.Request.
func (r QuestionRequest) RequestID() string { return r.ID }

// RequestSession implements requests.Request.
func (r QuestionRequest) RequestSession() string { return r.SessionID }
