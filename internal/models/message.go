package models

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageTime holds message timestamps in Unix milliseconds.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef identifies a provider model.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// String renders the ref as "provider/model", the form slash commands expect.
func (m ModelRef) String() string {
	if m.ProviderID == "" {
		return m.ModelID
	}
	return m.ProviderID + "/" + m.ModelID
}

// ModelSelection is the model, variant, and agent in effect for a send.
type ModelSelection struct {
	Model   ModelRef `json:"model"`
	Variant string   `json:"variant,omitempty"`
	Agent   string   `json:"agent,omitempty"`
}

// Tokens summarises token usage.
type Tokens struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage summarises prompt-cache usage.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError is the typed error attached to a failed assistant message or
// carried by a session.error event. Name discriminates the kind.
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData carries the optional human-readable detail.
type MessageErrorData struct {
	Message string `json:"message,omitempty"`
}

// ErrorNameAborted is reported when the user cancelled the running message.
const ErrorNameAborted = "MessageAbortedError"

// Aborted reports whether the error denotes user-initiated cancellation.
func (e *MessageError) Aborted() bool {
	return e != nil && e.Name == ErrorNameAborted
}

// Detail returns the best available human-readable description.
func (e *MessageError) Detail() string {
	if e == nil {
		return ""
	}
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Name
}

// MessageInfo is the metadata record of a message.
type MessageInfo struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       Role          `json:"role"`
	Time       MessageTime   `json:"time"`
	ParentID   string        `json:"parentID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Model      *ModelRef     `json:"model,omitempty"`
	Agent      string        `json:"agent,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *Tokens       `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
	Finish     string        `json:"finish,omitempty"`
}

// Terminal reports whether an assistant message has finished, successfully or not.
func (i MessageInfo) Terminal() bool {
	return i.Role == RoleAssistant && (i.Time.Completed != nil || i.Error != nil)
}

// Message is a message record plus its ordered parts. Part order is render order.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`

	// Shell is set on a message synthesized locally because its parts arrived
	// before its metadata.
	Shell bool `json:"-"`
}

// Text concatenates the visible text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText && !p.Ignored {
			out += p.Text
		}
	}
	return out
}

// Clone returns a copy whose parts slice can be mutated independently.
func (m Message) Clone() Message {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	return m
}
