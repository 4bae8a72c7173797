package models

import "encoding/json"

// PartType discriminates the Part variant.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeFile       PartType = "file"
	PartTypeTool       PartType = "tool"
	PartTypeStepStart  PartType = "step-start"
	PartTypeStepFinish PartType = "step-finish"
)

// ToolStatus is the state of a tool call: pending -> running -> completed | error.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// ToolState carries tool-specific input, output, and metadata for the current status.
type ToolState struct {
	Status   ToolStatus      `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Time     *PartTime       `json:"time,omitempty"`
}

// Terminal reports whether the tool call has completed or failed.
func (s ToolState) Terminal() bool {
	return s.Status == ToolStatusCompleted || s.Status == ToolStatusError
}

// PartTime is a start/end range in Unix milliseconds.
type PartTime struct {
	Start int64  `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// Part is one typed fragment of a message. Only the fields of its Type are set.
type Part struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      PartType `json:"type"`

	// text, reasoning
	Text      string    `json:"text,omitempty"`
	Ignored   bool      `json:"ignored,omitempty"`
	Synthetic bool      `json:"synthetic,omitempty"`
	Time      *PartTime `json:"time,omitempty"`

	// file
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`

	// tool
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// step-start, step-finish
	Snapshot string  `json:"snapshot,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Cost     float64 `json:"cost,omitempty"`
	Tokens   *Tokens `json:"tokens,omitempty"`
}

// TextLike reports whether the part accumulates incremental text deltas.
func (p Part) TextLike() bool {
	return p.Type == PartTypeText || p.Type == PartTypeReasoning
}
