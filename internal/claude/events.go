// Package claude owns the assistant sessions of a Pylon: one subprocess per
// conversation, driven over stream-json stdin/stdout, normalized into a
// closed set of events consumed by the router.
package claude

import (
	"encoding/json"

	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
)

// EventType enumerates the normalized assistant event kinds. Unknown kinds
// coming from the underlying SDK are logged and dropped before this layer.
type EventType string

const (
	EventState             EventType = "state"
	EventText              EventType = "text"
	EventTextComplete      EventType = "textComplete"
	EventToolInfo          EventType = "toolInfo"
	EventToolProgress      EventType = "toolProgress"
	EventToolComplete      EventType = "toolComplete"
	EventPermissionRequest EventType = "permissionRequest"
	EventAskQuestion       EventType = "askQuestion"
	EventResult            EventType = "result"
	EventError             EventType = "error"
	EventAborted           EventType = "aborted"
	EventUsageUpdate       EventType = "usageUpdate"
	EventFileAttachment    EventType = "fileAttachment"
)

// Session status values carried by state events.
const (
	StateIdle       = "idle"
	StateWorking    = "working"
	StateWaiting    = "waiting"
	StatePermission = "permission"
)

// QuestionOption is one selectable answer of an askQuestion event.
type QuestionOption struct {
	Label string `json:"label"`
}

// Question is a single question the assistant poses to the user.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// Event is one normalized assistant event. Type determines which of the
// optional fields are set.
type Event struct {
	Type           EventType               `json:"type"`
	ConversationID identity.ConversationID `json:"conversationId"`

	// state
	Status string `json:"status,omitempty"`

	// text / textComplete / error
	Text string `json:"text,omitempty"`

	// toolInfo / toolProgress / toolComplete / permissionRequest
	ToolUseID       string          `json:"toolUseId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	ToolInput       json.RawMessage `json:"toolInput,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	ElapsedSeconds  int             `json:"elapsedSeconds,omitempty"`
	Success         bool            `json:"success,omitempty"`
	Output          string          `json:"output,omitempty"`

	// askQuestion
	Questions []Question `json:"questions,omitempty"`

	// result / usageUpdate
	Result *messages.ResultPayload `json:"result,omitempty"`
	Usage  *messages.Usage         `json:"usage,omitempty"`

	// aborted
	Reason string `json:"reason,omitempty"`

	// fileAttachment
	File *messages.FileAttachment `json:"file,omitempty"`
}
