// Package messages holds the append-only per-conversation message log.
package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Type identifies the kind of a stored message.
type Type string

const (
	TypeText           Type = "text"
	TypeToolStart      Type = "toolStart"
	TypeToolComplete   Type = "toolComplete"
	TypeResult         Type = "result"
	TypeError          Type = "error"
	TypeAborted        Type = "aborted"
	TypeFileAttachment Type = "fileAttachment"
)

// Usage is the token accounting block of a result message.
type Usage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
}

// ResultPayload carries the turn summary emitted at the end of a turn.
type ResultPayload struct {
	Subtype      string  `json:"subtype"`
	DurationMs   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        Usage   `json:"usage"`
}

// FileAttachment describes a file the assistant sent to the client.
type FileAttachment struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	FileType    string `json:"fileType"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

// Message is a single entry of a conversation's log. Exactly the fields for
// the message's Type are set.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds

	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Result    *ResultPayload  `json:"result,omitempty"`
	File      *FileAttachment `json:"file,omitempty"`
}

func newMessage(role Role, typ Type) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
	}
}
