// Package beacon implements the loopback TCP service that resolves
// toolUseId to conversation context, letting tool processes route their
// follow-up calls to the MCP bridge.
//
// Wire discipline: one JSON object per line, UTF-8, newline terminated.
package beacon

import (
	"encoding/json"

	"github.com/estelle/pylon/internal/identity"
)

// Request is a single beacon request line.
type Request struct {
	Action string `json:"action"`

	// register
	PylonID int             `json:"pylonId,omitempty"`
	McpHost string          `json:"mcpHost,omitempty"`
	McpPort int             `json:"mcpPort,omitempty"`
	Env     json.RawMessage `json:"env,omitempty"`

	// query (legacy adapter path)
	ConversationID identity.ConversationID `json:"conversationId,omitempty"`
	Options        json.RawMessage         `json:"options,omitempty"`

	// lookup
	ToolUseID string `json:"toolUseId,omitempty"`
}

// Response is a single beacon response line.
type Response struct {
	Success        bool                    `json:"success"`
	Error          string                  `json:"error,omitempty"`
	ConversationID identity.ConversationID `json:"conversationId,omitempty"`
	McpHost        string                  `json:"mcpHost,omitempty"`
	McpPort        int                     `json:"mcpPort,omitempty"`
	Raw            json.RawMessage         `json:"raw,omitempty"`
	Result         json.RawMessage         `json:"result,omitempty"`
}
