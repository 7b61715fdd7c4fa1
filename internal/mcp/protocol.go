// Package mcp implements the loopback TCP bridge through which tool
// processes mutate their owning conversation: link documents, send files,
// spawn sibling conversations, set prompts, create shares, trigger deploys.
//
// Wire discipline matches the beacon: one JSON object per request, UTF-8.
// Requests address a conversation either directly by conversationId or
// indirectly by toolUseId via the lookup_and_* action prefix.
package mcp

import (
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/workspace"
)

// Request is a single bridge request.
type Request struct {
	Action string `json:"action"`

	// Conversation addressing: one of the two.
	ConversationID identity.ConversationID `json:"conversationId,omitempty"`
	ToolUseID      string                  `json:"toolUseId,omitempty"`

	// link / unlink / send_file
	Path string `json:"path,omitempty"`

	// create_conversation / rename_conversation / delete_conversation
	// (name doubles as the case-insensitive delete target)
	Name  string   `json:"name,omitempty"`
	Files []string `json:"files,omitempty"`

	// delete_conversation by id
	TargetConversationID identity.ConversationID `json:"targetConversationId,omitempty"`

	// set_system_prompt
	Content string `json:"content,omitempty"`

	// send_file
	Description string `json:"description,omitempty"`

	// deploy
	Target string `json:"target,omitempty"`

	// share_validate / share_delete / share_history
	ShareID string `json:"shareId,omitempty"`
}

// Response is a single bridge response. Success is always present; the
// remaining fields are action-specific.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// link / unlink / list
	Docs []workspace.LinkedDocument `json:"docs,omitempty"`

	// send_file
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`

	// get_status / create_conversation
	Environment     string                     `json:"environment,omitempty"`
	Version         string                     `json:"version,omitempty"`
	Workspace       string                     `json:"workspace,omitempty"`
	ConversationID  identity.ConversationID    `json:"conversationId,omitempty"`
	LinkedDocuments []workspace.LinkedDocument `json:"linkedDocuments,omitempty"`

	// set_system_prompt
	NewSession bool `json:"newSession,omitempty"`

	// share_create / share_validate
	ShareID string `json:"shareId,omitempty"`
	URL     string `json:"url,omitempty"`

	// share_history
	Messages []*messages.Message `json:"messages,omitempty"`

	// deploy
	Target string `json:"target,omitempty"`
	Output string `json:"output,omitempty"`
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg}
}
