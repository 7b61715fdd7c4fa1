package pylon

import (
	"github.com/estelle/pylon/internal/identity"
)

// Inbound envelope payloads. Every request may carry a requestId that is
// echoed in the result so peers can correlate replies.

type requestIDPayload struct {
	RequestID string `json:"requestId,omitempty"`
}

type workspaceCreatePayload struct {
	requestIDPayload
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

type workspaceRenamePayload struct {
	requestIDPayload
	WorkspaceID int    `json:"workspaceId"`
	Name        string `json:"name"`
}

type workspaceDeletePayload struct {
	requestIDPayload
	WorkspaceID int `json:"workspaceId"`
}

type workspaceReorderPayload struct {
	requestIDPayload
	WorkspaceIDs []int `json:"workspaceIds"`
}

type conversationCreatePayload struct {
	requestIDPayload
	WorkspaceID int    `json:"workspaceId"`
	Name        string `json:"name,omitempty"`
}

type conversationRenamePayload struct {
	requestIDPayload
	ConversationID identity.ConversationID `json:"conversationId"`
	Name           string                  `json:"name"`
}

type conversationIDPayload struct {
	requestIDPayload
	ConversationID identity.ConversationID `json:"conversationId"`
}

type conversationReorderPayload struct {
	requestIDPayload
	WorkspaceID     int                       `json:"workspaceId"`
	ConversationIDs []identity.ConversationID `json:"conversationIds"`
}

type conversationSelectPayload struct {
	requestIDPayload
	WorkspaceID    int                     `json:"workspaceId"`
	ConversationID identity.ConversationID `json:"conversationId"`
}

type userMessagePayload struct {
	ConversationID identity.ConversationID `json:"conversationId"`
	Text           string                  `json:"text"`
	Attachments    []string                `json:"attachments,omitempty"`
}

type permissionResponsePayload struct {
	ConversationID identity.ConversationID `json:"conversationId"`
	ToolUseID      string                  `json:"toolUseId"`
	Decision       string                  `json:"decision"` // allow | deny
	Message        string                  `json:"message,omitempty"`
}

type questionResponsePayload struct {
	ConversationID identity.ConversationID `json:"conversationId"`
	ToolUseID      string                  `json:"toolUseId"`
	Answer         string                  `json:"answer"`
}

type folderListPayload struct {
	requestIDPayload
	Path string `json:"path"`
}

type folderCreatePayload struct {
	requestIDPayload
	Path string `json:"path"`
	Name string `json:"name"`
}

type folderRenamePayload struct {
	requestIDPayload
	Path string `json:"path"`
	Name string `json:"name"`
}

type blobStartPayload struct {
	BlobID   string `json:"blobId"`
	Filename string `json:"filename"`
}

type blobChunkPayload struct {
	BlobID string `json:"blobId"`
	Data   string `json:"data"`
}

type blobEndPayload struct {
	requestIDPayload
	BlobID string `json:"blobId"`
}

type taskGetPayload struct {
	requestIDPayload
	TaskID string `json:"taskId"`
}

type taskUpdateStatusPayload struct {
	requestIDPayload
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

type clientDisconnectPayload struct {
	DeviceID int `json:"deviceId"`
}

// claudeEventPayload is the unicast event envelope sent to each viewer.
type claudeEventPayload struct {
	ConversationID identity.ConversationID `json:"conversationId"`
	Event          any                     `json:"event"`
}

// conversationStatusPayload is broadcast to all clients on state changes.
type conversationStatusPayload struct {
	ConversationID identity.ConversationID `json:"conversationId"`
	Status         string                  `json:"status"`
}

// userMessageEvent is fanned out to viewers when a user turn is accepted,
// so every viewing client renders it in stream order.
type userMessageEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
