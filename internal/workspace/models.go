// Package workspace holds the authoritative in-memory workspace and
// conversation model of a Pylon.
package workspace

import (
	"time"

	"github.com/estelle/pylon/internal/identity"
)

// DefaultConversationName is the name given to auto-created conversations.
const DefaultConversationName = "새 대화"

// Status is the lifecycle state of a conversation's assistant session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusWaiting    Status = "waiting"
	StatusPermission Status = "permission"
)

// PermissionMode controls how tool permission requests are answered.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypass"
)

// ValidPermissionMode reports whether m is one of the known modes.
func ValidPermissionMode(m PermissionMode) bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass:
		return true
	}
	return false
}

// LinkedDocument is a file path attached to a conversation for context
// injection. Paths are stored normalized (host separators, trimmed).
type LinkedDocument struct {
	Path    string    `json:"path"`
	AddedAt time.Time `json:"addedAt"`
}

// Conversation is a single assistant conversation within a workspace.
type Conversation struct {
	ID                 identity.ConversationID `json:"conversationId"`
	Name               string                  `json:"name"`
	AssistantSessionID string                  `json:"assistantSessionId,omitempty"`
	Status             Status                  `json:"status"`
	Unread             bool                    `json:"unread"`
	PermissionMode     PermissionMode          `json:"permissionMode"`
	LinkedDocuments    []LinkedDocument        `json:"linkedDocuments"`
	CustomSystemPrompt string                  `json:"customSystemPrompt,omitempty"`
	CreatedAt          time.Time               `json:"createdAt"`
}

// Workspace groups conversations under a working directory.
// Insertion order of Conversations is user-visible.
type Workspace struct {
	ID            int                     `json:"workspaceId"`
	Name          string                  `json:"name"`
	WorkingDir    string                  `json:"workingDir"`
	Conversations []*Conversation         `json:"conversations"`
	ActiveConv    identity.ConversationID `json:"activeConversationId,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	LastUsed      time.Time               `json:"lastUsed"`

	// IsActive is set on copies returned by the store.
	IsActive bool `json:"isActive"`
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.LinkedDocuments = append([]LinkedDocument(nil), c.LinkedDocuments...)
	return &cp
}

func (w *Workspace) clone() *Workspace {
	cp := *w
	cp.Conversations = make([]*Conversation, len(w.Conversations))
	for i, c := range w.Conversations {
		cp.Conversations[i] = c.clone()
	}
	return &cp
}
