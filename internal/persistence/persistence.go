// Package persistence is the only file-system touchpoint of the Pylon core.
// It stores the workspace snapshot and the per-conversation message logs.
package persistence

import (
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
)

// Persistence is the durable storage contract consumed by the Pylon.
type Persistence interface {
	// SaveWorkspaceSnapshot stores the full WorkspaceStore snapshot.
	SaveWorkspaceSnapshot(data []byte) error

	// LoadWorkspaceSnapshot returns the stored snapshot, or nil when none
	// exists yet.
	LoadWorkspaceSnapshot() ([]byte, error)

	// SaveMessageSession stores one conversation's full message log.
	SaveMessageSession(id identity.ConversationID, msgs []*messages.Message) error

	// LoadMessageSession returns one conversation's message log, or nil
	// when none exists.
	LoadMessageSession(id identity.ConversationID) ([]*messages.Message, error)

	// DeleteMessageSession removes a conversation's stored log.
	DeleteMessageSession(id identity.ConversationID) error

	// FlushAll forces any buffered state to durable storage.
	FlushAll() error

	// Close releases the underlying storage.
	Close() error
}
