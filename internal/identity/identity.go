// Package identity defines the packed conversation identifier used across the
// Pylon. A conversation is globally identified by one integer combining the
// relay-assigned pylon id, the workspace id local to the pylon, and the
// conversation index local to the workspace.
package identity

import "fmt"

// Bit layout: pylon (7 bits) | workspace (7 bits) | conversation (12 bits).
const (
	pylonShift     = 19
	workspaceShift = 12

	MaxPylonID        = 127
	MaxWorkspaceID    = 127
	MaxConversationID = 4095
)

// ConversationID is the packed global identifier of a conversation.
type ConversationID int64

// Encode packs the three id components into a ConversationID.
// All components must be within range; Encode panics otherwise because an
// out-of-range id can only come from a programming error, never from input.
func Encode(pylonID, workspaceID, conversationID int) ConversationID {
	if pylonID < 1 || pylonID > MaxPylonID {
		panic(fmt.Sprintf("identity: pylon id %d out of range", pylonID))
	}
	if workspaceID < 1 || workspaceID > MaxWorkspaceID {
		panic(fmt.Sprintf("identity: workspace id %d out of range", workspaceID))
	}
	if conversationID < 1 || conversationID > MaxConversationID {
		panic(fmt.Sprintf("identity: conversation id %d out of range", conversationID))
	}
	return ConversationID(int64(pylonID)<<pylonShift | int64(workspaceID)<<workspaceShift | int64(conversationID))
}

// Decode unpacks a ConversationID into its components.
func Decode(id ConversationID) (pylonID, workspaceID, conversationID int) {
	return int(id >> pylonShift & MaxPylonID),
		int(id >> workspaceShift & MaxWorkspaceID),
		int(id & MaxConversationID)
}

// PylonID returns the pylon component.
func (id ConversationID) PylonID() int {
	return int(id >> pylonShift & MaxPylonID)
}

// WorkspaceID returns the workspace component.
func (id ConversationID) WorkspaceID() int {
	return int(id >> workspaceShift & MaxWorkspaceID)
}

// Local returns the conversation index local to its workspace.
func (id ConversationID) Local() int {
	return int(id & MaxConversationID)
}

// Valid reports whether every component is within its allowed range.
func (id ConversationID) Valid() bool {
	p, w, c := Decode(id)
	return p >= 1 && w >= 1 && c >= 1 && int64(id) == int64(Encode(p, w, c))
}

func (id ConversationID) String() string {
	p, w, c := Decode(id)
	return fmt.Sprintf("%d.%d.%d", p, w, c)
}
