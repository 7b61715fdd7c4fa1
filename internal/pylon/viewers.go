package pylon

import (
	"sync"

	"github.com/estelle/pylon/internal/identity"
)

// viewerRegistry tracks which client devices are currently viewing which
// conversation. Fan-out reads dominate, so it uses a readers-writer lock;
// only select/deselect/disconnect take the writer side.
type viewerRegistry struct {
	mu      sync.RWMutex
	viewers map[identity.ConversationID]map[int]struct{}
}

func newViewerRegistry() *viewerRegistry {
	return &viewerRegistry{viewers: make(map[identity.ConversationID]map[int]struct{})}
}

// add registers deviceID as a viewer of the conversation.
func (v *viewerRegistry) add(id identity.ConversationID, deviceID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set, ok := v.viewers[id]
	if !ok {
		set = make(map[int]struct{})
		v.viewers[id] = set
	}
	set[deviceID] = struct{}{}
}

// remove deregisters deviceID from the conversation.
func (v *viewerRegistry) remove(id identity.ConversationID, deviceID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if set, ok := v.viewers[id]; ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(v.viewers, id)
		}
	}
}

// removeDevice drops every viewer membership of deviceID.
func (v *viewerRegistry) removeDevice(deviceID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for cid, set := range v.viewers {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(v.viewers, cid)
		}
	}
}

// of returns the current viewers of the conversation, in stable order.
func (v *viewerRegistry) of(id identity.ConversationID) []int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	set := v.viewers[id]
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for deviceID := range set {
		out = append(out, deviceID)
	}
	return out
}

// count returns the number of viewers of the conversation.
func (v *viewerRegistry) count(id identity.ConversationID) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.viewers[id])
}
