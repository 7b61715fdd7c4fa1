package messages

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
)

// flushDebounce is the coalescing window between a mutation and the write
// to the persistence adapter, per conversation.
const flushDebounce = 2 * time.Second

// FlushFunc writes one conversation's full log to durable storage.
type FlushFunc func(id identity.ConversationID, msgs []*Message) error

// Store is the append-only message log for every conversation on a Pylon.
// Mutations schedule a debounced flush through the persistence adapter; a
// failed flush logs and keeps the in-memory state.
type Store struct {
	mu     sync.Mutex
	logs   map[identity.ConversationID][]*Message
	timers map[identity.ConversationID]*time.Timer
	fails  map[identity.ConversationID]int

	flush    FlushFunc
	onDelete func(identity.ConversationID)
	onFatal  func(error)
	logger   *logger.Logger
}

// NewStore creates a message store flushing through fn.
func NewStore(fn FlushFunc, log *logger.Logger) *Store {
	return &Store{
		logs:   make(map[identity.ConversationID][]*Message),
		timers: make(map[identity.ConversationID]*time.Timer),
		fails:  make(map[identity.ConversationID]int),
		flush:  fn,
		logger: log.WithComponent("message_store"),
	}
}

// SetOnDelete registers the callback invoked after a conversation's log is
// dropped, so the persisted copy can be removed too.
func (s *Store) SetOnDelete(fn func(identity.ConversationID)) {
	s.mu.Lock()
	s.onDelete = fn
	s.mu.Unlock()
}

// SetOnFatal registers the callback invoked when the same conversation's
// flush fails twice in a row.
func (s *Store) SetOnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

func (s *Store) append(id identity.ConversationID, msg *Message) *Message {
	s.mu.Lock()
	s.logs[id] = append(s.logs[id], msg)
	s.scheduleFlushLocked(id)
	s.mu.Unlock()
	return msg
}

// scheduleFlushLocked resets the conversation's debounce timer. Callers must
// hold s.mu.
func (s *Store) scheduleFlushLocked(id identity.ConversationID) {
	if t, ok := s.timers[id]; ok {
		t.Reset(flushDebounce)
		return
	}
	s.timers[id] = time.AfterFunc(flushDebounce, func() {
		s.flushConversation(id)
	})
}

func (s *Store) flushConversation(id identity.ConversationID) {
	s.mu.Lock()
	delete(s.timers, id)
	msgs := append([]*Message(nil), s.logs[id]...)
	fn := s.flush
	s.mu.Unlock()

	if fn == nil {
		return
	}
	if err := fn(id, msgs); err != nil {
		s.mu.Lock()
		s.fails[id]++
		failures := s.fails[id]
		onFatal := s.onFatal
		s.mu.Unlock()

		s.logger.Error("message flush failed, retaining in-memory state",
			zap.String("conversation_id", id.String()),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		if failures >= 2 && onFatal != nil {
			onFatal(apperrors.Fatal("message persistence failed twice in a row", err))
		}
		return
	}
	s.mu.Lock()
	s.fails[id] = 0
	s.mu.Unlock()
}

// AddUserMessage appends a user text message.
func (s *Store) AddUserMessage(id identity.ConversationID, text string) *Message {
	msg := newMessage(RoleUser, TypeText)
	msg.Text = text
	return s.append(id, msg)
}

// AddAssistantText appends a completed assistant text block.
func (s *Store) AddAssistantText(id identity.ConversationID, text string) *Message {
	msg := newMessage(RoleAssistant, TypeText)
	msg.Text = text
	return s.append(id, msg)
}

// AddToolStart appends a tool invocation start marker.
func (s *Store) AddToolStart(id identity.ConversationID, toolUseID, toolName string, input json.RawMessage) *Message {
	msg := newMessage(RoleAssistant, TypeToolStart)
	msg.ToolUseID = toolUseID
	msg.ToolName = toolName
	msg.ToolInput = input
	return s.append(id, msg)
}

// AddToolComplete appends a tool invocation completion.
func (s *Store) AddToolComplete(id identity.ConversationID, toolUseID, toolName string, success bool, output string) *Message {
	msg := newMessage(RoleAssistant, TypeToolComplete)
	msg.ToolUseID = toolUseID
	msg.ToolName = toolName
	msg.Success = &success
	if success {
		msg.Output = output
	} else {
		msg.Error = output
	}
	return s.append(id, msg)
}

// AddResult appends a turn result summary.
func (s *Store) AddResult(id identity.ConversationID, result ResultPayload) *Message {
	msg := newMessage(RoleAssistant, TypeResult)
	msg.Result = &result
	return s.append(id, msg)
}

// AddError appends an error message.
func (s *Store) AddError(id identity.ConversationID, text string) *Message {
	msg := newMessage(RoleSystem, TypeError)
	msg.Error = text
	return s.append(id, msg)
}

// AddAborted appends a turn abort marker.
func (s *Store) AddAborted(id identity.ConversationID, reason string) *Message {
	msg := newMessage(RoleSystem, TypeAborted)
	msg.Reason = reason
	return s.append(id, msg)
}

// AddFileAttachment appends a file attachment record.
func (s *Store) AddFileAttachment(id identity.ConversationID, file FileAttachment) *Message {
	msg := newMessage(RoleAssistant, TypeFileAttachment)
	msg.File = &file
	return s.append(id, msg)
}

// GetMessages returns a copy of the conversation log in timestamp order.
func (s *Store) GetMessages(id identity.ConversationID) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.logs[id]))
	for i, m := range s.logs[id] {
		cp := *m
		out[i] = &cp
	}
	return out
}

// Load replaces the conversation log with a restored history without
// scheduling a flush. Used during startup.
func (s *Store) Load(id identity.ConversationID, msgs []*Message) {
	s.mu.Lock()
	s.logs[id] = append([]*Message(nil), msgs...)
	s.mu.Unlock()
}

// MergeHistory replaces the history prefix with the external list. Local
// messages newer than the external maximum timestamp whose ids are not in
// the external set are preserved and appended; the result is re-sorted by
// timestamp (stable).
func (s *Store) MergeHistory(id identity.ConversationID, external []*Message) {
	s.mu.Lock()
	defer func() {
		s.scheduleFlushLocked(id)
		s.mu.Unlock()
	}()

	var maxExternal int64
	externalIDs := make(map[string]bool, len(external))
	for _, m := range external {
		externalIDs[m.ID] = true
		if m.Timestamp > maxExternal {
			maxExternal = m.Timestamp
		}
	}

	merged := append([]*Message(nil), external...)
	for _, m := range s.logs[id] {
		if m.Timestamp > maxExternal && !externalIDs[m.ID] {
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	s.logs[id] = merged
}

// DeleteConversation drops the log and pending flush for a conversation.
func (s *Store) DeleteConversation(id identity.ConversationID) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.logs, id)
	delete(s.fails, id)
	fn := s.onDelete
	s.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// ConversationIDs returns the ids of every conversation with a log.
func (s *Store) ConversationIDs() []identity.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]identity.ConversationID, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	return ids
}

// FlushAll cancels all pending debounce timers and flushes every
// conversation synchronously. Called on shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	ids := make([]identity.ConversationID, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.flushConversation(id)
	}
}
