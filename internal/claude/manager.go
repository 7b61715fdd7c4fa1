package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/workspace"
)

// ToolRegistry is the beacon-side registration surface: every tool
// invocation is announced when it begins and withdrawn when it ends.
type ToolRegistry interface {
	RegisterTool(toolUseID string, id identity.ConversationID, raw json.RawMessage)
	UnregisterTool(toolUseID string)
}

// eventBuffer bounds the manager's outgoing event channel. The router is a
// dedicated consumer, so sends block rather than drop when it falls behind.
const eventBuffer = 256

// Manager owns every assistant session of the Pylon, keyed by conversation.
// It hands out a single merged event channel; per-conversation ordering is
// preserved because each session emits sequentially.
type Manager struct {
	launcher   Launcher
	workspaces *workspace.Store
	registry   ToolRegistry
	logger     *logger.Logger

	onSessionID func(identity.ConversationID, string)

	mu       sync.Mutex
	sessions map[identity.ConversationID]*Session
	events   chan Event
}

// NewManager creates a session manager. registry may be nil when no beacon
// is wired (tests).
func NewManager(launcher Launcher, workspaces *workspace.Store, registry ToolRegistry, log *logger.Logger) *Manager {
	return &Manager{
		launcher:   launcher,
		workspaces: workspaces,
		registry:   registry,
		logger:     log.WithComponent("claude_manager"),
		sessions:   make(map[identity.ConversationID]*Session),
		events:     make(chan Event, eventBuffer),
	}
}

// SetOnSessionID registers the callback receiving the opaque session handle
// the subprocess announces at startup.
func (m *Manager) SetOnSessionID(fn func(identity.ConversationID, string)) {
	m.onSessionID = fn
}

// Events returns the merged event stream of all sessions.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	m.events <- ev
}

// SendMessage forwards a user turn to the conversation's session, starting
// one if needed. The caller appends the user message to its log first.
func (m *Manager) SendMessage(id identity.ConversationID, text string, attachments []string) error {
	session, err := m.getOrStartSession(id)
	if err != nil {
		return err
	}

	st := Event{Type: EventState, ConversationID: id, Status: StateWorking}
	m.emit(st)

	return session.sendUserMessage(composePrompt(text, attachments))
}

func composePrompt(text string, attachments []string) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, path := range attachments {
		fmt.Fprintf(&b, "\n\n[Attached file: %s]", path)
	}
	return b.String()
}

// NotifyFileAttachment publishes a file a tool process sent through the
// bridge into the conversation's event stream, where it is logged and
// fanned out like any assistant event.
func (m *Manager) NotifyFileAttachment(id identity.ConversationID, file messages.FileAttachment) {
	m.emit(Event{Type: EventFileAttachment, ConversationID: id, File: &file})
}

// Stop cancels the in-flight turn; the session stays alive.
func (m *Manager) Stop(id identity.ConversationID) error {
	session := m.session(id)
	if session == nil {
		return apperrors.NotFound("session", id.String())
	}
	return session.stopTurn()
}

// NewSession hard-terminates the conversation's session so the next turn
// starts fresh. A conversation without a live session is a no-op.
func (m *Manager) NewSession(id identity.ConversationID) error {
	m.mu.Lock()
	session := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if session == nil {
		return nil
	}
	session.terminate("session_ended")
	return nil
}

// RespondPermission fulfills the pending permission request of a session.
func (m *Manager) RespondPermission(id identity.ConversationID, toolUseID, decision, message string) error {
	session := m.session(id)
	if session == nil {
		return apperrors.NotFound("session", id.String())
	}
	return session.respondPermission(toolUseID, decision, message)
}

// RespondQuestion fulfills the pending question of a session.
func (m *Manager) RespondQuestion(id identity.ConversationID, toolUseID, answer string) error {
	session := m.session(id)
	if session == nil {
		return apperrors.NotFound("session", id.String())
	}
	return session.respondQuestion(toolUseID, answer)
}

// Cleanup terminates every session deterministically.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[identity.ConversationID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.terminate("session_ended")
	}
	m.logger.Info("all assistant sessions terminated", zap.Int("count", len(sessions)))
}

// ActiveSessions returns the conversations with a live session.
func (m *Manager) ActiveSessions() []identity.ConversationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]identity.ConversationID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) session(id identity.ConversationID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) getOrStartSession(id identity.ConversationID) (*Session, error) {
	m.mu.Lock()
	if session, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	conv := m.workspaces.GetConversation(id)
	if conv == nil {
		return nil, apperrors.NotFound("conversation", id.String())
	}
	ws := m.workspaces.GetWorkspace(id.WorkspaceID())

	opts := SessionOptions{
		SystemPrompt:    conv.CustomSystemPrompt,
		PermissionMode:  conv.PermissionMode,
		ResumeSessionID: conv.AssistantSessionID,
	}
	if ws != nil {
		opts.WorkingDir = ws.WorkingDir
	}
	for _, doc := range conv.LinkedDocuments {
		opts.LinkedDocuments = append(opts.LinkedDocuments, doc.Path)
	}

	proc, err := m.launcher(opts)
	if err != nil {
		return nil, apperrors.Upstream("failed to start assistant session", err)
	}

	session := newSession(id, proc, m.registry, m.emit, m.dropSession, m.onSessionID, m.logger)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		// Lost a start race; keep the first session.
		m.mu.Unlock()
		session.terminate("session_ended")
		return existing, nil
	}
	m.sessions[id] = session
	m.mu.Unlock()

	m.logger.Info("assistant session started", zap.String("conversation_id", id.String()))
	return session, nil
}

// dropSession removes a crashed session so the next turn starts fresh.
func (m *Manager) dropSession(id identity.ConversationID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
