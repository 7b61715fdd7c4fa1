package workspace

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
)

// Store is the authoritative in-memory workspace state of a Pylon.
// The Pylon router exclusively owns the store; all methods are safe for
// concurrent use.
type Store struct {
	mu                sync.Mutex
	pylonID           int
	workspaces        []*Workspace
	activeWorkspaceID int

	onChange func()
	logger   *logger.Logger
}

// NewStore creates an empty store for the given pylon id.
func NewStore(pylonID int, log *logger.Logger) *Store {
	return &Store{
		pylonID: pylonID,
		logger:  log.WithComponent("workspace_store"),
	}
}

// SetOnChange registers the persistence hook invoked after every mutation.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// PylonID returns the relay-assigned id of this pylon.
func (s *Store) PylonID() int {
	return s.pylonID
}

// allocID returns the smallest positive integer not present in used, or 0
// when every id up to max is taken. Deleted ids become immediately eligible
// for reuse.
func allocID(used map[int]bool, max int) int {
	for id := 1; id <= max; id++ {
		if !used[id] {
			return id
		}
	}
	return 0
}

// NormalizePath trims surrounding whitespace and converts both separator
// styles to the host separator. Returns "" for empty-after-trim input.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	path = strings.ReplaceAll(path, "/", string(filepath.Separator))
	path = strings.ReplaceAll(path, "\\", string(filepath.Separator))
	return path
}

// CreateWorkspace creates a workspace with one initial conversation and
// marks both as active. Returns nil when the workspace id space is
// exhausted.
func (s *Store) CreateWorkspace(name, workingDir string) *Workspace {
	s.mu.Lock()

	used := make(map[int]bool, len(s.workspaces))
	for _, ws := range s.workspaces {
		used[ws.ID] = true
	}
	id := allocID(used, identity.MaxWorkspaceID)
	if id == 0 {
		s.mu.Unlock()
		s.logger.Warn("workspace id space exhausted", zap.String("name", name))
		return nil
	}

	now := time.Now()
	ws := &Workspace{
		ID:         id,
		Name:       name,
		WorkingDir: normalizeWorkingDir(workingDir),
		CreatedAt:  now,
		LastUsed:   now,
	}
	conv := &Conversation{
		ID:             identity.Encode(s.pylonID, id, 1),
		Name:           DefaultConversationName,
		Status:         StatusIdle,
		PermissionMode: PermissionDefault,
		CreatedAt:      now,
	}
	ws.Conversations = []*Conversation{conv}
	ws.ActiveConv = conv.ID

	s.workspaces = append(s.workspaces, ws)
	s.activeWorkspaceID = id

	out := ws.clone()
	out.IsActive = true
	s.mu.Unlock()

	s.logger.Info("workspace created", zap.Int("workspace_id", id), zap.String("name", name))
	s.notify()
	return out
}

func normalizeWorkingDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

func (s *Store) findWorkspace(id int) *Workspace {
	for _, ws := range s.workspaces {
		if ws.ID == id {
			return ws
		}
	}
	return nil
}

func (s *Store) findConversation(id identity.ConversationID) (*Workspace, *Conversation) {
	ws := s.findWorkspace(id.WorkspaceID())
	if ws == nil {
		return nil, nil
	}
	for _, c := range ws.Conversations {
		if c.ID == id {
			return ws, c
		}
	}
	return nil, nil
}

// GetWorkspace returns a copy of the workspace, or nil if missing.
func (s *Store) GetWorkspace(id int) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.findWorkspace(id)
	if ws == nil {
		return nil
	}
	out := ws.clone()
	out.IsActive = ws.ID == s.activeWorkspaceID
	return out
}

// GetAllWorkspaces returns copies of all workspaces in insertion order with
// the IsActive flag set.
func (s *Store) GetAllWorkspaces() []*Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Workspace, len(s.workspaces))
	for i, ws := range s.workspaces {
		out[i] = ws.clone()
		out[i].IsActive = ws.ID == s.activeWorkspaceID
	}
	return out
}

// ActiveWorkspaceID returns the id of the active workspace, or 0 when none.
func (s *Store) ActiveWorkspaceID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeWorkspaceID
}

// RenameWorkspace renames a workspace. Returns false if the workspace is
// missing or the name is empty after trimming.
func (s *Store) RenameWorkspace(id int, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	ws := s.findWorkspace(id)
	if ws == nil {
		s.mu.Unlock()
		return false
	}
	ws.Name = name
	s.mu.Unlock()
	s.notify()
	return true
}

// WorkspacePatch carries optional workspace field updates.
type WorkspacePatch struct {
	Name       *string `json:"name,omitempty"`
	WorkingDir *string `json:"workingDir,omitempty"`
}

// UpdateWorkspace applies a patch to a workspace.
func (s *Store) UpdateWorkspace(id int, patch WorkspacePatch) bool {
	s.mu.Lock()
	ws := s.findWorkspace(id)
	if ws == nil {
		s.mu.Unlock()
		return false
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			s.mu.Unlock()
			return false
		}
		ws.Name = name
	}
	if patch.WorkingDir != nil {
		ws.WorkingDir = normalizeWorkingDir(*patch.WorkingDir)
	}
	ws.LastUsed = time.Now()
	s.mu.Unlock()
	s.notify()
	return true
}

// DeleteWorkspace removes a workspace. If it was active the first remaining
// workspace is promoted; deleting the last workspace clears the selection.
func (s *Store) DeleteWorkspace(id int) bool {
	s.mu.Lock()
	idx := -1
	for i, ws := range s.workspaces {
		if ws.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.workspaces = append(s.workspaces[:idx], s.workspaces[idx+1:]...)
	if s.activeWorkspaceID == id {
		if len(s.workspaces) > 0 {
			s.activeWorkspaceID = s.workspaces[0].ID
		} else {
			s.activeWorkspaceID = 0
		}
	}
	s.mu.Unlock()
	s.logger.Info("workspace deleted", zap.Int("workspace_id", id))
	s.notify()
	return true
}

// ReorderWorkspaces applies a new ordering. The id list must be a
// permutation of the existing workspace ids.
func (s *Store) ReorderWorkspaces(ids []int) bool {
	s.mu.Lock()
	if len(ids) != len(s.workspaces) {
		s.mu.Unlock()
		return false
	}
	byID := make(map[int]*Workspace, len(s.workspaces))
	for _, ws := range s.workspaces {
		byID[ws.ID] = ws
	}
	reordered := make([]*Workspace, 0, len(ids))
	for _, id := range ids {
		ws, ok := byID[id]
		if !ok {
			s.mu.Unlock()
			return false
		}
		delete(byID, id)
		reordered = append(reordered, ws)
	}
	s.workspaces = reordered
	s.mu.Unlock()
	s.notify()
	return true
}

// CreateConversation creates a conversation in the workspace and makes it
// the workspace's active conversation. Returns nil if the workspace is
// missing or its conversation id space is exhausted.
func (s *Store) CreateConversation(workspaceID int, name string) *Conversation {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultConversationName
	}
	s.mu.Lock()
	ws := s.findWorkspace(workspaceID)
	if ws == nil {
		s.mu.Unlock()
		return nil
	}
	used := make(map[int]bool, len(ws.Conversations))
	for _, c := range ws.Conversations {
		used[c.ID.Local()] = true
	}
	local := allocID(used, identity.MaxConversationID)
	if local == 0 {
		s.mu.Unlock()
		s.logger.Warn("conversation id space exhausted", zap.Int("workspace_id", workspaceID))
		return nil
	}

	conv := &Conversation{
		ID:             identity.Encode(s.pylonID, workspaceID, local),
		Name:           name,
		Status:         StatusIdle,
		PermissionMode: PermissionDefault,
		CreatedAt:      time.Now(),
	}
	ws.Conversations = append(ws.Conversations, conv)
	ws.ActiveConv = conv.ID
	ws.LastUsed = time.Now()
	out := conv.clone()
	s.mu.Unlock()

	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID.String()))
	s.notify()
	return out
}

// GetConversation returns a copy of the conversation, or nil if missing.
func (s *Store) GetConversation(id identity.ConversationID) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversation(id)
	if conv == nil {
		return nil
	}
	return conv.clone()
}

// RenameConversation renames a conversation. Returns false if missing or
// the name is empty after trimming.
func (s *Store) RenameConversation(id identity.ConversationID, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.Name = name
	s.mu.Unlock()
	s.notify()
	return true
}

// DeleteConversation removes a conversation. If it was the workspace's
// active conversation the first remaining one is promoted.
func (s *Store) DeleteConversation(id identity.ConversationID) bool {
	s.mu.Lock()
	ws := s.findWorkspace(id.WorkspaceID())
	if ws == nil {
		s.mu.Unlock()
		return false
	}
	idx := -1
	for i, c := range ws.Conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	ws.Conversations = append(ws.Conversations[:idx], ws.Conversations[idx+1:]...)
	if ws.ActiveConv == id {
		if len(ws.Conversations) > 0 {
			ws.ActiveConv = ws.Conversations[0].ID
		} else {
			ws.ActiveConv = 0
		}
	}
	s.mu.Unlock()
	s.logger.Info("conversation deleted", zap.String("conversation_id", id.String()))
	s.notify()
	return true
}

// ReorderConversations applies a new conversation ordering within a
// workspace. The id list must be a permutation of the existing ones.
func (s *Store) ReorderConversations(workspaceID int, ids []identity.ConversationID) bool {
	s.mu.Lock()
	ws := s.findWorkspace(workspaceID)
	if ws == nil || len(ids) != len(ws.Conversations) {
		s.mu.Unlock()
		return false
	}
	byID := make(map[identity.ConversationID]*Conversation, len(ws.Conversations))
	for _, c := range ws.Conversations {
		byID[c.ID] = c
	}
	reordered := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			s.mu.Unlock()
			return false
		}
		delete(byID, id)
		reordered = append(reordered, c)
	}
	ws.Conversations = reordered
	s.mu.Unlock()
	s.notify()
	return true
}

// SetActiveConversation marks the conversation (and its workspace) active.
func (s *Store) SetActiveConversation(id identity.ConversationID) bool {
	s.mu.Lock()
	ws, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	ws.ActiveConv = id
	ws.LastUsed = time.Now()
	s.activeWorkspaceID = ws.ID
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateConversationStatus sets the conversation status.
func (s *Store) UpdateConversationStatus(id identity.ConversationID, status Status) bool {
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.Status = status
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateConversationUnread sets the conversation unread flag.
func (s *Store) UpdateConversationUnread(id identity.ConversationID, unread bool) bool {
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.Unread = unread
	s.mu.Unlock()
	s.notify()
	return true
}

// UpdateAssistantSessionID records the opaque assistant session handle.
// An empty value clears it.
func (s *Store) UpdateAssistantSessionID(id identity.ConversationID, sessionID string) bool {
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.AssistantSessionID = sessionID
	s.mu.Unlock()
	s.notify()
	return true
}

// GetConversationPermissionMode returns the conversation's permission mode,
// defaulting to PermissionDefault for unknown conversations.
func (s *Store) GetConversationPermissionMode(id identity.ConversationID) PermissionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversation(id)
	if conv == nil || conv.PermissionMode == "" {
		return PermissionDefault
	}
	return conv.PermissionMode
}

// SetConversationPermissionMode sets the conversation's permission mode.
func (s *Store) SetConversationPermissionMode(id identity.ConversationID, mode PermissionMode) bool {
	if !ValidPermissionMode(mode) {
		return false
	}
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.PermissionMode = mode
	s.mu.Unlock()
	s.notify()
	return true
}

// SetCustomSystemPrompt stores the custom system prompt for a conversation.
// An empty string clears it.
func (s *Store) SetCustomSystemPrompt(id identity.ConversationID, prompt string) bool {
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	conv.CustomSystemPrompt = strings.TrimSpace(prompt)
	s.mu.Unlock()
	s.notify()
	return true
}

// LinkDocument attaches a document path to a conversation. Fails on missing
// conversation, empty-after-trim path, or duplicate (case-sensitive after
// normalization).
func (s *Store) LinkDocument(id identity.ConversationID, path string) bool {
	normalized := NormalizePath(path)
	if normalized == "" {
		return false
	}
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	for _, doc := range conv.LinkedDocuments {
		if doc.Path == normalized {
			s.mu.Unlock()
			return false
		}
	}
	conv.LinkedDocuments = append(conv.LinkedDocuments, LinkedDocument{
		Path:    normalized,
		AddedAt: time.Now(),
	})
	s.mu.Unlock()
	s.notify()
	return true
}

// UnlinkDocument removes a previously linked document path.
func (s *Store) UnlinkDocument(id identity.ConversationID, path string) bool {
	normalized := NormalizePath(path)
	if normalized == "" {
		return false
	}
	s.mu.Lock()
	_, conv := s.findConversation(id)
	if conv == nil {
		s.mu.Unlock()
		return false
	}
	for i, doc := range conv.LinkedDocuments {
		if doc.Path == normalized {
			conv.LinkedDocuments = append(conv.LinkedDocuments[:i], conv.LinkedDocuments[i+1:]...)
			s.mu.Unlock()
			s.notify()
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// GetLinkedDocuments returns copies of the conversation's linked documents.
func (s *Store) GetLinkedDocuments(id identity.ConversationID) []LinkedDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, conv := s.findConversation(id)
	if conv == nil {
		return nil
	}
	return append([]LinkedDocument(nil), conv.LinkedDocuments...)
}

// FindWorkspaceByName returns the first workspace whose name contains the
// query (case-insensitive), or nil.
func (s *Store) FindWorkspaceByName(query string) *Workspace {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if strings.Contains(strings.ToLower(ws.Name), query) {
			out := ws.clone()
			out.IsActive = ws.ID == s.activeWorkspaceID
			return out
		}
	}
	return nil
}

// FindWorkspaceByWorkingDir returns the workspace with exactly this working
// directory, or nil.
func (s *Store) FindWorkspaceByWorkingDir(dir string) *Workspace {
	dir = normalizeWorkingDir(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if ws.WorkingDir == dir {
			out := ws.clone()
			out.IsActive = ws.ID == s.activeWorkspaceID
			return out
		}
	}
	return nil
}

// FindConversationByName returns the conversation in the workspace whose
// name equals the query case-insensitively, or nil.
func (s *Store) FindConversationByName(workspaceID int, name string) *Conversation {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.findWorkspace(workspaceID)
	if ws == nil {
		return nil
	}
	for _, c := range ws.Conversations {
		if strings.ToLower(c.Name) == name {
			return c.clone()
		}
	}
	return nil
}

// ResetActiveConversations forces every working/waiting/permission
// conversation back to idle and returns their ids. Used on startup: a turn
// that was running before a restart is reported as aborted, never resumed.
func (s *Store) ResetActiveConversations() []identity.ConversationID {
	s.mu.Lock()
	var reset []identity.ConversationID
	for _, ws := range s.workspaces {
		for _, c := range ws.Conversations {
			switch c.Status {
			case StatusWorking, StatusWaiting, StatusPermission:
				c.Status = StatusIdle
				reset = append(reset, c.ID)
			}
		}
	}
	s.mu.Unlock()
	if len(reset) > 0 {
		s.notify()
	}
	return reset
}

// snapshot is the persisted JSON form of the store.
type snapshot struct {
	ActiveWorkspaceID int               `json:"activeWorkspaceId"`
	Workspaces        []json.RawMessage `json:"workspaces"`
}

// ToJSON serializes the full store state.
func (s *Store) ToJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := make([]json.RawMessage, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		data, err := json.Marshal(ws)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(snapshot{
		ActiveWorkspaceID: s.activeWorkspaceID,
		Workspaces:        raw,
	})
}

// FromJSON restores store state from a snapshot. Malformed workspace or
// conversation entries are dropped with a warning rather than failing the
// whole restore.
func (s *Store) FromJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	var workspaces []*Workspace
	seen := make(map[int]bool)
	for _, raw := range snap.Workspaces {
		var ws Workspace
		if err := json.Unmarshal(raw, &ws); err != nil {
			s.logger.Warn("dropping malformed workspace entry", zap.Error(err))
			continue
		}
		if ws.ID < 1 || ws.ID > identity.MaxWorkspaceID || seen[ws.ID] || strings.TrimSpace(ws.Name) == "" {
			s.logger.Warn("dropping invalid workspace entry", zap.Int("workspace_id", ws.ID))
			continue
		}
		seen[ws.ID] = true
		ws.IsActive = false
		ws.Conversations = validConversations(s, &ws)
		workspaces = append(workspaces, &ws)
	}

	s.mu.Lock()
	s.workspaces = workspaces
	s.activeWorkspaceID = 0
	if snap.ActiveWorkspaceID != 0 && seen[snap.ActiveWorkspaceID] {
		s.activeWorkspaceID = snap.ActiveWorkspaceID
	} else if len(workspaces) > 0 {
		s.activeWorkspaceID = workspaces[0].ID
	}
	s.mu.Unlock()
	return nil
}

func validConversations(s *Store, ws *Workspace) []*Conversation {
	out := make([]*Conversation, 0, len(ws.Conversations))
	seen := make(map[identity.ConversationID]bool)
	for _, c := range ws.Conversations {
		if c == nil || !c.ID.Valid() || c.ID.WorkspaceID() != ws.ID || seen[c.ID] {
			s.logger.Warn("dropping invalid conversation entry", zap.Int("workspace_id", ws.ID))
			continue
		}
		seen[c.ID] = true
		if c.PermissionMode == "" {
			c.PermissionMode = PermissionDefault
		}
		switch c.Status {
		case StatusIdle, StatusWorking, StatusWaiting, StatusPermission:
		default:
			c.Status = StatusIdle
		}
		out = append(out, c)
	}
	return out
}

// AllConversationIDs returns every conversation id across all workspaces.
func (s *Store) AllConversationIDs() []identity.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []identity.ConversationID
	for _, ws := range s.workspaces {
		for _, c := range ws.Conversations {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
