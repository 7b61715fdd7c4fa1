package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/share"
	"github.com/estelle/pylon/internal/workspace"
)

// LookupFunc resolves a toolUseId to its owning conversation. Injected from
// the beacon registry so the bridge carries no back-reference to it.
type LookupFunc func(toolUseID string) (identity.ConversationID, bool)

// SessionRestarter terminates a conversation's live assistant session so the
// next turn starts fresh.
type SessionRestarter interface {
	NewSession(id identity.ConversationID) error
}

// Deployer runs the deploy script for a target and returns the output tail.
type Deployer interface {
	Deploy(ctx context.Context, target string) (string, error)
}

// FileNotifier publishes a file sent through send_file into the owning
// conversation's event stream, so viewers and the message log receive it.
type FileNotifier interface {
	NotifyFileAttachment(id identity.ConversationID, file messages.FileAttachment)
}

// Deps are the collaborators a bridge server mutates or consults.
type Deps struct {
	Workspaces *workspace.Store
	Messages   *messages.Store
	Shares     *share.Store
	Deployer   Deployer
	Sessions   SessionRestarter
	Files      FileNotifier
	Lookup     LookupFunc
}

// Server accepts conversation-scoped commands from tool processes over
// loopback TCP.
type Server struct {
	addr        string
	environment string
	version     string
	deps        Deps

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	logger *logger.Logger
}

// NewServer creates a bridge server bound to addr.
func NewServer(addr, environment, version string, deps Deps, log *logger.Logger) *Server {
	return &Server{
		addr:        addr,
		environment: environment,
		version:     version,
		deps:        deps,
		conns:       make(map[net.Conn]struct{}),
		logger:      log.WithComponent("mcp_server"),
	}
}

// Start begins accepting connections. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mcp: failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("mcp bridge listening", zap.String("addr", listener.Addr().String()))
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// handleConn owns one connection's private JSON buffer. Requests may arrive
// split across reads or coalesced; frames are cut off the buffer as soon as
// their brackets balance. Malformed (not merely incomplete) data is answered
// with an error and the buffer is cleared.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	encoder := json.NewEncoder(conn)
	chunk := make([]byte, 32*1024)
	var buf []byte

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = s.drainBuffer(buf, encoder)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) drainBuffer(buf []byte, encoder *json.Encoder) []byte {
	for {
		for len(buf) > 0 && unicode.IsSpace(rune(buf[0])) {
			buf = buf[1:]
		}
		if len(buf) == 0 {
			return nil
		}
		end := completeJSON(buf)
		if end < 0 {
			if balancedBrackets(buf) {
				// No structural characters at all; waiting cannot help.
				_ = encoder.Encode(failure("Invalid JSON format"))
				return nil
			}
			return buf
		}
		frame := buf[:end]
		buf = buf[end:]

		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			_ = encoder.Encode(failure("Invalid JSON format"))
			return nil
		}
		_ = encoder.Encode(s.handleRequest(&req))
	}
}

func (s *Server) handleRequest(req *Request) Response {
	action := req.Action

	if rest, ok := strings.CutPrefix(action, "lookup_and_"); ok {
		if s.deps.Lookup == nil {
			return failure("lookup not available")
		}
		if req.ToolUseID == "" {
			return failure("toolUseId is required")
		}
		id, found := s.deps.Lookup(req.ToolUseID)
		if !found {
			return failure(fmt.Sprintf("toolUseId '%s' not found", req.ToolUseID))
		}
		req.ConversationID = id
		action = rest
		if action == "share" {
			action = "share_create"
		}
	}

	switch action {
	case "link":
		return s.handleLink(req)
	case "unlink":
		return s.handleUnlink(req)
	case "list":
		return s.handleList(req)
	case "send_file":
		return s.handleSendFile(req)
	case "get_status":
		return s.handleGetStatus(req)
	case "create_conversation":
		return s.handleCreateConversation(req)
	case "delete_conversation":
		return s.handleDeleteConversation(req)
	case "rename_conversation":
		return s.handleRenameConversation(req)
	case "set_system_prompt":
		return s.handleSetSystemPrompt(req)
	case "deploy":
		return s.handleDeploy(req)
	case "share_create":
		return s.handleShareCreate(req)
	case "share_validate":
		return s.handleShareValidate(req)
	case "share_delete":
		return s.handleShareDelete(req)
	case "share_history":
		return s.handleShareHistory(req)
	default:
		return failure(fmt.Sprintf("unknown action: %s", req.Action))
	}
}

// resolvePath normalizes a document path and anchors relative paths at the
// conversation's workspace working directory.
func (s *Server) resolvePath(id identity.ConversationID, path string) (string, error) {
	normalized := workspace.NormalizePath(path)
	if normalized == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(normalized) {
		return normalized, nil
	}
	ws := s.deps.Workspaces.GetWorkspace(id.WorkspaceID())
	if ws == nil || ws.WorkingDir == "" {
		return normalized, nil
	}
	return filepath.Join(ws.WorkingDir, normalized), nil
}

func (s *Server) handleLink(req *Request) Response {
	if s.deps.Workspaces.GetConversation(req.ConversationID) == nil {
		return failure("Conversation not found")
	}
	resolved, err := s.resolvePath(req.ConversationID, req.Path)
	if err != nil {
		return failure(err.Error())
	}
	if _, err := os.Stat(resolved); err != nil {
		return failure(fmt.Sprintf("File not found: %s", req.Path))
	}
	normalized := workspace.NormalizePath(req.Path)
	for _, doc := range s.deps.Workspaces.GetLinkedDocuments(req.ConversationID) {
		if doc.Path == normalized {
			return failure("Document already exists")
		}
	}
	if !s.deps.Workspaces.LinkDocument(req.ConversationID, req.Path) {
		return failure("Document already exists")
	}
	return Response{Success: true, Docs: s.deps.Workspaces.GetLinkedDocuments(req.ConversationID)}
}

func (s *Server) handleUnlink(req *Request) Response {
	if s.deps.Workspaces.GetConversation(req.ConversationID) == nil {
		return failure("Conversation not found")
	}
	if !s.deps.Workspaces.UnlinkDocument(req.ConversationID, req.Path) {
		return failure("Document not found")
	}
	return Response{Success: true, Docs: s.deps.Workspaces.GetLinkedDocuments(req.ConversationID)}
}

func (s *Server) handleList(req *Request) Response {
	if s.deps.Workspaces.GetConversation(req.ConversationID) == nil {
		return failure("Conversation not found")
	}
	return Response{Success: true, Docs: s.deps.Workspaces.GetLinkedDocuments(req.ConversationID)}
}

func (s *Server) handleSendFile(req *Request) Response {
	resolved, err := s.resolvePath(req.ConversationID, req.Path)
	if err != nil {
		return failure(err.Error())
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return failure(fmt.Sprintf("File not found: %s", req.Path))
	}
	if info.IsDir() {
		return failure(fmt.Sprintf("Not a file: %s", req.Path))
	}
	mime := MimeTypeFor(resolved)
	if s.deps.Files != nil && s.deps.Workspaces.GetConversation(req.ConversationID) != nil {
		s.deps.Files.NotifyFileAttachment(req.ConversationID, messages.FileAttachment{
			Path:        resolved,
			Filename:    info.Name(),
			MimeType:    mime,
			FileType:    FileTypeFor(mime),
			Size:        info.Size(),
			Description: req.Description,
		})
	}
	return Response{
		Success:     true,
		Filename:    info.Name(),
		MimeType:    mime,
		Size:        info.Size(),
		Path:        resolved,
		Description: req.Description,
	}
}

func (s *Server) handleGetStatus(req *Request) Response {
	conv := s.deps.Workspaces.GetConversation(req.ConversationID)
	if conv == nil {
		return failure("Conversation not found")
	}
	ws := s.deps.Workspaces.GetWorkspace(req.ConversationID.WorkspaceID())
	return Response{
		Success:         true,
		Environment:     s.environment,
		Version:         s.version,
		Workspace:       ws.Name,
		ConversationID:  conv.ID,
		LinkedDocuments: conv.LinkedDocuments,
	}
}

// handleCreateConversation spawns a sibling conversation in the caller's
// workspace. Files that cannot be resolved produce an error response, but
// the conversation itself is kept.
func (s *Server) handleCreateConversation(req *Request) Response {
	caller := s.deps.Workspaces.GetConversation(req.ConversationID)
	if caller == nil {
		return failure("Conversation not found")
	}
	// The caller's workspace necessarily exists, so nil means the
	// conversation id space is used up.
	conv := s.deps.Workspaces.CreateConversation(req.ConversationID.WorkspaceID(), req.Name)
	if conv == nil {
		return failure("Conversation limit reached")
	}

	var missing []string
	for _, file := range req.Files {
		resolved, err := s.resolvePath(conv.ID, file)
		if err != nil {
			missing = append(missing, file)
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			missing = append(missing, file)
			continue
		}
		s.deps.Workspaces.LinkDocument(conv.ID, file)
	}
	if len(missing) > 0 {
		return Response{
			Success:        false,
			Error:          fmt.Sprintf("File not found: %s", strings.Join(missing, ", ")),
			ConversationID: conv.ID,
		}
	}
	return Response{Success: true, ConversationID: conv.ID}
}

func (s *Server) handleDeleteConversation(req *Request) Response {
	caller := s.deps.Workspaces.GetConversation(req.ConversationID)
	if caller == nil {
		return failure("Conversation not found")
	}

	target := req.TargetConversationID
	if target == 0 && req.Name != "" {
		conv := s.deps.Workspaces.FindConversationByName(req.ConversationID.WorkspaceID(), req.Name)
		if conv == nil {
			return failure(fmt.Sprintf("Conversation '%s' not found", req.Name))
		}
		target = conv.ID
	}
	if target == 0 {
		return failure("target conversation is required")
	}
	if target == req.ConversationID {
		return failure("Cannot delete the current conversation")
	}
	if s.deps.Workspaces.GetConversation(target) == nil {
		return failure("Conversation not found")
	}

	// A running session on the target must terminate before removal.
	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.NewSession(target); err != nil {
			s.logger.Warn("failed to end session of deleted conversation",
				zap.String("conversation_id", target.String()), zap.Error(err))
		}
	}
	s.deps.Workspaces.DeleteConversation(target)
	s.deps.Messages.DeleteConversation(target)
	s.deps.Shares.DeleteByConversation(target)
	return Response{Success: true}
}

func (s *Server) handleRenameConversation(req *Request) Response {
	if strings.TrimSpace(req.Name) == "" {
		return failure("name must not be empty")
	}
	if !s.deps.Workspaces.RenameConversation(req.ConversationID, req.Name) {
		return failure("Conversation not found")
	}
	return Response{Success: true}
}

// handleSetSystemPrompt stores the prompt and aborts any live session; the
// next user turn starts a session carrying the new prompt.
func (s *Server) handleSetSystemPrompt(req *Request) Response {
	if !s.deps.Workspaces.SetCustomSystemPrompt(req.ConversationID, req.Content) {
		return failure("Conversation not found")
	}
	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.NewSession(req.ConversationID); err != nil {
			s.logger.Warn("failed to restart session after prompt change",
				zap.String("conversation_id", req.ConversationID.String()), zap.Error(err))
		}
	}
	return Response{Success: true, NewSession: true}
}

func (s *Server) handleDeploy(req *Request) Response {
	if s.deps.Deployer == nil {
		return failure("deploy not available")
	}
	output, err := s.deps.Deployer.Deploy(context.Background(), req.Target)
	if err != nil {
		return Response{Success: false, Error: err.Error(), Target: req.Target, Output: output}
	}
	return Response{Success: true, Target: req.Target, Output: output}
}

func (s *Server) handleShareCreate(req *Request) Response {
	if s.deps.Workspaces.GetConversation(req.ConversationID) == nil {
		return failure("Conversation not found")
	}
	info, err := s.deps.Shares.Create(req.ConversationID)
	if err != nil {
		return failure(err.Error())
	}
	return Response{Success: true, ShareID: info.ShareID, URL: "/share/" + info.ShareID}
}

func (s *Server) handleShareValidate(req *Request) Response {
	info, ok := s.deps.Shares.Validate(req.ShareID)
	if !ok {
		return failure("Share not found")
	}
	return Response{Success: true, ShareID: info.ShareID, ConversationID: info.ConversationID}
}

func (s *Server) handleShareDelete(req *Request) Response {
	if !s.deps.Shares.Delete(req.ShareID) {
		return failure("Share not found")
	}
	return Response{Success: true}
}

func (s *Server) handleShareHistory(req *Request) Response {
	info, ok := s.deps.Shares.Access(req.ShareID)
	if !ok {
		return failure("Share not found")
	}
	return Response{
		Success:        true,
		ShareID:        info.ShareID,
		ConversationID: info.ConversationID,
		Messages:       s.deps.Messages.GetMessages(info.ConversationID),
	}
}

// Close stops the listener and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}
