package beacon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
)

const (
	// Entries not looked up within entryTTL are evicted.
	entryTTL        = 10 * time.Minute
	janitorInterval = time.Minute

	// maxEntries bounds the registry; the oldest entry is evicted first.
	maxEntries = 10000
)

// QueryFunc is the legacy adapter path for the query action.
type QueryFunc func(id identity.ConversationID, options json.RawMessage) (json.RawMessage, error)

// entry is the registered context of one tool invocation.
type entry struct {
	ConversationID identity.ConversationID
	Raw            json.RawMessage
	AddedAt        time.Time
}

// registration records a pylon announced via the register action.
type registration struct {
	PylonID int
	McpHost string
	McpPort int
	Env     json.RawMessage
}

// Server answers toolUseId lookups over loopback TCP.
type Server struct {
	addr    string
	mcpHost string
	mcpPort int
	query   QueryFunc

	tools *gocache.Cache

	mu            sync.Mutex
	registrations map[int]registration
	listener      net.Listener
	conns         map[net.Conn]struct{}
	closed        bool

	logger *logger.Logger
}

// NewServer creates a beacon server. mcpHost/mcpPort identify the local MCP
// bridge returned in lookup responses. query may be nil when the legacy
// adapter path is not wired.
func NewServer(addr, mcpHost string, mcpPort int, query QueryFunc, log *logger.Logger) *Server {
	return &Server{
		addr:          addr,
		mcpHost:       mcpHost,
		mcpPort:       mcpPort,
		query:         query,
		tools:         gocache.New(entryTTL, janitorInterval),
		registrations: make(map[int]registration),
		conns:         make(map[net.Conn]struct{}),
		logger:        log.WithComponent("beacon_server"),
	}
}

// RegisterTool records the conversation context of a tool invocation the
// moment the assistant begins it.
func (s *Server) RegisterTool(toolUseID string, conversationID identity.ConversationID, raw json.RawMessage) {
	if toolUseID == "" {
		return
	}
	if s.tools.ItemCount() >= maxEntries {
		s.evictOldest()
	}
	s.tools.SetDefault(toolUseID, entry{
		ConversationID: conversationID,
		Raw:            raw,
		AddedAt:        time.Now(),
	})
}

// UnregisterTool drops a tool invocation when it completes or aborts.
func (s *Server) UnregisterTool(toolUseID string) {
	s.tools.Delete(toolUseID)
}

// LookupTool resolves a toolUseId to its conversation, refreshing the
// entry's TTL on hit. Also used in-process by the MCP bridge.
func (s *Server) LookupTool(toolUseID string) (identity.ConversationID, json.RawMessage, bool) {
	v, ok := s.tools.Get(toolUseID)
	if !ok {
		return 0, nil, false
	}
	e := v.(entry)
	s.tools.SetDefault(toolUseID, e)
	return e.ConversationID, e.Raw, true
}

func (s *Server) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, item := range s.tools.Items() {
		e, ok := item.Object.(entry)
		if !ok {
			continue
		}
		if oldestKey == "" || e.AddedAt.Before(oldest) {
			oldestKey = key
			oldest = e.AddedAt
		}
	}
	if oldestKey != "" {
		s.tools.Delete(oldestKey)
	}
}

// Start begins accepting connections. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("beacon: failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("beacon server listening", zap.String("addr", listener.Addr().String()))
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

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = encoder.Encode(Response{Success: false, Error: "Invalid JSON format"})
			continue
		}
		_ = encoder.Encode(s.handleRequest(&req))
	}
}

func (s *Server) handleRequest(req *Request) Response {
	switch req.Action {
	case "register":
		return s.handleRegister(req)
	case "query":
		return s.handleQuery(req)
	case "lookup":
		return s.handleLookup(req)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func (s *Server) handleRegister(req *Request) Response {
	if req.PylonID < 1 || req.PylonID > identity.MaxPylonID {
		return Response{Success: false, Error: "pylonId must be between 1 and 127"}
	}
	s.mu.Lock()
	s.registrations[req.PylonID] = registration{
		PylonID: req.PylonID,
		McpHost: req.McpHost,
		McpPort: req.McpPort,
		Env:     req.Env,
	}
	s.mu.Unlock()
	s.logger.Info("pylon registered", zap.Int("pylon_id", req.PylonID))
	return Response{Success: true}
}

func (s *Server) handleQuery(req *Request) Response {
	if s.query == nil {
		return Response{Success: false, Error: "query adapter not available"}
	}
	result, err := s.query(req.ConversationID, req.Options)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Result: result}
}

func (s *Server) handleLookup(req *Request) Response {
	if req.ToolUseID == "" {
		return Response{Success: false, Error: "toolUseId is required"}
	}
	conversationID, raw, ok := s.LookupTool(req.ToolUseID)
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("toolUseId '%s' not found", req.ToolUseID)}
	}
	return Response{
		Success:        true,
		ConversationID: conversationID,
		McpHost:        s.mcpHost,
		McpPort:        s.mcpPort,
		Raw:            raw,
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
