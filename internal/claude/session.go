package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
)

const (
	// stopGrace is how long a session may take to terminate cooperatively
	// before the subprocess is killed.
	stopGrace = 10 * time.Second

	// pendingTimeout bounds how long a permission or question request may
	// stay unanswered before it is auto-denied.
	pendingTimeout = 5 * time.Minute

	// progressInterval is the cadence of toolProgress events while a tool
	// invocation is running.
	progressInterval = 10 * time.Second
)

// pendingInteraction is a permission or question the session is blocked on.
type pendingInteraction struct {
	requestID string
	toolUseID string
	timer     *time.Timer
}

type runningTool struct {
	name      string
	startedAt time.Time
}

// Session drives one assistant subprocess for one conversation.
type Session struct {
	id              identity.ConversationID
	proc            Process
	wire            *wireClient
	registry        ToolRegistry
	emit            func(Event)
	onExit          func(identity.ConversationID)
	onSessionIDHook func(identity.ConversationID, string)
	logger          *logger.Logger

	cancel   context.CancelFunc
	waitDone chan struct{}
	waitErr  error

	mu                sync.Mutex
	sessionID         string
	pendingPermission *pendingInteraction
	pendingQuestion   *pendingInteraction
	runningTools      map[string]runningTool
	terminated        bool
}

func newSession(id identity.ConversationID, proc Process, registry ToolRegistry, emit func(Event), onExit func(identity.ConversationID), onSessionID func(identity.ConversationID, string), log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              id,
		proc:            proc,
		registry:        registry,
		emit:            emit,
		onExit:          onExit,
		onSessionIDHook: onSessionID,
		logger:          log.WithConversationID(id),
		cancel:          cancel,
		waitDone:        make(chan struct{}),
		runningTools:    make(map[string]runningTool),
	}
	s.wire = newWireClient(proc.Stdin(), proc.Stdout(), s.logger)
	s.wire.frameHandler = s.handleFrame
	s.wire.requestHandler = s.handleControlRequest
	s.wire.start(ctx)

	go s.supervise(ctx)
	go s.progressLoop(ctx)
	return s
}

func (s *Session) event(typ EventType) Event {
	return Event{Type: typ, ConversationID: s.id}
}

// supervise watches the subprocess and converts an unexpected exit into
// error + aborted(crashed) + idle. A deliberate termination is silent here;
// terminate emits its own aborted.
func (s *Session) supervise(ctx context.Context) {
	s.waitErr = s.proc.Wait()
	close(s.waitDone)
	s.cancel()

	s.mu.Lock()
	terminated := s.terminated
	s.terminated = true
	s.clearPendingLocked()
	s.mu.Unlock()
	s.unregisterAllTools()

	if terminated {
		return
	}
	msg := "assistant process exited unexpectedly"
	if s.waitErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, s.waitErr)
	}
	s.logger.Error("assistant session crashed", zap.Error(s.waitErr))

	ev := s.event(EventError)
	ev.Text = msg
	s.emit(ev)
	ab := s.event(EventAborted)
	ab.Reason = "crashed"
	s.emit(ab)
	st := s.event(EventState)
	st.Status = StateIdle
	s.emit(st)

	if s.onExit != nil {
		s.onExit(s.id)
	}
}

func (s *Session) progressLoop(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			var progress []Event
			for _, tool := range s.runningTools {
				ev := s.event(EventToolProgress)
				ev.ToolName = tool.name
				ev.ElapsedSeconds = int(time.Since(tool.startedAt).Seconds())
				progress = append(progress, ev)
			}
			s.mu.Unlock()
			for _, ev := range progress {
				s.emit(ev)
			}
		}
	}
}

// sendUserMessage forwards one user turn to the subprocess.
func (s *Session) sendUserMessage(content string) error {
	return s.wire.sendUserMessage(content)
}

// stopTurn cancels the in-flight turn cooperatively; the session stays alive
// for further turns. If the subprocess does not acknowledge within the grace
// period it is killed.
func (s *Session) stopTurn() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if _, err := s.wire.sendControlRequest(ctx, controlSubtypeInterrupt, stopGrace); err != nil {
		s.logger.Warn("interrupt not acknowledged, killing subprocess", zap.Error(err))
		return s.proc.Kill()
	}
	return nil
}

// terminate ends the session for good, emitting aborted(reason) and idle.
func (s *Session) terminate(reason string) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.clearPendingLocked()
	s.mu.Unlock()
	s.unregisterAllTools()

	s.wire.stop()
	_ = s.proc.Kill()
	select {
	case <-s.waitDone:
	case <-time.After(stopGrace):
		s.logger.Warn("assistant subprocess did not exit within grace period")
	}
	s.cancel()

	ab := s.event(EventAborted)
	ab.Reason = reason
	s.emit(ab)
	st := s.event(EventState)
	st.Status = StateIdle
	s.emit(st)
}

func (s *Session) clearPendingLocked() {
	if s.pendingPermission != nil {
		s.pendingPermission.timer.Stop()
		s.pendingPermission = nil
	}
	if s.pendingQuestion != nil {
		s.pendingQuestion.timer.Stop()
		s.pendingQuestion = nil
	}
}

func (s *Session) unregisterAllTools() {
	if s.registry == nil {
		return
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.runningTools))
	for id := range s.runningTools {
		ids = append(ids, id)
	}
	s.runningTools = make(map[string]runningTool)
	s.mu.Unlock()
	for _, id := range ids {
		s.registry.UnregisterTool(id)
	}
}

var errUnknownToolUse = apperrors.InvalidInput("no pending request for toolUseId")

// respondPermission fulfills the pending permission request.
func (s *Session) respondPermission(toolUseID, decision, message string) error {
	s.mu.Lock()
	pending := s.pendingPermission
	if pending == nil || pending.toolUseID != toolUseID {
		s.mu.Unlock()
		return errUnknownToolUse
	}
	pending.timer.Stop()
	s.pendingPermission = nil
	s.mu.Unlock()

	behavior := "deny"
	if decision == "allow" {
		behavior = "allow"
	}
	err := s.wire.sendControlResponse(pending.requestID, "success",
		permissionDecision{Behavior: behavior, Message: message}, "")
	if err != nil {
		return err
	}
	st := s.event(EventState)
	st.Status = StateWorking
	s.emit(st)
	return nil
}

// respondQuestion fulfills the pending question request.
func (s *Session) respondQuestion(toolUseID, answer string) error {
	s.mu.Lock()
	pending := s.pendingQuestion
	if pending == nil || pending.toolUseID != toolUseID {
		s.mu.Unlock()
		return errUnknownToolUse
	}
	pending.timer.Stop()
	s.pendingQuestion = nil
	s.mu.Unlock()

	err := s.wire.sendControlResponse(pending.requestID, "success", questionAnswer{Answer: answer}, "")
	if err != nil {
		return err
	}
	st := s.event(EventState)
	st.Status = StateWorking
	s.emit(st)
	return nil
}

func (s *Session) handleControlRequest(requestID string, req *controlRequest) {
	switch req.Subtype {
	case controlSubtypeCanUseTool:
		s.mu.Lock()
		if s.pendingPermission != nil {
			s.mu.Unlock()
			// One pending permission at a time; deny the newcomer.
			_ = s.wire.sendControlResponse(requestID, "success",
				permissionDecision{Behavior: "deny", Message: "another permission request is pending"}, "")
			return
		}
		s.pendingPermission = &pendingInteraction{
			requestID: requestID,
			toolUseID: req.ToolUseID,
			timer:     time.AfterFunc(pendingTimeout, func() { s.expirePermission(requestID) }),
		}
		s.mu.Unlock()

		ev := s.event(EventPermissionRequest)
		ev.ToolUseID = req.ToolUseID
		ev.ToolName = req.ToolName
		ev.ToolInput = req.Input
		s.emit(ev)
		st := s.event(EventState)
		st.Status = StatePermission
		s.emit(st)

	case controlSubtypeAskQuestion:
		s.mu.Lock()
		if s.pendingQuestion != nil {
			s.mu.Unlock()
			_ = s.wire.sendControlResponse(requestID, "error", nil, "another question is pending")
			return
		}
		s.pendingQuestion = &pendingInteraction{
			requestID: requestID,
			toolUseID: req.ToolUseID,
			timer:     time.AfterFunc(pendingTimeout, func() { s.expireQuestion(requestID) }),
		}
		s.mu.Unlock()

		ev := s.event(EventAskQuestion)
		ev.ToolUseID = req.ToolUseID
		ev.Questions = req.Questions
		s.emit(ev)
		st := s.event(EventState)
		st.Status = StateWaiting
		s.emit(st)

	default:
		s.logger.Warn("unknown control request from assistant", zap.String("subtype", req.Subtype))
		_ = s.wire.sendControlResponse(requestID, "error", nil, "unsupported request")
	}
}

func (s *Session) expirePermission(requestID string) {
	s.mu.Lock()
	pending := s.pendingPermission
	if pending == nil || pending.requestID != requestID {
		s.mu.Unlock()
		return
	}
	s.pendingPermission = nil
	s.mu.Unlock()

	_ = s.wire.sendControlResponse(requestID, "success",
		permissionDecision{Behavior: "deny", Message: "permission request timed out"}, "")
	ev := s.event(EventError)
	ev.Text = "permission request timed out"
	s.emit(ev)
	st := s.event(EventState)
	st.Status = StateWorking
	s.emit(st)
}

func (s *Session) expireQuestion(requestID string) {
	s.mu.Lock()
	pending := s.pendingQuestion
	if pending == nil || pending.requestID != requestID {
		s.mu.Unlock()
		return
	}
	s.pendingQuestion = nil
	s.mu.Unlock()

	_ = s.wire.sendControlResponse(requestID, "error", nil, "question timed out")
	ev := s.event(EventError)
	ev.Text = "question timed out"
	s.emit(ev)
	st := s.event(EventState)
	st.Status = StateWorking
	s.emit(st)
}

func (s *Session) handleFrame(f *frame) {
	switch f.Type {
	case frameTypeSystem:
		if f.Subtype == "init" && f.SessionID != "" {
			s.mu.Lock()
			s.sessionID = f.SessionID
			hook := s.onSessionIDHook
			s.mu.Unlock()
			if hook != nil {
				hook(s.id, f.SessionID)
			}
		}

	case frameTypeStreamEvent:
		if f.Event != nil && f.Event.Delta.Type == "text_delta" && f.Event.Delta.Text != "" {
			ev := s.event(EventText)
			ev.Text = f.Event.Delta.Text
			s.emit(ev)
		}

	case frameTypeAssistant:
		if f.Message == nil {
			return
		}
		for _, block := range f.Message.Content {
			switch block.Type {
			case "text":
				ev := s.event(EventTextComplete)
				ev.Text = block.Text
				s.emit(ev)
			case "tool_use":
				s.startTool(block, f.ParentToolUseID)
			}
		}

	case frameTypeUser:
		if f.Message == nil {
			return
		}
		for _, block := range f.Message.Content {
			if block.Type == "tool_result" {
				s.completeTool(block)
			}
		}

	case frameTypeResult:
		s.finishTurn(f)

	default:
		s.logger.Debug("dropping unknown assistant frame", zap.String("frame_type", f.Type))
	}
}

func (s *Session) startTool(block contentBlock, parentToolUseID string) {
	s.mu.Lock()
	s.runningTools[block.ID] = runningTool{name: block.Name, startedAt: time.Now()}
	s.mu.Unlock()

	if s.registry != nil {
		raw, _ := json.Marshal(map[string]any{"toolName": block.Name, "toolInput": block.Input})
		s.registry.RegisterTool(block.ID, s.id, raw)
	}

	ev := s.event(EventToolInfo)
	ev.ToolUseID = block.ID
	ev.ToolName = block.Name
	ev.ToolInput = block.Input
	ev.ParentToolUseID = parentToolUseID
	s.emit(ev)
}

func (s *Session) completeTool(block contentBlock) {
	s.mu.Lock()
	tool, known := s.runningTools[block.ToolUseID]
	delete(s.runningTools, block.ToolUseID)
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.UnregisterTool(block.ToolUseID)
	}

	ev := s.event(EventToolComplete)
	ev.ToolUseID = block.ToolUseID
	if known {
		ev.ToolName = tool.name
	}
	ev.Success = !block.IsError
	ev.Output = toolResultText(block.Content)
	s.emit(ev)
}

// toolResultText flattens a tool_result content value (plain string or block
// list) into text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

func (s *Session) finishTurn(f *frame) {
	result := &messages.ResultPayload{
		Subtype:      f.Subtype,
		DurationMs:   f.DurationMs,
		TotalCostUSD: f.TotalCostUSD,
		NumTurns:     f.NumTurns,
	}
	if f.Usage != nil {
		result.Usage = messages.Usage{
			InputTokens:              f.Usage.InputTokens,
			OutputTokens:             f.Usage.OutputTokens,
			CacheReadInputTokens:     f.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: f.Usage.CacheCreationInputTokens,
		}
		usage := result.Usage
		uev := s.event(EventUsageUpdate)
		uev.Usage = &usage
		s.emit(uev)
	}

	ev := s.event(EventResult)
	ev.Result = result
	s.emit(ev)
	st := s.event(EventState)
	st.Status = StateIdle
	s.emit(st)
}
