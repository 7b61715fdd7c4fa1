package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/common/logger"
)

// Stream-json frame types exchanged with the assistant CLI.
const (
	frameTypeUser            = "user"
	frameTypeAssistant       = "assistant"
	frameTypeSystem          = "system"
	frameTypeResult          = "result"
	frameTypeStreamEvent     = "stream_event"
	frameTypeControlRequest  = "control_request"
	frameTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	controlSubtypeInterrupt   = "interrupt"
	controlSubtypeCanUseTool  = "can_use_tool"
	controlSubtypeAskQuestion = "ask_question"
)

// frame is the union of every stream-json line the CLI emits or accepts.
type frame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message         *messageBody `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// control_request / control_response
	RequestID string           `json:"request_id,omitempty"`
	Request   *controlRequest  `json:"request,omitempty"`
	Response  *controlResponse `json:"response,omitempty"`

	// stream_event
	Event *streamEvent `json:"event,omitempty"`

	// result
	DurationMs   int64      `json:"duration_ms,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd,omitempty"`
	NumTurns     int        `json:"num_turns,omitempty"`
	Usage        *wireUsage `json:"usage,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock is one element of an assistant or tool-result message.
type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Questions []Question      `json:"questions,omitempty"`
}

type controlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// permissionDecision is the response body of a can_use_tool request.
type permissionDecision struct {
	Behavior string `json:"behavior"` // allow | deny
	Message  string `json:"message,omitempty"`
}

// questionAnswer is the response body of an ask_question request.
type questionAnswer struct {
	Answer string `json:"answer"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// frameHandler receives every non-control frame from the CLI.
type frameHandler func(f *frame)

// requestHandler receives control requests (permission, question) from the CLI.
type requestHandler func(requestID string, req *controlRequest)

// wireClient drives one assistant subprocess over stream-json stdin/stdout.
// It serializes stdin writes and correlates control responses with their
// pending requests.
type wireClient struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	frameHandler   frameHandler
	requestHandler requestHandler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *controlResponse

	done chan struct{}
}

func newWireClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *wireClient {
	return &wireClient{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log,
		pending: make(map[string]chan *controlResponse),
		done:    make(chan struct{}),
	}
}

// start begins the stdout read loop. The returned channel closes when the
// loop exits (EOF, meaning the subprocess ended).
func (w *wireClient) start(ctx context.Context) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		w.readLoop(ctx)
	}()
	return closed
}

func (w *wireClient) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *wireClient) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("claude: failed to marshal frame: %w", err)
	}
	data = append(data, '\n')
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.stdin.Write(data); err != nil {
		return fmt.Errorf("claude: failed to write frame: %w", err)
	}
	return nil
}

// sendUserMessage forwards one user turn to the CLI.
func (w *wireClient) sendUserMessage(content string) error {
	return w.send(&frame{
		Type:    frameTypeUser,
		Message: &messageBody{Role: "user", Content: []contentBlock{{Type: "text", Text: content}}},
	})
}

// sendControlRequest sends a control request and waits for its response.
func (w *wireClient) sendControlRequest(ctx context.Context, subtype string, timeout time.Duration) (*controlResponse, error) {
	requestID := uuid.New().String()
	ch := make(chan *controlResponse, 1)

	w.pendingMu.Lock()
	w.pending[requestID] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, requestID)
		w.pendingMu.Unlock()
	}()

	err := w.send(&frame{
		Type:      frameTypeControlRequest,
		RequestID: requestID,
		Request:   &controlRequest{Subtype: subtype},
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("claude: %s request timed out after %v", subtype, timeout)
	case resp := <-ch:
		return resp, nil
	}
}

// sendControlResponse answers a control request the CLI sent us.
func (w *wireClient) sendControlResponse(requestID, subtype string, body any, errMsg string) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("claude: failed to marshal control response: %w", err)
		}
		raw = data
	}
	return w.send(&frame{
		Type: frameTypeControlResponse,
		Response: &controlResponse{
			Subtype:   subtype,
			RequestID: requestID,
			Response:  raw,
			Error:     errMsg,
		},
	})
}

func (w *wireClient) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(w.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		w.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		w.logger.Warn("assistant stdout read error", zap.Error(err))
	}
}

func (w *wireClient) handleLine(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		w.logger.Warn("dropping unparseable assistant frame", zap.Error(err))
		return
	}

	switch f.Type {
	case frameTypeControlRequest:
		if f.Request == nil {
			return
		}
		if w.requestHandler != nil {
			w.requestHandler(f.RequestID, f.Request)
			return
		}
		// No handler wired: deny rather than hang the CLI.
		_ = w.sendControlResponse(f.RequestID, "error", nil, "no handler registered")
	case frameTypeControlResponse:
		if f.Response == nil {
			return
		}
		w.pendingMu.Lock()
		ch, ok := w.pending[f.Response.RequestID]
		w.pendingMu.Unlock()
		if !ok {
			w.logger.Warn("control response for unknown request",
				zap.String("request_id", f.Response.RequestID))
			return
		}
		select {
		case ch <- f.Response:
		default:
		}
	default:
		if w.frameHandler != nil {
			w.frameHandler(&f)
		}
	}
}
