package claude

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/workspace"
)

// stdinSink collects the newline-delimited frames a session writes without
// ever blocking the writer.
type stdinSink struct {
	mu    sync.Mutex
	buf   []byte
	lines chan []byte
}

func newStdinSink() *stdinSink {
	return &stdinSink{lines: make(chan []byte, 64)}
}

func (s *stdinSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := append([]byte(nil), s.buf[:i]...)
		s.buf = s.buf[i+1:]
		s.lines <- line
	}
}

// fakeProcess stands in for the assistant CLI: the test reads what the
// session writes to stdin and scripts the stdout frames.
type fakeProcess struct {
	stdin   *stdinSink
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exitOnce sync.Once
	exitCh   chan error

	mu     sync.Mutex
	killed bool
}

func newFakeProcess() *fakeProcess {
	stdoutR, stdoutW := io.Pipe()
	return &fakeProcess{
		stdin:   newStdinSink(),
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		exitCh:  make(chan error, 1),
	}
}

func (p *fakeProcess) Stdin() io.Writer  { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Wait() error {
	return <-p.exitCh
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// exit ends the fake process, optionally with an error (a crash).
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		_ = p.stdoutW.Close()
		p.exitCh <- err
	})
}

// emitFrame scripts one stdout line.
func (p *fakeProcess) emitFrame(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = p.stdoutW.Write(append(data, '\n'))
	require.NoError(t, err)
}

// readFrame reads one stdin line the session wrote.
func (p *fakeProcess) readFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case line := <-p.stdin.lines:
		var out map[string]any
		require.NoError(t, json.Unmarshal(line, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stdin frame")
		return nil
	}
}

type claudeFixture struct {
	manager    *Manager
	workspaces *workspace.Store
	conv       identity.ConversationID
	procs      []*fakeProcess
	registry   *fakeRegistry
}

type fakeRegistry struct {
	mu         sync.Mutex
	registered []string
	removed    []string
}

func (r *fakeRegistry) RegisterTool(toolUseID string, _ identity.ConversationID, _ json.RawMessage) {
	r.mu.Lock()
	r.registered = append(r.registered, toolUseID)
	r.mu.Unlock()
}

func (r *fakeRegistry) UnregisterTool(toolUseID string) {
	r.mu.Lock()
	r.removed = append(r.removed, toolUseID)
	r.mu.Unlock()
}

func newClaudeFixture(t *testing.T) *claudeFixture {
	t.Helper()
	log := logger.Default()
	ws := workspace.NewStore(1, log)
	created := ws.CreateWorkspace("Proj", t.TempDir())

	f := &claudeFixture{workspaces: ws, conv: created.Conversations[0].ID, registry: &fakeRegistry{}}
	launcher := func(SessionOptions) (Process, error) {
		p := newFakeProcess()
		f.procs = append(f.procs, p)
		return p, nil
	}
	f.manager = NewManager(launcher, ws, f.registry, log)
	t.Cleanup(f.manager.Cleanup)
	return f
}

func (f *claudeFixture) proc(t *testing.T) *fakeProcess {
	require.NotEmpty(t, f.procs, "no session started")
	return f.procs[len(f.procs)-1]
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	ev := nextEvent(t, ch)
	require.Equal(t, typ, ev.Type, "unexpected event %+v", ev)
	return ev
}

func TestRoundTripTurn(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "hi", nil))
	proc := f.proc(t)

	sent := proc.readFrame(t)
	assert.Equal(t, "user", sent["type"])

	st := expectEvent(t, events, EventState)
	assert.Equal(t, StateWorking, st.Status)

	proc.emitFrame(t, map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "hel"}},
	})
	proc.emitFrame(t, map[string]any{
		"type":  "stream_event",
		"event": map[string]any{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "lo"}},
	})
	proc.emitFrame(t, map[string]any{
		"type":    "assistant",
		"message": map[string]any{"role": "assistant", "content": []map[string]any{{"type": "text", "text": "hello"}}},
	})
	proc.emitFrame(t, map[string]any{
		"type": "result", "subtype": "success", "duration_ms": 1500, "num_turns": 1,
		"usage": map[string]any{"input_tokens": 100, "output_tokens": 50, "cache_read_input_tokens": 1000},
	})

	assert.Equal(t, "hel", expectEvent(t, events, EventText).Text)
	assert.Equal(t, "lo", expectEvent(t, events, EventText).Text)
	assert.Equal(t, "hello", expectEvent(t, events, EventTextComplete).Text)

	usage := expectEvent(t, events, EventUsageUpdate)
	assert.Equal(t, 1000, usage.Usage.CacheReadInputTokens)

	result := expectEvent(t, events, EventResult)
	assert.Equal(t, int64(1500), result.Result.DurationMs)
	assert.Equal(t, 100, result.Result.Usage.InputTokens)

	idle := expectEvent(t, events, EventState)
	assert.Equal(t, StateIdle, idle.Status)
}

func TestToolLifecycleRegistersWithBeacon(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "run it", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	proc.emitFrame(t, map[string]any{
		"type": "assistant",
		"message": map[string]any{"role": "assistant", "content": []map[string]any{
			{"type": "tool_use", "id": "toolu_01", "name": "Bash", "input": map[string]any{"command": "ls"}},
		}},
	})
	info := expectEvent(t, events, EventToolInfo)
	assert.Equal(t, "toolu_01", info.ToolUseID)
	assert.Equal(t, "Bash", info.ToolName)

	proc.emitFrame(t, map[string]any{
		"type": "user",
		"message": map[string]any{"role": "user", "content": []map[string]any{
			{"type": "tool_result", "tool_use_id": "toolu_01", "content": "ok"},
		}},
	})
	done := expectEvent(t, events, EventToolComplete)
	assert.Equal(t, "toolu_01", done.ToolUseID)
	assert.Equal(t, "Bash", done.ToolName)
	assert.True(t, done.Success)
	assert.Equal(t, "ok", done.Output)

	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	assert.Equal(t, []string{"toolu_01"}, f.registry.registered)
	assert.Equal(t, []string{"toolu_01"}, f.registry.removed)
}

func TestPermissionFlow(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "edit it", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	proc.emitFrame(t, map[string]any{
		"type": "control_request", "request_id": "req_1",
		"request": map[string]any{"subtype": "can_use_tool", "tool_name": "Write", "tool_use_id": "toolu_02"},
	})
	perm := expectEvent(t, events, EventPermissionRequest)
	assert.Equal(t, "toolu_02", perm.ToolUseID)
	st := expectEvent(t, events, EventState)
	assert.Equal(t, StatePermission, st.Status)

	// Unknown toolUseId leaves the pending request untouched.
	err := f.manager.RespondPermission(f.conv, "toolu_wrong", "allow", "")
	require.Error(t, err)

	require.NoError(t, f.manager.RespondPermission(f.conv, "toolu_02", "allow", ""))
	reply := proc.readFrame(t)
	assert.Equal(t, "control_response", reply["type"])
	resp := reply["response"].(map[string]any)
	assert.Equal(t, "req_1", resp["request_id"])
	body := resp["response"].(map[string]any)
	assert.Equal(t, "allow", body["behavior"])

	st = expectEvent(t, events, EventState)
	assert.Equal(t, StateWorking, st.Status)
}

func TestQuestionFlow(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "choose", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	proc.emitFrame(t, map[string]any{
		"type": "control_request", "request_id": "req_2",
		"request": map[string]any{
			"subtype": "ask_question", "tool_use_id": "toolu_03",
			"questions": []map[string]any{{"question": "Which one?", "options": []map[string]any{{"label": "A"}, {"label": "B"}}}},
		},
	})
	q := expectEvent(t, events, EventAskQuestion)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which one?", q.Questions[0].Question)
	st := expectEvent(t, events, EventState)
	assert.Equal(t, StateWaiting, st.Status)

	require.NoError(t, f.manager.RespondQuestion(f.conv, "toolu_03", "A"))
	reply := proc.readFrame(t)
	assert.Equal(t, "control_response", reply["type"])
	st = expectEvent(t, events, EventState)
	assert.Equal(t, StateWorking, st.Status)
}

func TestCrashEmitsErrorAbortedIdle(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "hi", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	proc.exit(io.ErrUnexpectedEOF)

	errEv := expectEvent(t, events, EventError)
	assert.Contains(t, errEv.Text, "exited unexpectedly")
	ab := expectEvent(t, events, EventAborted)
	assert.Equal(t, "crashed", ab.Reason)
	idle := expectEvent(t, events, EventState)
	assert.Equal(t, StateIdle, idle.Status)

	// Next turn starts a fresh session.
	require.NoError(t, f.manager.SendMessage(f.conv, "again", nil))
	assert.Len(t, f.procs, 2)
}

func TestNewSessionTerminates(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "hi", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	require.NoError(t, f.manager.NewSession(f.conv))
	ab := expectEvent(t, events, EventAborted)
	assert.Equal(t, "session_ended", ab.Reason)
	idle := expectEvent(t, events, EventState)
	assert.Equal(t, StateIdle, idle.Status)
	assert.True(t, proc.wasKilled())
	assert.Empty(t, f.manager.ActiveSessions())

	// NewSession without a live session is a no-op.
	require.NoError(t, f.manager.NewSession(f.conv))
}

func TestStopSendsInterrupt(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	require.NoError(t, f.manager.SendMessage(f.conv, "hi", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	expectEvent(t, events, EventState)

	done := make(chan error, 1)
	go func() { done <- f.manager.Stop(f.conv) }()

	req := proc.readFrame(t)
	assert.Equal(t, "control_request", req["type"])
	body := req["request"].(map[string]any)
	assert.Equal(t, "interrupt", body["subtype"])

	proc.emitFrame(t, map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "success", "request_id": req["request_id"]},
	})
	require.NoError(t, <-done)
	assert.False(t, proc.wasKilled())
}

func TestSessionIDHook(t *testing.T) {
	f := newClaudeFixture(t)
	got := make(chan string, 1)
	f.manager.SetOnSessionID(func(id identity.ConversationID, sessionID string) {
		assert.Equal(t, f.conv, id)
		got <- sessionID
	})

	require.NoError(t, f.manager.SendMessage(f.conv, "hi", nil))
	proc := f.proc(t)
	proc.readFrame(t)
	<-f.manager.Events() // state working

	proc.emitFrame(t, map[string]any{"type": "system", "subtype": "init", "session_id": "sess_abc"})
	select {
	case id := <-got:
		assert.Equal(t, "sess_abc", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session id hook not invoked")
	}
}

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newClaudeFixture(t)
	err := f.manager.SendMessage(identity.Encode(1, 9, 9), "hi", nil)
	require.Error(t, err)
}

func TestNotifyFileAttachmentEmitsEvent(t *testing.T) {
	f := newClaudeFixture(t)
	events := f.manager.Events()

	f.manager.NotifyFileAttachment(f.conv, messages.FileAttachment{
		Filename: "shot.png",
		MimeType: "image/png",
		FileType: "image",
		Size:     128,
	})

	ev := expectEvent(t, events, EventFileAttachment)
	assert.Equal(t, f.conv, ev.ConversationID)
	require.NotNil(t, ev.File)
	assert.Equal(t, "shot.png", ev.File.Filename)
	assert.Equal(t, "image", ev.File.FileType)
}
