package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/share"
	"github.com/estelle/pylon/internal/workspace"
)

type fakeRestarter struct {
	calls []identity.ConversationID
}

func (f *fakeRestarter) NewSession(id identity.ConversationID) error {
	f.calls = append(f.calls, id)
	return nil
}

type fakeDeployer struct {
	target string
	output string
	err    error
}

func (f *fakeDeployer) Deploy(_ context.Context, target string) (string, error) {
	f.target = target
	return f.output, f.err
}

type fakeFileNotifier struct {
	ids   []identity.ConversationID
	files []messages.FileAttachment
}

func (f *fakeFileNotifier) NotifyFileAttachment(id identity.ConversationID, file messages.FileAttachment) {
	f.ids = append(f.ids, id)
	f.files = append(f.files, file)
}

type bridgeFixture struct {
	server     *Server
	workspaces *workspace.Store
	msgs       *messages.Store
	shares     *share.Store
	restarter  *fakeRestarter
	deployer   *fakeDeployer
	notifier   *fakeFileNotifier
	conv       identity.ConversationID
	dir        string
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	log := logger.Default()
	dir := t.TempDir()

	ws := workspace.NewStore(1, log)
	created := ws.CreateWorkspace("Proj", dir)
	conv := created.Conversations[0].ID

	msgs := messages.NewStore(func(identity.ConversationID, []*messages.Message) error { return nil }, log)
	restarter := &fakeRestarter{}
	deployer := &fakeDeployer{output: "deployed"}
	notifier := &fakeFileNotifier{}
	shares := share.NewStore()

	s := NewServer("127.0.0.1:0", "dev", "1.2.3", Deps{
		Workspaces: ws,
		Messages:   msgs,
		Shares:     shares,
		Deployer:   deployer,
		Sessions:   restarter,
		Files:      notifier,
		Lookup: func(toolUseID string) (identity.ConversationID, bool) {
			if toolUseID == "toolu_01" {
				return conv, true
			}
			return 0, false
		},
	}, log)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return &bridgeFixture{
		server:     s,
		workspaces: ws,
		msgs:       msgs,
		shares:     shares,
		restarter:  restarter,
		deployer:   deployer,
		notifier:   notifier,
		conv:       conv,
		dir:        dir,
	}
}

func (f *bridgeFixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLinkListUnlink(t *testing.T) {
	f := newBridgeFixture(t)
	f.writeFile(t, "docs/spec.md", "# spec")
	c := NewClient(f.server.Addr())

	resp, err := c.Link(f.conv, "docs/spec.md")
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	require.Len(t, resp.Docs, 1)
	assert.Equal(t, workspace.NormalizePath("docs/spec.md"), resp.Docs[0].Path)

	// Linking again must fail without touching the list.
	resp, err = c.Link(f.conv, "docs/spec.md")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Document already exists", resp.Error)

	resp, err = c.List(f.conv)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Len(t, resp.Docs, 1)

	resp, err = c.Unlink(f.conv, "docs\\spec.md")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Docs)
}

func TestLinkMissingFile(t *testing.T) {
	f := newBridgeFixture(t)
	resp, err := NewClient(f.server.Addr()).Link(f.conv, "docs/absent.md")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "File not found")
}

func TestSendFile(t *testing.T) {
	f := newBridgeFixture(t)
	path := f.writeFile(t, "shot.PNG", "not really a png")
	c := NewClient(f.server.Addr())

	resp, err := c.SendFile(f.conv, "shot.PNG", "screenshot")
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "shot.PNG", resp.Filename)
	assert.Equal(t, "image/png", resp.MimeType)
	assert.Equal(t, int64(len("not really a png")), resp.Size)
	assert.Equal(t, path, resp.Path)
	assert.Equal(t, "screenshot", resp.Description)

	// The file is also pushed into the conversation's event stream.
	require.Len(t, f.notifier.files, 1)
	assert.Equal(t, f.conv, f.notifier.ids[0])
	file := f.notifier.files[0]
	assert.Equal(t, "shot.PNG", file.Filename)
	assert.Equal(t, "image/png", file.MimeType)
	assert.Equal(t, "image", file.FileType)
	assert.Equal(t, path, file.Path)
	assert.Equal(t, "screenshot", file.Description)

	resp, err = c.SendFile(f.conv, "absent.bin", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Len(t, f.notifier.files, 1)
}

func TestGetStatus(t *testing.T) {
	f := newBridgeFixture(t)
	resp, err := NewClient(f.server.Addr()).GetStatus(f.conv)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "dev", resp.Environment)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "Proj", resp.Workspace)
	assert.Equal(t, f.conv, resp.ConversationID)
}

func TestCreateConversationKeepsConversationOnMissingFiles(t *testing.T) {
	f := newBridgeFixture(t)
	f.writeFile(t, "a.md", "a")
	c := NewClient(f.server.Addr())

	resp, err := c.CreateConversation(f.conv, "sibling", []string{"a.md", "missing.md"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "missing.md")
	require.NotZero(t, resp.ConversationID)

	// The conversation survives and carries the file that did resolve.
	conv := f.workspaces.GetConversation(resp.ConversationID)
	require.NotNil(t, conv)
	assert.Equal(t, "sibling", conv.Name)
	assert.Len(t, conv.LinkedDocuments, 1)
}

func TestDeleteConversation(t *testing.T) {
	f := newBridgeFixture(t)
	sibling := f.workspaces.CreateConversation(f.conv.WorkspaceID(), "Scratch")
	c := NewClient(f.server.Addr())

	// Own conversation is protected.
	resp, err := c.DeleteConversation(f.conv, f.conv, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)

	// Case-insensitive name resolution.
	resp, err = c.DeleteConversation(f.conv, 0, "scratch")
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Nil(t, f.workspaces.GetConversation(sibling.ID))
	assert.Equal(t, []identity.ConversationID{sibling.ID}, f.restarter.calls)
}

func TestRenameConversation(t *testing.T) {
	f := newBridgeFixture(t)
	c := NewClient(f.server.Addr())

	resp, err := c.RenameConversation(f.conv, "  Renamed  ")
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "Renamed", f.workspaces.GetConversation(f.conv).Name)

	resp, err = c.RenameConversation(f.conv, "   ")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestSetSystemPromptRestartsSession(t *testing.T) {
	f := newBridgeFixture(t)
	resp, err := NewClient(f.server.Addr()).SetSystemPrompt(f.conv, "You are terse.")
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.True(t, resp.NewSession)
	assert.Equal(t, "You are terse.", f.workspaces.GetConversation(f.conv).CustomSystemPrompt)
	assert.Equal(t, []identity.ConversationID{f.conv}, f.restarter.calls)
}

func TestDeploy(t *testing.T) {
	f := newBridgeFixture(t)
	resp, err := NewClient(f.server.Addr()).Deploy(f.conv, "stage")
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "stage", f.deployer.target)
	assert.Equal(t, "deployed", resp.Output)

	f.deployer.err = fmt.Errorf("cannot deploy to own environment")
	resp, err = NewClient(f.server.Addr()).Deploy(f.conv, "dev")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestShareLifecycle(t *testing.T) {
	f := newBridgeFixture(t)
	f.msgs.AddUserMessage(f.conv, "hello")
	c := NewClient(f.server.Addr())

	created, err := c.ShareCreate(f.conv)
	require.NoError(t, err)
	require.True(t, created.Success, created.Error)
	assert.Len(t, created.ShareID, 12)
	assert.Equal(t, "/share/"+created.ShareID, created.URL)

	hist, err := c.ShareHistory(created.ShareID)
	require.NoError(t, err)
	require.True(t, hist.Success)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, f.conv, hist.ConversationID)

	info, ok := f.shares.Validate(created.ShareID)
	require.True(t, ok)
	assert.Equal(t, 1, info.AccessCount)

	resp, err := c.Do(&Request{Action: "share_delete", ShareID: created.ShareID})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestLookupAndLink(t *testing.T) {
	f := newBridgeFixture(t)
	f.writeFile(t, "notes.txt", "n")
	c := NewClient(f.server.Addr())

	resp, err := c.Do(&Request{Action: "lookup_and_link", ToolUseID: "toolu_01", Path: "notes.txt"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Len(t, f.workspaces.GetLinkedDocuments(f.conv), 1)

	resp, err = c.Do(&Request{Action: "lookup_and_link", ToolUseID: "toolu_unknown", Path: "notes.txt"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestLookupAndShareAliases(t *testing.T) {
	f := newBridgeFixture(t)
	resp, err := NewClient(f.server.Addr()).Do(&Request{Action: "lookup_and_share", ToolUseID: "toolu_01"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Len(t, resp.ShareID, 12)
}

func TestMalformedJSONClearsBuffer(t *testing.T) {
	f := newBridgeFixture(t)
	conn, err := net.Dial("tcp", f.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"action": bogus}`))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid JSON format", resp.Error)

	// The connection stays usable after the buffer is cleared.
	req, _ := json.Marshal(Request{Action: "get_status", ConversationID: f.conv})
	_, err = conn.Write(append(req, '\n'))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestRequestSplitAcrossWrites(t *testing.T) {
	f := newBridgeFixture(t)
	conn, err := net.Dial("tcp", f.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	full, _ := json.Marshal(Request{Action: "get_status", ConversationID: f.conv})
	half := len(full) / 2
	_, err = conn.Write(full[:half])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(full[half:])
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestPipelinedRequestsOnOneConnection(t *testing.T) {
	f := newBridgeFixture(t)
	conn, err := net.Dial("tcp", f.server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	one, _ := json.Marshal(Request{Action: "get_status", ConversationID: f.conv})
	two, _ := json.Marshal(Request{Action: "list", ConversationID: f.conv})
	_, err = conn.Write(append(append(one, two...), '\n'))
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	var first, second Response
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, "Proj", first.Workspace)
}

func TestJSONCompletenessHeuristic(t *testing.T) {
	assert.Equal(t, -1, completeJSON([]byte(`{"a": [1, 2`)))
	assert.Equal(t, -1, completeJSON([]byte(`{"a": "un{bal}anced`)))
	assert.Equal(t, len(`{"a":"{\"}"}`), completeJSON([]byte(`{"a":"{\"}"}`)))
	assert.Equal(t, len(`{"a":1}`), completeJSON([]byte(`{"a":1}{"b":2}`)))

	assert.False(t, balancedBrackets([]byte(`{"a":`)))
	assert.True(t, balancedBrackets([]byte(`hello`)))
	assert.True(t, balancedBrackets([]byte(`{"a":1}`)))
}

func TestMimeTypes(t *testing.T) {
	assert.Equal(t, "image/jpeg", MimeTypeFor("photo.JPG"))
	assert.Equal(t, "text/markdown", MimeTypeFor("README.md"))
	assert.Equal(t, "text/x-go", MimeTypeFor("main.go"))
	assert.Equal(t, "application/octet-stream", MimeTypeFor("data.bin"))
}
