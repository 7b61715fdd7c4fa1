package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
)

func startTestServer(t *testing.T, query QueryFunc) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", "127.0.0.1", 9880, query, logger.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookupRoundTrip(t *testing.T) {
	s := startTestServer(t, nil)
	cid := identity.Encode(1, 1, 1)
	s.RegisterTool("toolu_01", cid, json.RawMessage(`{"toolName":"Bash"}`))

	resp, err := NewClient(s.Addr()).Lookup("toolu_01")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !resp.Success {
		t.Fatalf("lookup failed: %s", resp.Error)
	}
	if resp.ConversationID != cid {
		t.Errorf("conversationId = %d, want %d", resp.ConversationID, cid)
	}
	if resp.McpHost != "127.0.0.1" || resp.McpPort != 9880 {
		t.Errorf("unexpected mcp endpoint %s:%d", resp.McpHost, resp.McpPort)
	}
	var raw map[string]string
	if err := json.Unmarshal(resp.Raw, &raw); err != nil || raw["toolName"] != "Bash" {
		t.Errorf("raw payload lost: %s", string(resp.Raw))
	}
}

func TestLookupUnknownToolUse(t *testing.T) {
	s := startTestServer(t, nil)
	resp, err := NewClient(s.Addr()).Lookup("toolu_missing")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown toolUseId")
	}
}

func TestLookupEmptyToolUseRejectedClientSide(t *testing.T) {
	// The client must reject before dialing; use an address nothing
	// listens on to prove no connection is attempted.
	c := NewClient("127.0.0.1:1")
	if _, err := c.Lookup(""); err == nil {
		t.Fatal("expected client-side rejection of empty toolUseId")
	}
}

func TestUnregisterTool(t *testing.T) {
	s := startTestServer(t, nil)
	s.RegisterTool("toolu_02", identity.Encode(1, 1, 1), nil)
	s.UnregisterTool("toolu_02")

	resp, err := NewClient(s.Addr()).Lookup("toolu_02")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resp.Success {
		t.Fatal("expected unregistered toolUseId to be gone")
	}
}

func TestRegisterAction(t *testing.T) {
	s := startTestServer(t, nil)
	resp, err := NewClient(s.Addr()).Register(3, "127.0.0.1", 9880, json.RawMessage(`{"envId":1}`))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !resp.Success {
		t.Fatalf("register failed: %s", resp.Error)
	}

	resp, err = NewClient(s.Addr()).Register(0, "", 0, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Success {
		t.Fatal("expected out-of-range pylonId to be rejected")
	}
}

func TestQueryAdapterPassThrough(t *testing.T) {
	s := startTestServer(t, func(id identity.ConversationID, options json.RawMessage) (json.RawMessage, error) {
		if id != identity.Encode(1, 1, 1) {
			return nil, fmt.Errorf("unknown conversation")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := json.Marshal(Request{Action: "query", ConversationID: identity.Encode(1, 1, 1)})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || string(resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected query response: %+v", resp)
	}
}

func TestMalformedRequestLine(t *testing.T) {
	s := startTestServer(t, nil)
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not json}\n")); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error != "Invalid JSON format" {
		t.Fatalf("unexpected response to malformed line: %+v", resp)
	}
}

func TestEntryCapEvictsOldest(t *testing.T) {
	s := NewServer("127.0.0.1:0", "127.0.0.1", 9880, nil, logger.Default())
	// Fill beyond the cap using direct registration; no listener needed.
	for i := 0; i < maxEntries; i++ {
		s.RegisterTool(fmt.Sprintf("toolu_%05d", i), identity.Encode(1, 1, 1), nil)
	}
	s.RegisterTool("toolu_overflow", identity.Encode(1, 1, 1), nil)

	if n := s.tools.ItemCount(); n > maxEntries {
		t.Errorf("registry grew to %d entries, cap is %d", n, maxEntries)
	}
	if _, _, ok := s.LookupTool("toolu_overflow"); !ok {
		t.Error("newest entry missing after overflow")
	}
}
