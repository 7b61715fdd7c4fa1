package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/identity"
)

const (
	defaultRequestTimeout = 5 * time.Second

	// Deploy scripts run up to three minutes server-side; the client waits
	// a little longer before declaring a timeout of its own.
	deployRequestTimeout = 3*time.Minute + 10*time.Second
)

// Client is the bridge client embedded in tool processes. One TCP
// connection is established per request.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a bridge client for the given address.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: defaultRequestTimeout}
}

// WithTimeout overrides the per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Link attaches a document path to the conversation.
func (c *Client) Link(id identity.ConversationID, path string) (*Response, error) {
	return c.Do(&Request{Action: "link", ConversationID: id, Path: path})
}

// Unlink removes a previously linked document path.
func (c *Client) Unlink(id identity.ConversationID, path string) (*Response, error) {
	return c.Do(&Request{Action: "unlink", ConversationID: id, Path: path})
}

// List returns the conversation's linked documents.
func (c *Client) List(id identity.ConversationID) (*Response, error) {
	return c.Do(&Request{Action: "list", ConversationID: id})
}

// SendFile asks the pylon to describe a file for transfer.
func (c *Client) SendFile(id identity.ConversationID, path, description string) (*Response, error) {
	return c.Do(&Request{Action: "send_file", ConversationID: id, Path: path, Description: description})
}

// GetStatus returns the pylon environment and conversation context.
func (c *Client) GetStatus(id identity.ConversationID) (*Response, error) {
	return c.Do(&Request{Action: "get_status", ConversationID: id})
}

// CreateConversation spawns a sibling conversation, optionally linking files.
func (c *Client) CreateConversation(id identity.ConversationID, name string, files []string) (*Response, error) {
	return c.Do(&Request{Action: "create_conversation", ConversationID: id, Name: name, Files: files})
}

// DeleteConversation removes a sibling conversation by id or name.
func (c *Client) DeleteConversation(id, target identity.ConversationID, name string) (*Response, error) {
	return c.Do(&Request{Action: "delete_conversation", ConversationID: id, TargetConversationID: target, Name: name})
}

// RenameConversation renames the conversation.
func (c *Client) RenameConversation(id identity.ConversationID, name string) (*Response, error) {
	return c.Do(&Request{Action: "rename_conversation", ConversationID: id, Name: name})
}

// SetSystemPrompt stores a custom system prompt; the current session is
// aborted and the next turn starts fresh with the new prompt.
func (c *Client) SetSystemPrompt(id identity.ConversationID, content string) (*Response, error) {
	return c.Do(&Request{Action: "set_system_prompt", ConversationID: id, Content: content})
}

// Deploy triggers a deploy to the given target. Uses an extended timeout.
func (c *Client) Deploy(id identity.ConversationID, target string) (*Response, error) {
	return c.roundTrip(&Request{Action: "deploy", ConversationID: id, Target: target}, deployRequestTimeout)
}

// ShareCreate creates (or replaces) the conversation's share link.
func (c *Client) ShareCreate(id identity.ConversationID) (*Response, error) {
	return c.Do(&Request{Action: "share_create", ConversationID: id})
}

// ShareHistory fetches a shared conversation's message log.
func (c *Client) ShareHistory(shareID string) (*Response, error) {
	return c.Do(&Request{Action: "share_history", ShareID: shareID})
}

// Do performs a single request/response exchange.
func (c *Client) Do(req *Request) (*Response, error) {
	return c.roundTrip(req, c.timeout)
}

func (c *Client) roundTrip(req *Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, defaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: failed to marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("mcp: failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, apperrors.Timeout("mcp request")
			}
			return nil, fmt.Errorf("mcp: read failed: %w", err)
		}
		return nil, fmt.Errorf("mcp: connection closed before response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("mcp: invalid response: %w", err)
	}
	return &resp, nil
}
