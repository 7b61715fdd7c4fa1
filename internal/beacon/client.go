package beacon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	apperrors "github.com/estelle/pylon/internal/common/errors"
)

const defaultLookupTimeout = 5 * time.Second

// Client performs toolUseId lookups against a beacon server. It is embedded
// in tool processes; one TCP connection is established per call.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a beacon client for the given address.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: defaultLookupTimeout}
}

// WithTimeout overrides the per-lookup timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Lookup resolves a toolUseId to its conversation context.
func (c *Client) Lookup(toolUseID string) (*Response, error) {
	if toolUseID == "" {
		return nil, apperrors.InvalidInput("toolUseId must not be empty")
	}
	return c.roundTrip(&Request{Action: "lookup", ToolUseID: toolUseID})
}

// Register announces a pylon to the beacon.
func (c *Client) Register(pylonID int, mcpHost string, mcpPort int, env json.RawMessage) (*Response, error) {
	return c.roundTrip(&Request{
		Action:  "register",
		PylonID: pylonID,
		McpHost: mcpHost,
		McpPort: mcpPort,
		Env:     env,
	})
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("beacon: failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("beacon: failed to marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("beacon: failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, apperrors.Timeout("beacon lookup")
			}
			return nil, fmt.Errorf("beacon: read failed: %w", err)
		}
		return nil, fmt.Errorf("beacon: connection closed before response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("beacon: invalid response: %w", err)
	}
	return &resp, nil
}
