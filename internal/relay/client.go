package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
)

const (
	authTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// Handler receives every envelope routed to this pylon.
type Handler func(env *Envelope)

// Client maintains the single outbound relay connection, authenticating on
// every (re)connect and retrying with exponential backoff.
type Client struct {
	url  string
	auth AuthPayload

	handler   Handler
	onConnect func()

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	logger *logger.Logger
}

// NewClient creates a relay client for the given websocket URL.
func NewClient(url string, auth AuthPayload, log *logger.Logger) *Client {
	return &Client{
		url:    url,
		auth:   auth,
		logger: log.WithComponent("relay_client"),
	}
}

// SetHandler registers the envelope handler. Must be called before Run.
func (c *Client) SetHandler(fn Handler) {
	c.handler = fn
}

// SetOnConnect registers a callback invoked after each successful
// authentication, including reconnects.
func (c *Client) SetOnConnect(fn func()) {
	c.onConnect = fn
}

// Run connects and serves the read loop until ctx is cancelled or Close is
// called, reconnecting with exponential backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxReconnectWait
	policy.MaxElapsedTime = 0 // retry forever

	for {
		if c.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		attemptStart := time.Now()
		err := c.connectAndServe(ctx)
		if c.isClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(attemptStart) > time.Minute {
			// The link was healthy for a while before dropping; start
			// backoff over.
			policy.Reset()
		}
		wait := policy.NextBackOff()
		c.logger.Warn("relay connection lost, reconnecting",
			zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndServe dials, authenticates and pumps envelopes until the
// connection drops.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, authTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.url, err)
	}

	if err := c.authenticate(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("relay connected", zap.Int("device_id", c.auth.DeviceID))
	if c.onConnect != nil {
		c.onConnect()
	}

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	return err
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	env, err := NewEnvelope("auth", c.auth)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(authTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("relay: failed to send auth: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return apperrors.Timeout("relay auth")
	}
	_ = conn.SetReadDeadline(time.Time{})

	if reply.Type != "auth_result" {
		return fmt.Errorf("relay: expected auth_result, got %s", reply.Type)
	}
	var result AuthResult
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		return fmt.Errorf("relay: invalid auth_result: %w", err)
	}
	if !result.Success {
		return apperrors.Upstream(fmt.Sprintf("relay rejected auth: %s", result.Error), nil)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if c.handler != nil {
			c.handler(&env)
		}
	}
}

// Send writes one envelope to the relay. Writes are serialized; sending
// while disconnected fails rather than queueing.
func (c *Client) Send(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.Upstream("relay not connected", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

// Connected reports whether an authenticated connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}
