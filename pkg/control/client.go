package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

// RemoteError is an error reported by the session itself
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "session returned error: " + e.Message
}

// Client talks to a running session over its control socket
type Client struct {
	socketPath        string
	connectionTimeout time.Duration
	name              string
	conn              net.Conn
	reader            *bufio.Reader
	mu                sync.Mutex
}

// NewClient creates a client for the socket at socketPath
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:        socketPath,
		connectionTimeout: 5 * time.Second,
		name:              "cuedelay-cli",
	}
}

// SetTimeout sets the dial and request timeout used when ctx has no deadline
func (c *Client) SetTimeout(timeout time.Duration) {
	c.connectionTimeout = timeout
}

// connect establishes a connection and performs the handshake if not already connected
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.connectionTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrNotRunning, c.socketPath, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	var response HandshakeResponse
	err = c.roundTrip(ctx, HandshakeRequest{
		Type:    TypeHandshake,
		Version: ProtocolVersion,
		Client:  c.name,
	}, TypeHandshakeResponse, &response)
	if err != nil {
		c.closeLocked()
		return fmt.Errorf("handshake failed: %w", err)
	}
	if response.Status != "ok" {
		c.closeLocked()
		return fmt.Errorf("handshake rejected by session")
	}

	return nil
}

// roundTrip sends request and decodes a response of the expected type into out
func (c *Client) roundTrip(ctx context.Context, request Message, expect string, out interface{}) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.connectionTimeout)
	}
	c.conn.SetDeadline(deadline)

	requestData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	if _, err := c.conn.Write(append(requestData, '\n')); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var typeCheck ErrorResponse
	if err := json.Unmarshal(line, &typeCheck); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if typeCheck.Type == TypeError {
		return &RemoteError{Message: typeCheck.Error}
	}
	if typeCheck.Type != expect {
		return fmt.Errorf("unexpected response type %q (expected %q)", typeCheck.Type, expect)
	}

	if err := json.Unmarshal(line, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", expect, err)
	}
	return nil
}

// call connects if needed and performs one request. A transport failure
// drops the connection so the next call redials.
func (c *Client) call(ctx context.Context, request Message, expect string, out interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}

	if err := c.roundTrip(ctx, request, expect, out); err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			c.closeLocked()
		}
		return err
	}
	return nil
}

func (c *Client) offsetCall(ctx context.Context, request Message) (time.Duration, error) {
	var response OffsetResponse
	if err := c.call(ctx, request, TypeOffsetResponse, &response); err != nil {
		return 0, err
	}
	return OffsetFromMs(response.OffsetMs)
}

// Offset returns the session's current offset
func (c *Client) Offset(ctx context.Context) (time.Duration, error) {
	return c.offsetCall(ctx, GetOffsetRequest{Type: TypeGetOffset})
}

// SetOffset replaces the session's offset and returns the applied value
func (c *Client) SetOffset(ctx context.Context, offset time.Duration) (time.Duration, error) {
	return c.offsetCall(ctx, SetOffsetRequest{Type: TypeSetOffset, OffsetMs: offset.Milliseconds()})
}

// StepOffset moves the session's offset along the preset table
func (c *Client) StepOffset(ctx context.Context, steps int) (time.Duration, error) {
	return c.offsetCall(ctx, StepOffsetRequest{Type: TypeStepOffset, Steps: steps})
}

// Stats returns the session's scheduler counters
func (c *Client) Stats(ctx context.Context) (metrics.SchedulerStats, error) {
	var response StatsResponse
	if err := c.call(ctx, StatsRequest{Type: TypeStats}, TypeStatsResponse, &response); err != nil {
		return metrics.SchedulerStats{}, err
	}
	return response.Stats, nil
}

// Presets returns the session's preset table
func (c *Client) Presets(ctx context.Context) ([]delay.Preset, error) {
	var response PresetsResponse
	if err := c.call(ctx, PresetsRequest{Type: TypePresets}, TypePresetsResponse, &response); err != nil {
		return nil, err
	}
	return response.Presets, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

var _ Controller = (*Client)(nil)
