package instrument

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultOpTimeout bounds a single raw TCP operation round trip.
const DefaultOpTimeout = 30 * time.Second

// RawTCP speaks newline-delimited JSON to an instrument endpoint: one
// {"op":..., "params":...} request line, one {"status":..., ...} reply line.
// Device vocabularies remain opaque; this connector only frames them.
type RawTCP struct {
	target    string
	opTimeout time.Duration
	dialer    net.Dialer
	conn      net.Conn
	reader    *bufio.Reader
}

type rawRequest struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params,omitempty"`
}

type rawReply struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRawTCP constructs a connector targeting an opaque host:port address.
func NewRawTCP(target string, opTimeout time.Duration) *RawTCP {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RawTCP{target: target, opTimeout: opTimeout}
}

// Connect dials the instrument endpoint.
func (c *RawTCP) Connect(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return fmt.Errorf("instrument: dial %s: %w", c.target, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Verify probes op accessibility with a describe round trip.
func (c *RawTCP) Verify(ctx context.Context, op string) error {
	_, err := c.Do(ctx, "describe", map[string]any{"op": op})
	return err
}

// Do performs one framed round trip. The harness serializes callers, so a
// single in-flight exchange per connection is an invariant, not a limitation.
func (c *RawTCP) Do(ctx context.Context, op string, params map[string]any) (any, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	deadline := time.Now().Add(c.opTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("instrument: set deadline: %w", err)
	}
	raw, err := json.Marshal(rawRequest{Op: op, Params: params})
	if err != nil {
		return nil, fmt.Errorf("instrument: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(raw, '\n')); err != nil {
		return nil, fmt.Errorf("instrument: write %s: %w", op, err)
	}
	reply, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("instrument: read %s reply: %w", op, err)
	}
	var decoded rawReply
	if err := json.Unmarshal(reply, &decoded); err != nil {
		return nil, fmt.Errorf("instrument: decode %s reply: %w", op, err)
	}
	if decoded.Status != "ok" {
		if decoded.Error != "" {
			return nil, fmt.Errorf("instrument: %s: %s", op, decoded.Error)
		}
		return nil, fmt.Errorf("instrument: %s: device reported %q", op, decoded.Status)
	}
	if len(decoded.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		return nil, fmt.Errorf("instrument: decode %s result: %w", op, err)
	}
	return result, nil
}

// Close shuts the connection down.
func (c *RawTCP) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
