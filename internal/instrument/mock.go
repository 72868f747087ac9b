package instrument

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/instrumentd/internal/clock"
)

// Mock is a deterministic stand-in for a real instrument session. It answers
// the same dispatch surface with synthetic data so the full protocol and
// demultiplexing path can be exercised without hardware.
type Mock struct {
	clk       clock.Clock
	sessionID string

	mu        sync.Mutex
	connected bool
	connects  int
	closed    bool
	dialsLeft int
	dialErr   error
	settings  map[string]any
	reads     map[string]int
	started   time.Time
}

// MockOption tunes mock behaviour.
type MockOption func(*Mock)

// WithMockClock injects a clock, letting tests drive delays deterministically.
func WithMockClock(clk clock.Clock) MockOption {
	return func(m *Mock) {
		m.clk = clk
	}
}

// WithMockConnectFailures makes the first n Connect calls fail with err,
// exercising the harness retry path.
func WithMockConnectFailures(n int, err error) MockOption {
	return func(m *Mock) {
		m.dialsLeft = n
		m.dialErr = err
	}
}

// NewMock constructs a mock instrument session.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{
		clk:       clock.Real{},
		sessionID: xid.New().String(),
		settings:  make(map[string]any),
		reads:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionID identifies this mock session in status payloads.
func (m *Mock) SessionID() string {
	return m.sessionID
}

// Connect succeeds once any configured failure budget is exhausted.
func (m *Mock) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialsLeft > 0 {
		m.dialsLeft--
		if m.dialErr != nil {
			return m.dialErr
		}
		return fmt.Errorf("instrument: mock connect refused")
	}
	m.connected = true
	m.connects++
	m.closed = false
	m.started = m.clk.Now()
	return nil
}

// Connects reports how many times Connect has succeeded.
func (m *Mock) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Verify reports whether op belongs to the mock's dispatch surface.
func (m *Mock) Verify(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	switch op {
	case "echo", "delay", "status", "get", "set", "read":
		return nil
	}
	return UnknownOperationError(op)
}

// Do executes one synthetic operation.
func (m *Mock) Do(ctx context.Context, op string, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.mu.Unlock()

	switch op {
	case "echo":
		return params, nil
	case "delay":
		seconds, _ := params["seconds"].(float64)
		if seconds < 0 {
			return nil, fmt.Errorf("instrument: delay: negative duration %v", seconds)
		}
		delay := time.Duration(seconds * float64(time.Second))
		select {
		case <-m.clk.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"slept_seconds": seconds}, nil
	case "status":
		m.mu.Lock()
		defer m.mu.Unlock()
		return map[string]any{
			"session":        m.sessionID,
			"connected":      m.connected,
			"uptime_seconds": m.clk.Now().Sub(m.started).Seconds(),
			"settings":       len(m.settings),
		}, nil
	case "set":
		key, ok := params["key"].(string)
		if !ok || key == "" {
			return nil, fmt.Errorf("instrument: set: missing key")
		}
		m.mu.Lock()
		m.settings[key] = params["value"]
		m.mu.Unlock()
		return map[string]any{"key": key}, nil
	case "get":
		key, ok := params["key"].(string)
		if !ok || key == "" {
			return nil, fmt.Errorf("instrument: get: missing key")
		}
		m.mu.Lock()
		value, present := m.settings[key]
		m.mu.Unlock()
		if !present {
			return nil, fmt.Errorf("instrument: get: no setting %q", key)
		}
		return map[string]any{"key": key, "value": value}, nil
	case "read":
		channel, _ := params["channel"].(string)
		if channel == "" {
			channel = "ch0"
		}
		m.mu.Lock()
		n := m.reads[channel]
		m.reads[channel] = n + 1
		m.mu.Unlock()
		// Deterministic synthetic signal: reproducible per channel and call
		// ordinal, so tests can assert exact values.
		value := math.Sin(float64(n)/8.0) * float64(len(channel))
		return map[string]any{"channel": channel, "sample": n, "value": value}, nil
	case "fail":
		return nil, fmt.Errorf("instrument: fail: induced failure")
	case "panic":
		panic("instrument: mock panic requested")
	}
	return nil, UnknownOperationError(op)
}

// Close ends the session.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
	return nil
}

// Closed reports whether Close has been called since the last Connect.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
