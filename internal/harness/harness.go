// Package harness runs the worker side of the broker: the single process-wide
// owner of the instrument connection. It pulls command envelopes off an
// inbound stream, executes them strictly one at a time, and pushes tagged
// responses onto an outbound stream. Concurrency above this layer is an
// illusion created by the broker; the instrument itself permits exactly one
// controller.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/clock"
	"pkt.systems/instrumentd/internal/instrument"
	"pkt.systems/instrumentd/internal/svcfields"
	"pkt.systems/instrumentd/internal/wire"
)

const (
	// DefaultConnectAttempts bounds instrument connect retries at startup.
	DefaultConnectAttempts = 3
	// DefaultConnectBackoff is the fixed pause between connect attempts.
	DefaultConnectBackoff = 2 * time.Second
)

// DefaultProbeOps is the post-connect validation set. Each must be accessible
// on a freshly connected instrument before the harness begins serving.
var DefaultProbeOps = []string{"echo", "status"}

// Config assembles a harness.
type Config struct {
	// Connector is the instrument session the harness exclusively owns.
	Connector instrument.Connector
	// Logger receives structured harness logs. Nil selects a noop logger.
	Logger pslog.Logger
	// Clock drives retry backoff. Nil selects the real clock.
	Clock clock.Clock
	// ConnectAttempts bounds startup connect retries (<=0 uses the default).
	ConnectAttempts int
	// ConnectBackoff is the fixed delay between attempts (<=0 uses default).
	ConnectBackoff time.Duration
	// ProbeOps overrides the post-connect validation set (nil uses default).
	ProbeOps []string
	// Profile holds named settings applied to the instrument after connect.
	Profile map[string]any
	// MaxMessageBytes bounds a single envelope on the wire.
	MaxMessageBytes int64
}

// Harness executes commands against the instrument strictly sequentially.
type Harness struct {
	cfg      Config
	logger   pslog.Logger
	clk      clock.Clock
	dispatch *Dispatcher

	mu    sync.Mutex
	state State
}

// New constructs a harness around cfg.Connector.
func New(cfg Config) (*Harness, error) {
	if cfg.Connector == nil {
		return nil, errors.New("harness: connector required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}
	if cfg.ProbeOps == nil {
		cfg.ProbeOps = DefaultProbeOps
	}
	return &Harness{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "harness"),
		clk:      clk,
		dispatch: NewDispatcher(cfg.Connector),
	}, nil
}

// Register installs a custom handler before Run.
func (h *Harness) Register(name string, handler Handler) error {
	return h.dispatch.Register(name, handler)
}

// State returns the current lifecycle state.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Harness) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	if prev != s {
		h.logger.Debug("state transition", "from", prev.String(), "to", s.String())
	}
}

// Run connects the instrument and serves commands from r, writing responses
// to w, until shutdown is requested, r reaches EOF, or ctx is cancelled.
// EOF on r means the owning process is gone; the harness tears down rather
// than linger as an orphan.
func (h *Harness) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := wire.NewEncoder(w, h.cfg.MaxMessageBytes)
	dec := wire.NewDecoder(r, h.cfg.MaxMessageBytes)

	h.setState(StateStarting)
	if err := h.connect(ctx); err != nil {
		h.setState(StateFailed)
		// Report the fatal init failure upward before exiting; the response
		// is uncorrelated because no command triggered it.
		_ = enc.Encode(api.Response{
			Status: api.StatusError,
			Error:  &api.ErrorInfo{Code: api.CodeConnectionFailure, Detail: err.Error()},
		})
		return err
	}
	h.setState(StateConnected)
	if err := h.probe(ctx); err != nil {
		h.setState(StateFailed)
		_ = h.cfg.Connector.Close()
		_ = enc.Encode(api.Response{
			Status: api.StatusError,
			Error:  &api.ErrorInfo{Code: api.CodeConnectionFailure, Detail: err.Error()},
		})
		return err
	}
	if err := h.applyProfile(ctx); err != nil {
		h.setState(StateFailed)
		_ = h.cfg.Connector.Close()
		_ = enc.Encode(api.Response{
			Status: api.StatusError,
			Error:  &api.ErrorInfo{Code: api.CodeConnectionFailure, Detail: err.Error()},
		})
		return err
	}

	h.setState(StateServing)
	h.logger.Info("serving", "probe_ops", len(h.cfg.ProbeOps), "profile_settings", len(h.cfg.Profile))
	return h.serve(ctx, dec, enc)
}

func (h *Harness) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= h.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := h.cfg.Connector.Connect(ctx)
		if err == nil {
			h.logger.Info("instrument connected", "attempt", attempt)
			return nil
		}
		lastErr = err
		h.logger.Warn("connect attempt failed", "attempt", attempt, "attempts", h.cfg.ConnectAttempts, "error", err)
		if attempt < h.cfg.ConnectAttempts {
			select {
			case <-h.clk.After(h.cfg.ConnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("harness: instrument unreachable after %d attempts: %w", h.cfg.ConnectAttempts, lastErr)
}

// probe catches connected-but-unusable sessions before they surface as
// confusing failures mid-session.
func (h *Harness) probe(ctx context.Context) error {
	for _, op := range h.cfg.ProbeOps {
		if err := h.cfg.Connector.Verify(ctx, op); err != nil {
			return fmt.Errorf("harness: post-connect probe: operation %q inaccessible: %w", op, err)
		}
	}
	return nil
}

func (h *Harness) applyProfile(ctx context.Context) error {
	if len(h.cfg.Profile) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h.cfg.Profile))
	for key := range h.cfg.Profile {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := h.cfg.Connector.Do(ctx, "set", map[string]any{"key": key, "value": h.cfg.Profile[key]}); err != nil {
			return fmt.Errorf("harness: apply profile setting %q: %w", key, err)
		}
		h.logger.Debug("profile setting applied", "key", key)
	}
	return nil
}

func (h *Harness) serve(ctx context.Context, dec *wire.Decoder, enc *wire.Encoder) error {
	for {
		if err := ctx.Err(); err != nil {
			h.teardown(enc, nil)
			return err
		}
		cmd, err := dec.ReadCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.logger.Info("inbound channel closed, shutting down")
				h.teardown(enc, nil)
				return nil
			}
			h.logger.Warn("dropping undecodable command", "error", err)
			continue
		}
		switch cmd.Name {
		case api.CommandPing:
			// Liveness probe: reply without touching the instrument.
			if err := enc.Encode(api.OKResponse(cmd, map[string]any{"state": h.State().String()})); err != nil {
				return h.outboundErr(err)
			}
		case api.CommandShutdown:
			h.teardown(enc, &cmd)
			return nil
		default:
			resp := h.dispatch.Execute(ctx, cmd)
			if !resp.OK() && resp.Error != nil {
				h.logger.Warn("command failed", "command", cmd.Name, "id", cmd.ID, "code", resp.Error.Code, "error", resp.Error.Detail)
			} else {
				h.logger.Debug("command executed", "command", cmd.Name, "id", cmd.ID)
			}
			if err := enc.Encode(resp); err != nil {
				return h.outboundErr(err)
			}
		}
	}
}

// teardown performs the orderly shutdown sequence: close the connection,
// flush the outbound side, leave the loop. ack is the shutdown command to
// acknowledge, nil when shutdown was triggered by EOF or cancellation.
func (h *Harness) teardown(enc *wire.Encoder, ack *api.Command) {
	h.setState(StateShuttingDown)
	if err := h.cfg.Connector.Close(); err != nil {
		h.logger.Warn("instrument close failed", "error", err)
	}
	if ack != nil {
		if err := enc.Encode(api.OKResponse(*ack, map[string]any{"stopped": true})); err != nil {
			h.logger.Warn("shutdown ack failed", "error", err)
		}
	}
	h.setState(StateStopped)
	h.logger.Info("stopped")
}

func (h *Harness) outboundErr(err error) error {
	h.setState(StateStopped)
	_ = h.cfg.Connector.Close()
	return fmt.Errorf("harness: outbound channel: %w", err)
}
