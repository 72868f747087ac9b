package instrumentd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/clock"
	"pkt.systems/instrumentd/internal/harness"
	"pkt.systems/instrumentd/internal/instrument"
	"pkt.systems/instrumentd/internal/supervisor"
	"pkt.systems/instrumentd/internal/svcfields"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("instrumentd: broker closed")

// TransportFactory builds the worker transport for a broker. Overridable in
// tests to inject custom connectors or fault-injecting transports.
type TransportFactory func(ctx context.Context, cfg Config, logger pslog.Logger) (supervisor.Transport, error)

// Broker is the client-facing manager multiplexing concurrent senders over
// the single exclusive worker. It is an explicit, injectable object: construct
// one at startup and pass it by reference to collaborators.
type Broker struct {
	cfg       Config
	logger    pslog.Logger
	clk       clock.Clock
	factory   TransportFactory
	metrics   *brokerMetrics
	telemetry *telemetryBundle
	pending   *pendingTable

	// startMu serializes acquire/release/close; it is distinct from the
	// per-command locking inside the pending table and never taken by Send.
	startMu sync.Mutex
	// mu guards the worker pointer for Send-side reads.
	mu        sync.RWMutex
	worker    supervisor.Transport
	demuxDone chan struct{}
	refs      int
	closed    bool
}

// Option configures broker instances.
type Option func(*brokerOptions)

type brokerOptions struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Factory TransportFactory
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *brokerOptions) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *brokerOptions) {
		o.Clock = c
	}
}

// WithTransportFactory overrides how the worker transport is built.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *brokerOptions) {
		o.Factory = f
	}
}

// NewBroker constructs a broker according to cfg. The worker is not started
// until the first Acquire.
// Example:
//
//	cfg := instrumentd.Config{Target: "spm-controller:6742", Profile: "tunneling", ProfilesPath: "profiles.yaml"}
//	broker, err := instrumentd.NewBroker(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close(context.Background())
func NewBroker(cfg Config, opts ...Option) (*Broker, error) {
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	var o brokerOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	factory := o.Factory
	if factory == nil {
		factory = defaultTransportFactory
	}
	b := &Broker{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "broker"),
		clk:     clk,
		factory: factory,
		metrics: newBrokerMetrics(),
		pending: newPendingTable(),
	}
	if cfg.MetricsListen != "" || cfg.PprofListen != "" || cfg.OTLPEndpoint != "" {
		telemetry, err := setupTelemetry(context.Background(), cfg, b.metrics.registry, logger.With("svc", "telemetry"))
		if err != nil {
			return nil, err
		}
		b.telemetry = telemetry
	}
	return b, nil
}

// Handle represents one attached client. Each Acquire returns a handle that
// must be paired with exactly one Release.
type Handle struct {
	id       string
	broker   *Broker
	released atomic.Bool
}

// ID identifies the handle in logs.
func (h *Handle) ID() string {
	return h.id
}

// Release detaches the handle from its broker.
func (h *Handle) Release(ctx context.Context) error {
	return h.broker.Release(ctx, h)
}

// Acquire attaches a client, lazily starting the worker on first use. It is
// idempotent in effect: concurrent callers race for a single spawn and all
// share the resulting worker, each holding one reference.
func (b *Broker) Acquire(ctx context.Context) (*Handle, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if w := b.currentWorker(); w != nil && !w.Alive() {
		// The shared connection died out from under us; a fresh acquire is
		// allowed to bring up a replacement worker.
		b.logger.Warn("previous worker dead, starting replacement")
		b.stopWorkerLocked(ctx)
	}
	if b.currentWorker() == nil {
		if err := b.startWorkerLocked(ctx); err != nil {
			return nil, err
		}
	}
	b.refs++
	h := &Handle{id: xid.New().String(), broker: b}
	b.logger.Debug("client attached", "handle", h.id, "refs", b.refs)
	return h, nil
}

// Release detaches a handle. When the last reference goes away the worker is
// shut down: orderly first, force-terminated if unresponsive.
func (b *Broker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("instrumentd: nil handle")
	}
	if !h.released.CompareAndSwap(false, true) {
		return errors.New("instrumentd: handle already released")
	}
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.refs <= 0 {
		return errors.New("instrumentd: release without acquire")
	}
	b.refs--
	b.logger.Debug("client detached", "handle", h.id, "refs", b.refs)
	if b.refs > 0 {
		return nil
	}
	return b.stopWorkerLocked(ctx)
}

// Refs returns the current attached-client count.
func (b *Broker) Refs() int {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.refs
}

// PendingRequests reports the number of in-flight sends, mainly for
// diagnostics and leak detection.
func (b *Broker) PendingRequests() int {
	return b.pending.size()
}

// WorkerAlive reports whether a worker is currently running.
func (b *Broker) WorkerAlive() bool {
	w := b.currentWorker()
	return w != nil && w.Alive()
}

// Send issues one command and blocks for its matching response, up to the
// configured default timeout. Concurrent callers never block on each other;
// each waits only on its own correlation id.
func (b *Broker) Send(ctx context.Context, name string, params map[string]any) (api.Response, error) {
	return b.SendTimeout(ctx, name, params, 0)
}

// SendTimeout is Send with a caller-supplied timeout. timeout <= 0 selects
// the configured default.
func (b *Broker) SendTimeout(ctx context.Context, name string, params map[string]any, timeout time.Duration) (api.Response, error) {
	if timeout <= 0 {
		timeout = b.cfg.SendTimeout
	}
	return b.sendVia(ctx, b.currentWorker(), name, params, timeout, nil)
}

// Close shuts the broker down regardless of outstanding references. It is
// the safety net applications register in their own shutdown sequence so an
// abandoned broker never leaves an orphaned worker process.
func (b *Broker) Close(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.refs = 0
	err := b.stopWorkerLocked(ctx)
	if b.telemetry != nil {
		if terr := b.telemetry.Shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
		b.telemetry = nil
	}
	return err
}

func (b *Broker) currentWorker() supervisor.Transport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.worker
}

func (b *Broker) setWorker(w supervisor.Transport, demuxDone chan struct{}) {
	b.mu.Lock()
	b.worker = w
	b.demuxDone = demuxDone
	b.mu.Unlock()
}

// startWorkerLocked spawns the worker, starts the demultiplexer, and
// confirms liveness before returning. Caller holds startMu.
func (b *Broker) startWorkerLocked(ctx context.Context) error {
	w, err := b.factory(ctx, b.cfg, b.logger)
	if err != nil {
		var be *BrokerError
		if errors.As(err, &be) {
			return err
		}
		return brokerErrWrap(api.CodeWorkerUnavailable, "start worker", err)
	}
	done := make(chan struct{})
	b.setWorker(w, done)

	// Arm the uncorrelated slot before the demultiplexer starts so a fatal
	// init report from the harness short-circuits the liveness wait instead
	// of burning the full timeout.
	initFailure := b.pending.armUncorrelated()
	defer b.pending.disarmUncorrelated()
	go b.demux(w, done)

	resp, err := b.sendVia(ctx, w, api.CommandPing, nil, b.cfg.PingTimeout, initFailure)
	if err != nil {
		b.stopWorkerLocked(ctx)
		return err
	}
	if !resp.OK() {
		b.stopWorkerLocked(ctx)
		detail := "liveness check failed"
		if resp.Error != nil {
			detail = resp.Error.Detail
		}
		return brokerErr(api.CodeConnectionFailure, detail)
	}
	b.logger.Info("worker ready", "mock", b.cfg.Mock, "target", b.cfg.Target)
	return nil
}

// stopWorkerLocked tears the worker down: one shutdown command at refcount
// zero, bounded wait, force-kill on no response. Caller holds startMu.
func (b *Broker) stopWorkerLocked(ctx context.Context) error {
	w := b.currentWorker()
	if w == nil {
		return nil
	}
	b.mu.RLock()
	demuxDone := b.demuxDone
	b.mu.RUnlock()

	if pw, ok := w.(*supervisor.ProcessWorker); ok && w.Alive() {
		rss, cpu := pw.Usage()
		b.logger.Debug("worker usage at shutdown", "rss", humanize.Bytes(rss), "cpu_percent", fmt.Sprintf("%.1f", cpu))
	}
	if w.Alive() {
		shutdownCtx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownGrace)
		if _, err := b.sendVia(shutdownCtx, w, api.CommandShutdown, nil, b.cfg.ShutdownGrace, nil); err != nil {
			b.logger.Warn("orderly shutdown failed", "error", err)
		}
		cancel()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownGrace)
	defer cancel()
	err := w.Stop(stopCtx)
	if demuxDone != nil {
		select {
		case <-demuxDone:
		case <-stopCtx.Done():
			b.logger.Warn("demultiplexer did not stop in time")
		}
	}
	b.setWorker(nil, nil)
	b.logger.Info("worker stopped")
	return err
}

// sendVia registers a pending request, transmits the command, and waits for
// the matching response. The table lock is held only for insert/remove; the
// wait happens on the request's own channel so the dominant latency (actual
// instrument execution) never serializes callers.
func (b *Broker) sendVia(ctx context.Context, w supervisor.Transport, name string, params map[string]any, timeout time.Duration, initFailure <-chan api.Response) (api.Response, error) {
	if w == nil || !w.Alive() {
		return api.Response{}, brokerErr(api.CodeWorkerUnavailable, "worker process is not alive")
	}
	cmd := api.NewCommand(name, params)
	ch, err := b.pending.add(cmd.ID)
	if err != nil {
		return api.Response{}, brokerErrWrap(api.CodeCommandFailure, "register pending request", err)
	}
	b.metrics.inflight.Inc()
	defer b.metrics.inflight.Dec()
	start := b.clk.Now()

	if err := w.WriteCommand(cmd); err != nil {
		b.pending.remove(cmd.ID)
		if initFailure != nil {
			// The worker may have died reporting a startup failure; prefer
			// that diagnosis over a bare write error.
			select {
			case resp := <-initFailure:
				if resp.Error != nil {
					return api.Response{}, brokerErr(resp.Error.Code, resp.Error.Detail)
				}
			case <-b.clk.After(250 * time.Millisecond):
			}
		}
		return api.Response{}, brokerErrWrap(api.CodeWorkerUnavailable, "write command", err)
	}
	// Liveness re-check immediately after sending: a dead worker surfaces
	// now, not after waiting out the full timeout.
	if !w.Alive() {
		select {
		case resp := <-ch:
			return b.finish(name, resp, start), nil
		default:
		}
		b.pending.remove(cmd.ID)
		return api.Response{}, brokerErr(api.CodeWorkerUnavailable, "worker died after send")
	}

	timer := b.clk.After(timeout)
	select {
	case resp := <-ch:
		return b.finish(name, resp, start), nil
	case <-timer:
		if b.pending.remove(cmd.ID) == nil {
			// The response raced the timer; the demultiplexer already popped
			// our entry and the channel write is imminent or done.
			resp := <-ch
			return b.finish(name, resp, start), nil
		}
		b.metrics.timeouts.Inc()
		return api.Response{}, brokerErr(api.CodeTimeout,
			fmt.Sprintf("no response to %q within %s", name, timeout))
	case <-w.Done():
		select {
		case resp := <-ch:
			return b.finish(name, resp, start), nil
		default:
		}
		b.pending.remove(cmd.ID)
		return api.Response{}, brokerErr(api.CodeWorkerUnavailable, "worker exited while waiting")
	case resp := <-initFailure:
		b.pending.remove(cmd.ID)
		if resp.Error != nil {
			return api.Response{}, brokerErr(resp.Error.Code, resp.Error.Detail)
		}
		return api.Response{}, brokerErr(api.CodeConnectionFailure, "worker reported startup failure")
	case <-ctx.Done():
		b.pending.remove(cmd.ID)
		return api.Response{}, ctx.Err()
	}
}

func (b *Broker) finish(name string, resp api.Response, start time.Time) api.Response {
	b.metrics.commands.WithLabelValues(resp.Status).Inc()
	b.metrics.sendSeconds.Observe(b.clk.Now().Sub(start).Seconds())
	if !resp.OK() && resp.Error != nil {
		b.logger.Debug("command returned error", "command", name, "code", resp.Error.Code)
	}
	return resp
}

func defaultTransportFactory(ctx context.Context, cfg Config, logger pslog.Logger) (supervisor.Transport, error) {
	if cfg.Mock {
		profile, err := cfg.ResolveProfile()
		if err != nil {
			return nil, err
		}
		return supervisor.StartInProc(context.Background(), harness.Config{
			Connector:       instrument.NewMock(),
			Logger:          logger,
			ConnectAttempts: cfg.ConnectAttempts,
			ConnectBackoff:  cfg.ConnectBackoff,
			Profile:         profile,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, cfg.MaxMessageBytes)
	}
	args := cfg.WorkerArgs
	if len(args) == 0 {
		args = workerArgs(cfg)
	}
	return supervisor.StartProcess(ctx, supervisor.ProcessConfig{
		Binary:          cfg.WorkerBinary,
		Args:            args,
		Logger:          logger,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
}

func workerArgs(cfg Config) []string {
	args := []string{
		"worker",
		"--target", cfg.Target,
		"--connect-attempts", strconv.Itoa(cfg.ConnectAttempts),
		"--connect-backoff", cfg.ConnectBackoff.String(),
	}
	if cfg.Profile != "" {
		args = append(args, "--profile", cfg.Profile, "--profiles", cfg.ProfilesPath)
	}
	return args
}
