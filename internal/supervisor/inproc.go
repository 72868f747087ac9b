package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/harness"
	"pkt.systems/instrumentd/internal/svcfields"
	"pkt.systems/instrumentd/internal/wire"
)

// InProcWorker runs the harness in a goroutine inside the client process,
// wired over in-memory pipes. It backs mock mode and tests: the full wire
// protocol and demultiplexing path is exercised without a second process.
type InProcWorker struct {
	h      *harness.Harness
	enc    *wire.Encoder
	dec    *wire.Decoder
	stdin  io.Closer
	logger pslog.Logger

	alive    atomic.Bool
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// StartInProc builds the harness from cfg and runs it.
func StartInProc(ctx context.Context, cfg harness.Config, maxMessageBytes int64) (*InProcWorker, error) {
	h, err := harness.New(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := &InProcWorker{
		h:      h,
		enc:    wire.NewEncoder(inW, maxMessageBytes),
		dec:    wire.NewDecoder(outR, maxMessageBytes),
		stdin:  inW,
		logger: svcfields.WithSubsystem(logger, "supervisor.inproc"),
		done:   make(chan struct{}),
	}
	w.alive.Store(true)
	go func() {
		w.runErr = h.Run(ctx, inR, outW)
		w.alive.Store(false)
		// Closing inR fails any blocked or future WriteCommand instead of
		// letting it hang on the synchronous pipe.
		_ = inR.Close()
		_ = outW.Close()
		close(w.done)
	}()
	return w, nil
}

// Harness exposes the underlying harness, mainly for state assertions.
func (w *InProcWorker) Harness() *harness.Harness {
	return w.h
}

// WriteCommand feeds the harness's inbound pipe.
func (w *InProcWorker) WriteCommand(cmd api.Command) error {
	if !w.alive.Load() {
		return errors.New("supervisor: worker not alive")
	}
	return w.enc.Encode(cmd)
}

// ReadResponse drains the harness's outbound pipe.
func (w *InProcWorker) ReadResponse() (api.Response, error) {
	return w.dec.ReadResponse()
}

// Alive reports whether the harness goroutine is still running.
func (w *InProcWorker) Alive() bool {
	return w.alive.Load()
}

// Done is closed when the harness goroutine has returned.
func (w *InProcWorker) Done() <-chan struct{} {
	return w.done
}

// RunError returns the harness's exit error once Done is closed.
func (w *InProcWorker) RunError() error {
	select {
	case <-w.done:
		return w.runErr
	default:
		return nil
	}
}

// Stop closes the inbound pipe; the harness tears down on EOF. In-process
// workers have no kill escalation, but the wait is still bounded by ctx.
func (w *InProcWorker) Stop(ctx context.Context) error {
	var stopErr error
	w.stopOnce.Do(func() {
		_ = w.stdin.Close()
		select {
		case <-w.done:
		case <-ctx.Done():
			w.logger.Warn("in-process worker did not stop in time")
			stopErr = ctx.Err()
		}
	})
	return stopErr
}
