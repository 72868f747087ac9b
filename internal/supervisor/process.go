package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/svcfields"
	"pkt.systems/instrumentd/internal/wire"
)

// ProcessConfig describes how to spawn a worker process.
type ProcessConfig struct {
	// Binary is the worker executable. Empty resolves to the current binary,
	// which re-enters through its own worker subcommand.
	Binary string
	// Args are passed verbatim to the binary.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// Logger receives supervisor and forwarded worker stderr output.
	Logger pslog.Logger
	// MaxMessageBytes bounds envelopes on the stdio pipes.
	MaxMessageBytes int64
}

// ProcessWorker is a worker harness running in its own OS process, speaking
// envelopes over its stdin/stdout. Its stderr is forwarded line by line to
// the supervisor's logger.
type ProcessWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *wire.Encoder
	dec    *wire.Decoder
	logger pslog.Logger

	alive     atomic.Bool
	done      chan struct{}
	waitErr   error
	stopOnce  sync.Once
	stderrWG  sync.WaitGroup
	closeOnce sync.Once
}

// StartProcess spawns the worker and returns once the pipes are wired. The
// caller is expected to confirm liveness with a ping before first use.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*ProcessWorker, error) {
	binary := cfg.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve own binary: %w", err)
		}
		binary = self
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "supervisor.process")

	cmd := exec.Command(binary, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %s: %w", binary, err)
	}

	w := &ProcessWorker{
		cmd:    cmd,
		stdin:  stdin,
		enc:    wire.NewEncoder(stdin, cfg.MaxMessageBytes),
		dec:    wire.NewDecoder(stdout, cfg.MaxMessageBytes),
		logger: logger,
		done:   make(chan struct{}),
	}
	w.alive.Store(true)
	logger.Info("worker started", "pid", cmd.Process.Pid, "binary", binary)

	w.stderrWG.Add(1)
	go w.forwardStderr(stderr)
	go func() {
		err := cmd.Wait()
		w.alive.Store(false)
		w.waitErr = err
		w.stderrWG.Wait()
		close(w.done)
		if err != nil && ctx.Err() == nil {
			logger.Warn("worker exited", "error", err)
		} else {
			logger.Info("worker exited")
		}
	}()
	return w, nil
}

// PID returns the worker process id.
func (w *ProcessWorker) PID() int {
	return w.cmd.Process.Pid
}

// WriteCommand sends one command down the worker's stdin.
func (w *ProcessWorker) WriteCommand(cmd api.Command) error {
	if !w.alive.Load() {
		return errors.New("supervisor: worker not alive")
	}
	return w.enc.Encode(cmd)
}

// ReadResponse blocks for the next response from the worker's stdout.
func (w *ProcessWorker) ReadResponse() (api.Response, error) {
	return w.dec.ReadResponse()
}

// Alive reports whether the process is still running.
func (w *ProcessWorker) Alive() bool {
	return w.alive.Load()
}

// Done is closed when the process has exited.
func (w *ProcessWorker) Done() <-chan struct{} {
	return w.done
}

// Stop closes the worker's stdin so the harness tears down on EOF, then
// force-kills if the process has not exited before ctx ends. The stdin EOF
// path doubles as the orphan safety net: a worker whose owner died sees the
// same signal.
func (w *ProcessWorker) Stop(ctx context.Context) error {
	var stopErr error
	w.stopOnce.Do(func() {
		w.closeStdin()
		select {
		case <-w.done:
		case <-ctx.Done():
			w.logger.Warn("worker unresponsive, killing", "pid", w.cmd.Process.Pid)
			if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				stopErr = fmt.Errorf("supervisor: kill worker: %w", err)
				return
			}
			<-w.done
		}
	})
	return stopErr
}

// Usage samples the worker's resident set size and CPU percent for
// diagnostics. Best effort; zero values when the process is gone.
func (w *ProcessWorker) Usage() (rssBytes uint64, cpuPercent float64) {
	proc, err := process.NewProcess(int32(w.cmd.Process.Pid))
	if err != nil {
		return 0, 0
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rssBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		cpuPercent = cpu
	}
	return rssBytes, cpuPercent
}

func (w *ProcessWorker) closeStdin() {
	w.closeOnce.Do(func() {
		_ = w.stdin.Close()
	})
}

func (w *ProcessWorker) forwardStderr(stderr io.Reader) {
	defer w.stderrWG.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		w.logger.Info("worker stderr", "line", line)
	}
}
