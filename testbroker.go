package instrumentd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/instrumentd/internal/harness"
	"pkt.systems/instrumentd/internal/instrument"
	"pkt.systems/instrumentd/internal/supervisor"
)

// TestBroker wraps a broker backed by an in-process mock worker, with
// convenient handles for tests.
type TestBroker struct {
	Broker *Broker
	Mock   *instrument.Mock
	Config Config
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer).LogLevel(level)
	return logger.With("app", "testbroker")
}

// NewTestBroker builds a broker whose worker runs in-process against a fresh
// mock instrument, so tests exercise the full acquire/send/release flow
// without spawning subprocesses. The broker is closed via t.Cleanup.
func NewTestBroker(t testing.TB, mutate ...func(*Config)) *TestBroker {
	t.Helper()
	cfg := Config{
		Mock:           true,
		SendTimeout:    5 * time.Second,
		PingTimeout:    5 * time.Second,
		ShutdownGrace:  5 * time.Second,
		ConnectBackoff: time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	mock := instrument.NewMock()
	factory := func(ctx context.Context, cfg Config, logger pslog.Logger) (supervisor.Transport, error) {
		profile, err := cfg.ResolveProfile()
		if err != nil {
			return nil, err
		}
		return supervisor.StartInProc(context.Background(), harness.Config{
			Connector:       mock,
			Logger:          logger,
			ConnectAttempts: cfg.ConnectAttempts,
			ConnectBackoff:  cfg.ConnectBackoff,
			Profile:         profile,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, cfg.MaxMessageBytes)
	}
	b, err := NewBroker(cfg,
		WithLogger(NewTestingLogger(t, pslog.InfoLevel)),
		WithTransportFactory(factory),
	)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return &TestBroker{Broker: b, Mock: mock, Config: cfg}
}
