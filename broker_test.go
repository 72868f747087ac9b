package instrumentd_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/instrumentd"
	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/harness"
	"pkt.systems/instrumentd/internal/instrument"
	"pkt.systems/instrumentd/internal/supervisor"
)

func acquire(t *testing.T, b *instrumentd.Broker) *instrumentd.Handle {
	t.Helper()
	h, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return h
}

func TestConcurrentSendsEachGetOwnResponse(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := fmt.Sprintf("tag-%03d", i)
			resp, err := tb.Broker.Send(ctx, "echo", map[string]any{"tag": tag})
			if err != nil {
				errs <- fmt.Errorf("send %s: %w", tag, err)
				return
			}
			if !resp.OK() {
				errs <- fmt.Errorf("send %s: unexpected status %s", tag, resp.Status)
				return
			}
			var got map[string]any
			if err := resp.DecodePayload(&got); err != nil {
				errs <- fmt.Errorf("decode %s: %w", tag, err)
				return
			}
			if got["tag"] != tag {
				errs <- fmt.Errorf("response mixup: sent %s, received %v", tag, got["tag"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAbandonedSendsDoNotLeakPendingEntries(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tb.Broker.SendTimeout(ctx, "delay", map[string]any{"seconds": 0.02}, time.Millisecond)
			if !instrumentd.IsTimeout(err) {
				t.Errorf("expected timeout, got %v", err)
			}
		}()
	}
	wg.Wait()
	if got := tb.Broker.PendingRequests(); got != 0 {
		t.Fatalf("pending table leaked %d entries after abandoned sends", got)
	}
}

func TestAcquireSharesOneWorker(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()

	const k = 8
	handles := make([]*instrumentd.Handle, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := tb.Broker.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		return
	}
	if got := tb.Broker.Refs(); got != k {
		t.Fatalf("refs = %d, want %d", got, k)
	}
	if got := tb.Mock.Connects(); got != 1 {
		t.Fatalf("instrument connected %d times, want 1", got)
	}
	for i := 0; i < k-1; i++ {
		if err := handles[i].Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if !tb.Broker.WorkerAlive() {
			t.Fatalf("worker stopped with %d references outstanding", k-1-i)
		}
	}
	if err := handles[k-1].Release(ctx); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if tb.Broker.WorkerAlive() {
		t.Fatal("worker still alive after final release")
	}
	if !tb.Mock.Closed() {
		t.Fatal("instrument session not closed by final release")
	}
}

func TestHandleDoubleReleaseRejected(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(ctx); err == nil {
		t.Fatal("second release of the same handle succeeded")
	}
}

func TestTimeoutThenRecover(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	_, err := tb.Broker.SendTimeout(ctx, "delay", map[string]any{"seconds": 0.2}, 10*time.Millisecond)
	if !instrumentd.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// The late delay response must be dropped, not delivered to the next send.
	resp, err := tb.Broker.Send(ctx, "echo", map[string]any{"probe": "after-timeout"})
	if err != nil {
		t.Fatalf("send after timeout: %v", err)
	}
	var got map[string]any
	if err := resp.DecodePayload(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["probe"] != "after-timeout" {
		t.Fatalf("send after timeout received wrong payload: %v", got)
	}
}

func TestCommandErrorIsAResponseNotAnError(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	resp, err := tb.Broker.Send(ctx, "fail", map[string]any{"detail": "induced"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.OK() {
		t.Fatal("fail command reported ok")
	}
	if resp.Error == nil || resp.Error.Code != api.CodeCommandFailure {
		t.Fatalf("error info = %+v, want command_failure", resp.Error)
	}
}

func TestUnknownCommandCode(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	resp, err := tb.Broker.Send(ctx, "defragment", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != api.CodeUnknownCommand {
		t.Fatalf("error info = %+v, want unknown_command", resp.Error)
	}
}

func TestSendWithoutWorker(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	_, err := tb.Broker.Send(context.Background(), "echo", nil)
	if !instrumentd.IsWorkerUnavailable(err) {
		t.Fatalf("expected worker_unavailable before acquire, got %v", err)
	}
}

func TestKilledWorkerFailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var (
		mu   sync.Mutex
		kill context.CancelFunc
	)
	factory := func(_ context.Context, cfg instrumentd.Config, logger pslog.Logger) (supervisor.Transport, error) {
		runCtx, cancel := context.WithCancel(context.Background())
		w, err := supervisor.StartInProc(runCtx, harness.Config{
			Connector:       instrument.NewMock(),
			Logger:          logger,
			ConnectBackoff:  time.Millisecond,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, cfg.MaxMessageBytes)
		if err != nil {
			cancel()
			return nil, err
		}
		mu.Lock()
		kill = cancel
		mu.Unlock()
		return w, nil
	}
	b, err := instrumentd.NewBroker(instrumentd.Config{Mock: true},
		instrumentd.WithLogger(instrumentd.NewTestingLogger(t, pslog.InfoLevel)),
		instrumentd.WithTransportFactory(factory),
	)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	h := acquire(t, b)
	defer h.Release(ctx)

	type outcome struct {
		resp api.Response
		err  error
	}
	result := make(chan outcome, 1)
	go func() {
		resp, err := b.SendTimeout(ctx, "delay", map[string]any{"seconds": 30}, time.Minute)
		result <- outcome{resp, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the delay command reach the harness

	mu.Lock()
	kill()
	mu.Unlock()

	// The in-flight send must resolve promptly, not wait out its timeout.
	// Depending on who wins the race it either gets the worker's aborted
	// final response or a worker_unavailable error.
	select {
	case out := <-result:
		if out.err != nil && !instrumentd.IsWorkerUnavailable(out.err) {
			t.Fatalf("unexpected send error after kill: %v", out.err)
		}
		if out.err == nil && out.resp.OK() {
			t.Fatal("killed mid-delay yet command reported ok")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send did not fail promptly after worker death")
	}

	if _, err := b.Send(ctx, "echo", nil); !instrumentd.IsWorkerUnavailable(err) {
		t.Fatalf("expected worker_unavailable on dead worker, got %v", err)
	}

	// A fresh acquire brings up a replacement worker.
	h2, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after worker death: %v", err)
	}
	defer h2.Release(ctx)
	if _, err := b.Send(ctx, "echo", map[string]any{"probe": "revived"}); err != nil {
		t.Fatalf("send on replacement worker: %v", err)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func TestCloseIsTerminal(t *testing.T) {
	t.Parallel()
	tb := instrumentd.NewTestBroker(t)
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	_ = h
	if err := tb.Broker.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := tb.Broker.Acquire(ctx); err == nil {
		t.Fatal("acquire succeeded on closed broker")
	}
	if _, err := tb.Broker.Send(ctx, "echo", nil); !instrumentd.IsWorkerUnavailable(err) {
		t.Fatalf("expected worker_unavailable after close, got %v", err)
	}
}

func TestProfileAppliedOnAcquire(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := dir + "/profiles.yaml"
	if err := writeFile(path, "tunneling:\n  gain: 2.5\n  mode: constant-current\n"); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	tb := instrumentd.NewTestBroker(t, func(c *instrumentd.Config) {
		c.Profile = "tunneling"
		c.ProfilesPath = path
	})
	ctx := context.Background()
	h := acquire(t, tb.Broker)
	defer h.Release(ctx)

	resp, err := tb.Broker.Send(ctx, "get", map[string]any{"key": "gain"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got map[string]any
	if err := resp.DecodePayload(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["value"] != 2.5 {
		t.Fatalf("gain = %v, want 2.5", got["value"])
	}
}

func TestConnectFailureSurfacesOnAcquire(t *testing.T) {
	t.Parallel()
	mock := instrument.NewMock(instrument.WithMockConnectFailures(10, fmt.Errorf("tip crashed")))
	factory := func(_ context.Context, cfg instrumentd.Config, logger pslog.Logger) (supervisor.Transport, error) {
		return supervisor.StartInProc(context.Background(), harness.Config{
			Connector:       mock,
			Logger:          logger,
			ConnectAttempts: 2,
			ConnectBackoff:  time.Millisecond,
			MaxMessageBytes: cfg.MaxMessageBytes,
		}, cfg.MaxMessageBytes)
	}
	b, err := instrumentd.NewBroker(instrumentd.Config{Mock: true, PingTimeout: 5 * time.Second},
		instrumentd.WithTransportFactory(factory),
	)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	start := time.Now()
	_, err = b.Acquire(context.Background())
	if err == nil {
		t.Fatal("acquire succeeded with unreachable instrument")
	}
	if !instrumentd.IsConnectionFailure(err) && !instrumentd.IsWorkerUnavailable(err) {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	// The harness failure report must short-circuit the liveness wait.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("acquire took %s, expected prompt failure", elapsed)
	}
}
