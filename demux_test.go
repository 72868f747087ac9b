package instrumentd

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/clock"
)

type rxEvent struct {
	resp api.Response
	err  error
}

// fakeTransport feeds the demultiplexer a scripted response stream and
// records written commands, without any worker behind it.
type fakeTransport struct {
	events chan rxEvent
	writes chan api.Command
	done   chan struct{}
	dead   atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan rxEvent, 16),
		writes: make(chan api.Command, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) WriteCommand(cmd api.Command) error {
	f.writes <- cmd
	return nil
}

func (f *fakeTransport) ReadResponse() (api.Response, error) {
	ev, ok := <-f.events
	if !ok {
		return api.Response{}, io.EOF
	}
	return ev.resp, ev.err
}

func (f *fakeTransport) Alive() bool {
	return !f.dead.Load()
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Stop(context.Context) error {
	f.dead.Store(true)
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func newBareBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := NewBroker(Config{Mock: true})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return b
}

func TestDemuxRoutesByCorrelationID(t *testing.T) {
	t.Parallel()
	b := newBareBroker(t)
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)

	ch1, err := b.pending.add("id-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	ch2, err := b.pending.add("id-2")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	ft.events <- rxEvent{resp: api.Response{ID: "id-1", Status: api.StatusOK}}
	// Garbage and stale ids between valid responses must be swallowed.
	ft.events <- rxEvent{err: &api.ProtocolError{Code: api.CodeMalformedResponse, Detail: "not json"}}
	ft.events <- rxEvent{resp: api.Response{ID: "ghost", Status: api.StatusOK}}
	ft.events <- rxEvent{resp: api.Response{ID: "id-2", Status: api.StatusOK}}

	for name, ch := range map[string]chan api.Response{"id-1": ch1, "id-2": ch2} {
		select {
		case resp := <-ch:
			if resp.ID != name {
				t.Fatalf("waiter for %s received response %s", name, resp.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter for %s starved", name)
		}
	}
	if got := b.pending.size(); got != 0 {
		t.Fatalf("pending size = %d after deliveries", got)
	}

	close(ft.events)
	select {
	case <-demuxDone:
	case <-time.After(2 * time.Second):
		t.Fatal("demux did not exit on EOF")
	}
}

func TestDemuxUncorrelatedSlot(t *testing.T) {
	t.Parallel()
	b := newBareBroker(t)
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)
	defer close(ft.events)

	// Nobody armed: the legacy response is dropped, not delivered later.
	ft.events <- rxEvent{resp: api.Response{Status: api.StatusOK}}
	// Wait until the demux has actually dropped it before arming the slot,
	// so the stale response cannot race into the armed channel.
	for i := 0; testutil.ToFloat64(b.metrics.dropped) == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}
	if testutil.ToFloat64(b.metrics.dropped) == 0 {
		t.Fatal("demux never dropped the unarmed legacy response")
	}

	armed := b.pending.armUncorrelated()
	ft.events <- rxEvent{resp: api.Response{
		Status: api.StatusError,
		Error:  &api.ErrorInfo{Code: api.CodeConnectionFailure, Detail: "instrument unreachable"},
	}}
	select {
	case resp := <-armed:
		if resp.Error == nil || resp.Error.Code != api.CodeConnectionFailure {
			t.Fatalf("armed slot received %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("armed slot never received the failure report")
	}
}

func TestSendTimeoutRemovesOwnEntry(t *testing.T) {
	t.Parallel()
	b := newBareBroker(t)
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)
	defer close(ft.events)

	_, err := b.sendVia(context.Background(), ft, "read", nil, 10*time.Millisecond, nil)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := b.pending.size(); got != 0 {
		t.Fatalf("timed-out send left %d pending entries", got)
	}
}

func TestSendFailsWhenWorkerDies(t *testing.T) {
	t.Parallel()
	b := newBareBroker(t)
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)
	defer close(ft.events)

	go func() {
		<-ft.writes
		_ = ft.Stop(context.Background())
	}()
	start := time.Now()
	_, err := b.sendVia(context.Background(), ft, "read", nil, time.Minute, nil)
	if !IsWorkerUnavailable(err) {
		t.Fatalf("expected worker_unavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("failure took %s, expected prompt detection", elapsed)
	}
	if got := b.pending.size(); got != 0 {
		t.Fatalf("dead-worker send left %d pending entries", got)
	}
}

func TestSendTimeoutDrivenByInjectedClock(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	b, err := NewBroker(Config{Mock: true}, WithClock(clk))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)
	defer close(ft.events)

	result := make(chan error, 1)
	go func() {
		_, err := b.sendVia(context.Background(), ft, "read", nil, 5*time.Second, nil)
		result <- err
	}()
	<-ft.writes
	// The timer is armed after the write; wait for it to register.
	for i := 0; clk.Pending() == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}
	if clk.Pending() == 0 {
		t.Fatal("send never armed its timeout timer")
	}
	select {
	case err := <-result:
		t.Fatalf("send returned before the clock advanced: %v", err)
	default:
	}
	clk.Advance(5 * time.Second)
	select {
	case err := <-result:
		if !IsTimeout(err) {
			t.Fatalf("expected timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not observe the advanced clock")
	}
}

func TestSendHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	b := newBareBroker(t)
	ft := newFakeTransport()
	demuxDone := make(chan struct{})
	go b.demux(ft, demuxDone)
	defer close(ft.events)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ft.writes
		cancel()
	}()
	_, err := b.sendVia(ctx, ft, "read", nil, time.Minute, nil)
	if err == nil || ctx.Err() == nil {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if got := b.pending.size(); got != 0 {
		t.Fatalf("cancelled send left %d pending entries", got)
	}
}
