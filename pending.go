package instrumentd

import (
	"fmt"
	"sync"

	"pkt.systems/instrumentd/api"
)

// pendingTable is the only state shared across caller goroutines. Its lock is
// scoped strictly to insert/remove and is never held across a wait; callers
// block on their own entry's channel instead.
type pendingTable struct {
	mu           sync.Mutex
	entries      map[string]chan api.Response
	uncorrelated chan api.Response
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]chan api.Response)}
}

// add registers id and returns the channel its response will arrive on. The
// channel has capacity one so the demultiplexer never blocks delivering and
// the response is written exactly once.
func (t *pendingTable) add(id string) (chan api.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, fmt.Errorf("pending: duplicate correlation id %s", id)
	}
	ch := make(chan api.Response, 1)
	t.entries[id] = ch
	return ch, nil
}

// remove pops id's entry, returning nil when no entry exists (the caller
// already timed out, or the id was never registered).
func (t *pendingTable) remove(id string) chan api.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.entries[id]
	delete(t.entries, id)
	return ch
}

// size reports the number of outstanding entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// armUncorrelated installs the single well-known slot for legacy responses
// without a correlation id. Arming replaces any previous slot.
func (t *pendingTable) armUncorrelated() chan api.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan api.Response, 1)
	t.uncorrelated = ch
	return ch
}

// disarmUncorrelated clears the legacy slot.
func (t *pendingTable) disarmUncorrelated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uncorrelated = nil
}

// deliverUncorrelated routes a legacy response to the armed slot, reporting
// whether anyone was waiting.
func (t *pendingTable) deliverUncorrelated(resp api.Response) bool {
	t.mu.Lock()
	ch := t.uncorrelated
	t.uncorrelated = nil
	t.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- resp
	return true
}
