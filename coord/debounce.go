// ABOUTME: Collapses bursts of triggers for the same key into a single delayed call
// ABOUTME: Used for webhook notifications when no Redis-backed queue is configured
package coord

import (
	"sync"
	"time"
)

// Debouncer runs fn once per key per window. Triggers that arrive while a call
// is pending are dropped; the pending call observes their effect.
type Debouncer struct {
	mu      sync.Mutex
	wait    time.Duration
	pending map[string]*time.Timer
	stopped bool
}

func NewDebouncer(wait time.Duration) *Debouncer {
	return &Debouncer{wait: wait, pending: make(map[string]*time.Timer)}
}

// Trigger schedules fn for key unless a call is already pending. It reports
// whether a new call was scheduled.
func (d *Debouncer) Trigger(key string, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if _, ok := d.pending[key]; ok {
		return false
	}

	d.pending[key] = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
	return true
}

// Pending reports how many keys have a scheduled call.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending call and rejects new triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.pending {
		t.Stop()
		delete(d.pending, key)
	}
}
