package connector

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// retryWindow enforces the reconnect budget. In windowed mode at most max
// attempts are allowed within the trailing interval; with interval zero it
// degrades to a plain consecutive-failure counter that resets on success.
type retryWindow struct {
	mu       sync.Mutex
	max      int
	interval time.Duration
	clock    clock.Clock

	attempts []time.Time // windowed mode
	count    int         // plain mode
}

func newRetryWindow(max int, interval time.Duration, clk clock.Clock) *retryWindow {
	if clk == nil {
		clk = clock.New()
	}
	return &retryWindow{max: max, interval: interval, clock: clk}
}

// Allow records one reconnect attempt and reports whether it is within
// budget. Once it returns false the budget stays exhausted until the window
// slides past old attempts (windowed mode) or Reset is called.
func (w *retryWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.interval > 0 {
		now := w.clock.Now()
		cutoff := now.Add(-w.interval)
		kept := w.attempts[:0]
		for _, t := range w.attempts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.attempts = kept
		if len(w.attempts) >= w.max {
			return false
		}
		w.attempts = append(w.attempts, now)
		return true
	}

	if w.count >= w.max {
		return false
	}
	w.count++
	return true
}

// Reset clears the consecutive-failure counter after a successful connect.
// Windowed budgets are intentionally left alone: the trailing interval keeps
// counting reconnects even when individual dials succeed.
func (w *retryWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.interval == 0 {
		w.count = 0
	}
}
