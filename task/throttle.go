package task

import (
	"sync"
	"time"
)

// throttler rate-limits progress lines to one per interval. Messages
// offered while the window is closed coalesce: only the newest is kept
// and delivered when the window reopens.
type throttler struct {
	interval time.Duration
	send     func(string)

	mu      sync.Mutex
	last    time.Time
	pending string
	timer   *time.Timer
	stopped bool
}

func newThrottler(interval time.Duration, send func(string)) *throttler {
	return &throttler{interval: interval, send: send}
}

// offer delivers text now if the window is open, otherwise replaces the
// pending message and arms a flush timer.
func (th *throttler) offer(text string) {
	th.mu.Lock()
	if th.stopped {
		th.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(th.last) >= th.interval {
		th.last = now
		th.mu.Unlock()
		th.send(text)
		return
	}
	th.pending = text
	if th.timer == nil {
		wait := th.interval - now.Sub(th.last)
		th.timer = time.AfterFunc(wait, th.fire)
	}
	th.mu.Unlock()
}

// flush delivers any pending message immediately.
func (th *throttler) flush() {
	th.mu.Lock()
	text := th.pending
	th.pending = ""
	if th.timer != nil {
		th.timer.Stop()
		th.timer = nil
	}
	if text == "" {
		th.mu.Unlock()
		return
	}
	th.last = time.Now()
	th.mu.Unlock()
	th.send(text)
}

// stop flushes the pending message and rejects further offers.
func (th *throttler) stop() {
	th.flush()
	th.mu.Lock()
	th.stopped = true
	th.mu.Unlock()
}

func (th *throttler) fire() {
	th.mu.Lock()
	if th.stopped {
		th.mu.Unlock()
		return
	}
	text := th.pending
	th.pending = ""
	th.timer = nil
	if text == "" {
		th.mu.Unlock()
		return
	}
	th.last = time.Now()
	th.mu.Unlock()
	th.send(text)
}
