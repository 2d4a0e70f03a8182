package sync

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of triggers into one callback per quiet
// window: repeated Schedule calls within the window reset the timer, so
// fn fires once after the burst settles.
type Debouncer struct {
	window time.Duration
	fn     func()

	mu    sync.Mutex
	timer *time.Timer
}

func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	if window <= 0 {
		window = time.Second
	}
	return &Debouncer{window: window, fn: fn}
}

// Schedule arms (or re-arms) the timer.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fn)
}

// Stop cancels any armed timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
