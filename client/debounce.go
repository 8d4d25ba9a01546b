package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// debouncer runs fn once delay has passed without another reset.
type debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *clock.Timer
}

func newDebouncer(c clock.Clock, delay time.Duration, fn func()) *debouncer {
	return &debouncer{clock: c, delay: delay, fn: fn}
}

func (d *debouncer) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
