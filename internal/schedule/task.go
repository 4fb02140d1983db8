// Package schedule runs periodic background work on one goroutine per task
// and carries the single-assignment futures used for asynchronous results.
package schedule

import (
	"sync"
	"time"
)

// Task calls fn every interval on its own goroutine. The goroutine is only
// created on the first Start, and Stop waits for it to exit. A stopped task
// can be started again.
type Task struct {
	interval time.Duration
	fn       func()

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// New returns a task that is not yet running.
func New(interval time.Duration, fn func()) *Task {
	return &Task{interval: interval, fn: fn}
}

// Start begins the periodic calls. It reports false if the task was already
// running. The first call happens one interval after Start.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return false
	}
	t.ticker = time.NewTicker(t.interval)
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.ticker, t.stop, t.done)
	return true
}

func (t *Task) loop(ticker *time.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C:
			t.fn()
		case <-stop:
			return
		}
	}
}

// Stop ends the periodic calls and waits for an in-flight call to return.
// Stopping an idle task does nothing.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.stop == nil {
		t.mu.Unlock()
		return
	}
	close(t.stop)
	t.ticker.Stop()
	done := t.done
	t.stop, t.done, t.ticker = nil, nil, nil
	t.mu.Unlock()

	<-done
}

// Running reports whether the task is started.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
