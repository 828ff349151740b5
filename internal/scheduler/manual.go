package scheduler

import (
	"context"
	"sync"
	"time"
)

// Manual is a scheduler whose clock only moves when Advance is called.
// Callbacks run on the goroutine calling Advance.
type Manual struct {
	run sync.Mutex // serializes Do and Advance

	mu     sync.Mutex
	now    time.Time
	timers timers
}

// NewManual returns a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.schedule(m.now.Add(d), fn)
}

func (m *Manual) Cancel(t *Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.cancel(t)
}

// Do runs fn inline.
func (m *Manual) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.run.Lock()
	defer m.run.Unlock()
	fn()
	return nil
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// The clock reads each timer's deadline while its callback runs.
func (m *Manual) Advance(d time.Duration) {
	m.run.Lock()
	defer m.run.Unlock()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.timers.popDue(target)
		if t != nil && t.when.After(m.now) {
			m.now = t.when
		}
		m.mu.Unlock()
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// Tick fires the timers that are due now without moving the clock.
func (m *Manual) Tick() { m.Advance(0) }

// Pending returns the number of timers waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.len()
}
