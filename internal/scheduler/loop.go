package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Loop is a cooperative single-goroutine event loop.
//
// After and Cancel may be called from any goroutine, but cancellation is only
// guaranteed to win against firing when it is issued from the loop itself
// (from a task passed to Do or from another timer callback).
type Loop struct {
	now   func() time.Time
	tasks chan func()
	wake  chan struct{}
	done  chan struct{}
	state atomic.Int32

	mu     sync.Mutex
	timers timers
}

// NewLoop returns a loop that is not yet running; call Run.
func NewLoop() *Loop {
	return &Loop{
		now:   time.Now,
		tasks: make(chan func()),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Run services tasks and timers until ctx is cancelled. A loop runs at most
// once; pending timers are dropped when it stops.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrRunning
	}
	defer func() {
		l.state.Store(stateStopped)
		close(l.done)
	}()

	wait := time.NewTimer(time.Hour)
	wait.Stop()
	defer wait.Stop()

	for {
		l.fireDue()

		var fire <-chan time.Time
		l.mu.Lock()
		next, ok := l.timers.next()
		l.mu.Unlock()
		if ok {
			wait.Reset(next.Sub(l.now()))
			fire = wait.C
		}

		select {
		case <-ctx.Done():
			return nil
		case task := <-l.tasks:
			// timers that came due while waiting run before the task
			l.fireDue()
			task()
		case <-l.wake:
		case <-fire:
		}
	}
}

// fireDue runs every timer that was due when it started, earliest first.
// Timers scheduled by those callbacks wait for the next iteration.
func (l *Loop) fireDue() {
	now := l.now()
	for {
		l.mu.Lock()
		t := l.timers.popDue(now)
		l.mu.Unlock()
		if t == nil {
			return
		}
		t.fn()
	}
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.state.Load() == stateRunning }

// Do runs fn on the loop goroutine and waits for it to return. A panic in fn
// is re-raised in the caller with the original value.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.state.Load() != stateRunning {
		return ErrStopped
	}

	var recovered any
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		defer func() { recovered = recover() }()
		fn()
	}

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	if recovered != nil {
		panic(recovered)
	}
	return nil
}

// After schedules fn to run on the loop once d has elapsed. A non-positive d
// fires on the next loop iteration.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	t := l.timers.schedule(l.now().Add(d), fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return t
}

// Cancel removes t from the loop. Cancelling nil, a fired or an already
// cancelled timer does nothing.
func (l *Loop) Cancel(t *Timer) {
	l.mu.Lock()
	l.timers.cancel(t)
	l.mu.Unlock()
}

// Pending returns the number of timers waiting to fire.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timers.len()
}
