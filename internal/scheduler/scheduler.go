// Package scheduler runs cancellable deferred callbacks on a single goroutine.
//
// Loop is the event loop used by the service: every submitted task and every
// due timer runs on the loop goroutine, one at a time, so state touched only
// from the loop needs no locking. Manual exposes the same surface driven by a
// virtual clock for tests.
package scheduler

import (
	"container/heap"
	"errors"
	"time"
)

var (
	ErrStopped = errors.New("scheduler is not running")
	ErrRunning = errors.New("scheduler is already running")
)

// Timer is a handle to a callback registered with After.
type Timer struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int // position in the queue, -1 once fired or cancelled
}

// When reports the instant the timer is (or was) due.
func (t *Timer) When() time.Time { return t.when }

// queue orders timers by deadline; timers sharing a deadline keep the order
// in which they were scheduled.
type queue []*Timer

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// timers is the bookkeeping shared by Loop and Manual. Callers synchronize.
type timers struct {
	q   queue
	seq uint64
}

func (ts *timers) schedule(when time.Time, fn func()) *Timer {
	ts.seq++
	t := &Timer{when: when, seq: ts.seq, fn: fn}
	heap.Push(&ts.q, t)
	return t
}

// cancel is a no-op for nil, fired and already cancelled timers.
func (ts *timers) cancel(t *Timer) {
	if t == nil || t.index < 0 || t.index >= len(ts.q) || ts.q[t.index] != t {
		return
	}
	heap.Remove(&ts.q, t.index)
}

// popDue removes and returns the earliest timer due at or before now.
func (ts *timers) popDue(now time.Time) *Timer {
	if len(ts.q) == 0 || ts.q[0].when.After(now) {
		return nil
	}
	return heap.Pop(&ts.q).(*Timer)
}

func (ts *timers) next() (time.Time, bool) {
	if len(ts.q) == 0 {
		return time.Time{}, false
	}
	return ts.q[0].when, true
}

func (ts *timers) len() int { return len(ts.q) }
