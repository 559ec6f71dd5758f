package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the dispatch state of a Future.
//
//	Waiting → Ready → Dispatched
//	Waiting → Cancelled
//
// Waiting→Ready and Waiting→Cancelled are compare-and-swap transitions, so a
// future that races Cancel against ReadyToDispatch has exactly one winner.
type State uint32

const (
	Waiting State = iota
	Ready
	Dispatched
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Dispatched:
		return "dispatched"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future is the handle of a task scheduled to run after a delay. It is used
// both by the timer (TaskFuture) and by dispatchers (EventFuture).
type Future struct {
	state  atomic.Uint32
	expire atomic.Int64
	task   Task
	target Offerer

	mu   sync.Mutex
	done chan struct{}

	index int // position in a Queue, owned by the queue holder
}

// NewFuture creates a waiting future for t expiring at expire nanoseconds.
// target may be nil when the owner runs the task itself.
func NewFuture(t Task, target Offerer, expire int64) *Future {
	f := &Future{
		task:   t,
		target: target,
		done:   make(chan struct{}),
		index:  -1,
	}
	f.expire.Store(expire)
	return f
}

// Task returns the scheduled task.
func (f *Future) Task() Task { return f.task }

// Target returns the offerer the task is delivered to, if any.
func (f *Future) Target() Offerer { return f.target }

// State returns the current state.
func (f *Future) State() State { return State(f.state.Load()) }

// Expire returns the absolute expiry in nanoseconds.
func (f *Future) Expire() int64 { return f.expire.Load() }

// SetExpire re-arms the future for another run at expire, resetting it to
// Waiting.
func (f *Future) SetExpire(expire int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expire.Store(expire)
	f.state.Store(uint32(Waiting))
	select {
	case <-f.done:
		f.done = make(chan struct{})
	default:
	}
}

// ReadyToDispatch claims the future for dispatch. Only one caller wins.
func (f *Future) ReadyToDispatch() bool {
	return f.state.CompareAndSwap(uint32(Waiting), uint32(Ready))
}

// Cancel prevents a waiting future from being dispatched. It reports false
// when the future was already claimed, dispatched or cancelled.
func (f *Future) Cancel() bool {
	if !f.state.CompareAndSwap(uint32(Waiting), uint32(Cancelled)) {
		return false
	}
	f.signal()
	return true
}

// Dispatched records delivery. Call only after winning ReadyToDispatch.
func (f *Future) Dispatched() {
	f.state.Store(uint32(Dispatched))
	f.signal()
}

// Drop marks a claimed future cancelled because it could not be delivered.
func (f *Future) Drop() {
	f.state.Store(uint32(Cancelled))
	f.signal()
}

// IsDone reports whether the future is cancelled or dispatched.
func (f *Future) IsDone() bool {
	s := f.State()
	return s == Cancelled || s == Dispatched
}

// IsCancelled reports whether the future is cancelled.
func (f *Future) IsCancelled() bool { return f.State() == Cancelled }

// Wait blocks until the future is done or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.doneCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUninterruptibly blocks until the future is done.
func (f *Future) WaitUninterruptibly() {
	<-f.doneCh()
}

// WaitTimeout blocks until the future is done or d elapses, reporting
// whether it completed. The scheduled work is not cancelled on timeout.
func (f *Future) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.doneCh():
		return true
	case <-t.C:
		return f.IsDone()
	}
}

// Less orders futures by expiry.
func (f *Future) Less(o *Future) bool { return f.Expire() < o.Expire() }

func (f *Future) doneCh() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *Future) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}
