// Package task holds the units of deferred work shared by run loops, the
// timer and dispatchers, together with the cancellable Future handle used for
// delayed execution.
package task

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// Token identifies the run loop currently executing a piece of work. It is
// passed explicitly through every call chain so that callers can decide
// between running inline and handing work off to another loop.
type Token uint64

// External is the token of any goroutine that is not a run loop.
const External Token = 0

// Result codes returned by Task.Execute. Any positive duration asks the
// executing loop to run the task again after that delay.
const (
	// Done finishes the task.
	Done time.Duration = -1
	// Immediately re-queues the task without waiting.
	Immediately time.Duration = 0
)

var (
	// ErrDeadlineOverflow is returned when now+delay wraps the clock.
	ErrDeadlineOverflow = errors.New("task: deadline overflows the clock")
	// ErrNilTask is returned when a nil task is offered.
	ErrNilTask = errors.New("task: nil task")
)

// Task is a unit of deferred work.
type Task interface {
	// Execute runs the task on the loop identified by cur and returns Done,
	// Immediately or a positive delay before the next run.
	Execute(cur Token) time.Duration
}

// Func adapts an ordinary function to Task.
type Func func(cur Token) time.Duration

// Execute calls f(cur).
func (f Func) Execute(cur Token) time.Duration { return f(cur) }

// Once wraps fn as a task that runs a single time.
func Once(fn func()) Task {
	return Func(func(Token) time.Duration {
		fn()
		return Done
	})
}

// Offerer accepts tasks for immediate execution.
type Offerer interface {
	OfferTask(t Task) error
}

// Timer runs tasks on an Offerer after a delay.
type Timer interface {
	Offer(target Offerer, t Task, delay time.Duration) (*Future, error)
	Pending() int
}

var tokenSeq atomic.Uint64

// NextToken allocates a fresh, non-External token.
func NextToken() Token {
	return Token(tokenSeq.Add(1))
}

// Deadline returns now+delay in nanoseconds, or ErrDeadlineOverflow when the
// sum does not fit. Negative delays are treated as zero.
func Deadline(now int64, delay time.Duration) (int64, error) {
	if delay < 0 {
		delay = 0
	}
	if now > 0 && int64(delay) > math.MaxInt64-now {
		return 0, ErrDeadlineOverflow
	}
	return now + int64(delay), nil
}
