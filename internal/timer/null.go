package timer

import (
	"time"

	"github.com/ChuLiYu/looprail/internal/task"
)

// Null is the timer for configurations without delayed execution. It never
// has pending work and never dispatches: every future it returns is already
// cancelled.
type Null struct{}

// Offer returns a cancelled future.
func (Null) Offer(target task.Offerer, t task.Task, delay time.Duration) (*task.Future, error) {
	if t == nil {
		return nil, task.ErrNilTask
	}
	f := task.NewFuture(t, target, 0)
	f.Cancel()
	return f, nil
}

// Pending is always zero.
func (Null) Pending() int { return 0 }
