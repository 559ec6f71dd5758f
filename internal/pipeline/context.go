package pipeline

import (
	"time"

	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/task"
)

// Context is handed to data stages. It is only valid during the call it was
// passed to, on the goroutine that received it.
type Context struct {
	p     *Pipeline
	e     *Element
	cur   task.Token
	param any
}

// Proceed forwards out to the next stage, keeping the current parameter.
func (c Context) Proceed(out any) {
	c.p.forward(c.cur, c.e, out, c.param)
}

// ProceedWith forwards out together with a new parameter.
func (c Context) ProceedWith(out, param any) {
	c.p.forward(c.cur, c.e, out, param)
}

// Parameter returns the side-channel value travelling with the message.
func (c Context) Parameter() any { return c.param }

// Key returns the key of the running stage.
func (c Context) Key() Key { return c.e.key }

// Transport returns the pipeline transport, possibly nil.
func (c Context) Transport() Transport { return c.p.cfg.Transport }

// Loop returns the loop the stage is bound to, or nil.
func (c Context) Loop() *loop.Loop { return c.e.loop }

// Token identifies the execution context running the stage.
func (c Context) Token() task.Token { return c.cur }

// Schedule runs t on the stage's loop after delay.
func (c Context) Schedule(t task.Task, delay time.Duration) (*task.Future, error) {
	if c.e.loop == nil {
		return nil, ErrNoLoop
	}
	return c.e.loop.Schedule(t, delay)
}

// Fail delivers an ExceptionCaught event starting at this stage.
func (c Context) Fail(err error) {
	c.p.notifyFrom(c.cur, c.e, StateEvent{Kind: ExceptionCaught, Err: err}, nil)
}

// StateContext is handed to state stages.
type StateContext struct {
	p   *Pipeline
	e   *Element
	cur task.Token
}

// Key returns the key of the running stage.
func (c StateContext) Key() Key { return c.e.key }

// Transport returns the pipeline transport, possibly nil.
func (c StateContext) Transport() Transport { return c.p.cfg.Transport }

// Loop returns the loop the stage is bound to, or nil.
func (c StateContext) Loop() *loop.Loop { return c.e.loop }

// Token identifies the execution context running the stage.
func (c StateContext) Token() task.Token { return c.cur }

// Schedule runs t on the stage's loop after delay.
func (c StateContext) Schedule(t task.Task, delay time.Duration) (*task.Future, error) {
	if c.e.loop == nil {
		return nil, ErrNoLoop
	}
	return c.e.loop.Schedule(t, delay)
}
