package pipeline

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/looprail/internal/task"
)

// forward hands msg to the first stage after from that handles the
// pipeline's direction. Stages on another loop are reached through a task
// on that loop; everything else runs here.
func (p *Pipeline) forward(cur task.Token, from *Element, msg, param any) {
	e := from
	for {
		e = p.successor(e)
		if e == p.tail {
			return
		}
		if p.handles(e) {
			break
		}
	}

	if e.loop == nil || e.loop.Token() == cur {
		p.invoke(cur, e, msg, param)
		return
	}
	p.obs.ThreadHop(p.cfg.Name)
	err := e.loop.OfferTask(task.Func(func(tok task.Token) time.Duration {
		p.invoke(tok, e, msg, param)
		return task.Done
	}))
	if err != nil {
		p.obs.MessageDropped(p.cfg.Name)
		p.log.Warn("Dropping message on hop", "key", e.key.String(), "loop", e.loop.Name(), "error", err)
	}
}

func (p *Pipeline) handles(e *Element) bool {
	switch p.dir {
	case dirStore:
		_, ok := e.stage.(StoreStage)
		return ok
	default:
		_, ok := e.stage.(LoadStage)
		return ok
	}
}

func (p *Pipeline) invoke(cur task.Token, e *Element, msg, param any) {
	ctx := Context{p: p, e: e, cur: cur, param: param}
	if err := p.call(e, func() {
		if p.dir == dirStore {
			e.stage.(StoreStage).Stored(ctx, msg)
		} else {
			e.stage.(LoadStage).Loaded(ctx, msg)
		}
	}); err != nil {
		p.notifyFrom(cur, e, StateEvent{Kind: ExceptionCaught, Err: err}, nil)
	}
}

// call runs fn and turns a panic into an error.
func (p *Pipeline) call(e *Element, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.obs.StagePanicked(p.cfg.Name, e.key.String())
			p.log.Error("Stage panicked", "key", e.key.String(), "panic", r)
			err = fmt.Errorf("pipeline: stage %s panicked: %v", e.key, r)
		}
	}()
	fn()
	return nil
}

// notifyFrom delivers ev to every state stage from start onward, in order,
// hopping loops as needed. done, when set, runs once the walk ends, either at
// the tail or because a hop could not be queued.
func (p *Pipeline) notifyFrom(cur task.Token, start *Element, ev StateEvent, done func()) {
	for e := start; e != p.tail; e = p.successor(e) {
		if e == p.head {
			continue
		}
		ss, ok := e.stage.(StateStage)
		if !ok {
			continue
		}
		if e.loop != nil && e.loop.Token() != cur {
			p.obs.ThreadHop(p.cfg.Name)
			err := e.loop.OfferTask(task.Func(func(tok task.Token) time.Duration {
				p.deliver(tok, e, ss, ev)
				p.notifyFrom(tok, p.successor(e), ev, done)
				return task.Done
			}))
			if err != nil {
				p.obs.MessageDropped(p.cfg.Name)
				p.log.Warn("Dropping state event on hop", "event", ev.Kind.String(), "key", e.key.String(), "error", err)
				if done != nil {
					done()
				}
			}
			return
		}
		p.deliver(cur, e, ss, ev)
	}
	if done != nil {
		done()
	}
}

func (p *Pipeline) deliver(cur task.Token, e *Element, ss StateStage, ev StateEvent) {
	err := p.call(e, func() { ss.StateChanged(StateContext{p: p, e: e, cur: cur}, ev) })
	if err != nil && ev.Kind != ExceptionCaught {
		p.log.Warn("State stage failed", "event", ev.Kind.String(), "key", e.key.String(), "error", err)
	}
}

// Notify delivers ev to every state stage, head to tail.
func (p *Pipeline) Notify(cur task.Token, ev StateEvent) error {
	return p.NotifyThen(cur, ev, nil)
}

// NotifyThen is Notify with a completion callback. done runs exactly once,
// after the last state stage has seen ev, possibly on another loop. It is
// not called when NotifyThen returns an error.
func (p *Pipeline) NotifyThen(cur task.Token, ev StateEvent, done func()) error {
	if p.IsClosed() {
		return ErrPipelineClosed
	}
	p.notifyFrom(cur, p.head, ev, done)
	return nil
}

func (p *Pipeline) execute(cur task.Token, msg, param any) error {
	if p.IsClosed() {
		return ErrPipelineClosed
	}
	p.forward(cur, p.head, msg, param)
	return nil
}
