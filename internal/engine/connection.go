package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/looprail/internal/dispatch"
	"github.com/ChuLiYu/looprail/internal/pipeline"
	"github.com/ChuLiYu/looprail/internal/task"
	"github.com/ChuLiYu/looprail/pkg/types"
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New("engine: connection closed")

// closeTimeout bounds how long Close waits for Deactivated to reach every
// state stage.
const closeTimeout = 5 * time.Second

// Connection ties one transport to a dispatcher and a pair of pipelines.
// Reads, writes and lifecycle events enter through the dispatcher, so they
// reach the pipelines in the order they were issued.
type Connection struct {
	id    string
	e     *Engine
	tr    pipeline.Transport
	disp  *dispatch.Dispatcher
	load  *pipeline.Load
	store *pipeline.Store

	mu     sync.Mutex
	closed bool
}

// Connect creates a connection over tr. init adds the stages; when it fails
// the connection is closed and the error returned.
func (e *Engine) Connect(tr pipeline.Transport, init func(c *Connection) error) (*Connection, error) {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	e.mu.Unlock()

	c := &Connection{id: uuid.NewString(), e: e, tr: tr}
	d, err := e.dispatchers.Assign(c)
	if err != nil {
		return nil, fmt.Errorf("engine: assign dispatcher: %w", err)
	}
	c.disp = d

	cfg := pipeline.Config{
		Transport:   tr,
		Group:       e.loops,
		Diagnostics: e.config.Diagnostics,
		Observer:    e.obs,
	}
	cfg.Name = "load-" + c.id[:8]
	c.load = pipeline.NewLoad(cfg)
	cfg.Name = "store-" + c.id[:8]
	c.store = pipeline.NewStore(cfg)

	e.mu.Lock()
	e.conns[c.id] = c
	e.mu.Unlock()

	if init != nil {
		if err := init(c); err != nil {
			c.teardown()
			return nil, fmt.Errorf("engine: init connection: %w", err)
		}
	}
	log.Debug("Connection opened", "id", c.id, "dispatcher", d.Name())
	return c, nil
}

// ID implements dispatch.Selection.
func (c *Connection) ID() string { return c.id }

// Load returns the inbound pipeline.
func (c *Connection) Load() *pipeline.Load { return c.load }

// Store returns the outbound pipeline.
func (c *Connection) Store() *pipeline.Store { return c.store }

// Transport returns the underlying transport.
func (c *Connection) Transport() pipeline.Transport { return c.tr }

// Dispatcher returns the dispatcher serving this connection.
func (c *Connection) Dispatcher() *dispatch.Dispatcher { return c.disp }

// Activate delivers Activated to both pipelines.
func (c *Connection) Activate() error {
	return c.submit(func(cur task.Token) {
		c.notify(cur, pipeline.StateEvent{Kind: pipeline.Activated})
	})
}

// Read feeds an inbound message to the Load pipeline.
func (c *Connection) Read(msg any) error {
	return c.submit(func(cur task.Token) {
		if err := c.load.Execute(cur, msg); err != nil {
			log.Debug("Dropped inbound message", "id", c.id, "error", err)
		}
	})
}

// Write feeds an outbound message to the Store pipeline.
func (c *Connection) Write(msg any) error {
	return c.submit(func(cur task.Token) {
		if err := c.store.Execute(cur, msg); err != nil {
			log.Debug("Dropped outbound message", "id", c.id, "error", err)
		}
	})
}

// Close 關閉 Connection
//
// 關閉流程：
//   1. 經由 Dispatcher 把 Deactivated 送入 Load 與 Store 兩條 pipeline
//   2. 等待兩次走訪完成（最多 closeTimeout，或 Dispatcher 已退出）
//   3. 釋放 Loop 與 Dispatcher 綁定，關閉 transport
//
// 重複關閉返回 ErrConnectionClosed
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.closed = true
	c.mu.Unlock()

	// one signal per pipeline walk
	walked := make(chan struct{}, 2)
	finish := func() { walked <- struct{}{} }
	ev := pipeline.StateEvent{Kind: pipeline.Deactivated, State: types.StateClosed}
	err := c.disp.Execute(task.External, task.Func(func(cur task.Token) time.Duration {
		if err := c.load.NotifyThen(cur, ev, finish); err != nil {
			finish()
		}
		if err := c.store.NotifyThen(cur, ev, finish); err != nil {
			finish()
		}
		return task.Done
	}))
	if err == nil {
		c.awaitWalks(walked, 2)
	}
	return c.teardown()
}

// awaitWalks blocks until n walks finished, the dispatcher died or
// closeTimeout passed.
func (c *Connection) awaitWalks(walked <-chan struct{}, n int) {
	deadline := time.NewTimer(closeTimeout)
	defer deadline.Stop()
	for ; n > 0; n-- {
		select {
		case <-walked:
		case <-c.disp.Done():
			return
		case <-deadline.C:
			log.Warn("Deactivated not delivered in time", "id", c.id, "timeout", closeTimeout)
			return
		}
	}
}

func (c *Connection) teardown() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.load.Close()
	c.store.Close()
	c.e.dispatchers.Release(c)
	c.e.forget(c.id)
	log.Debug("Connection closed", "id", c.id)
	if c.tr == nil {
		return nil
	}
	return c.tr.Close()
}

func (c *Connection) notify(cur task.Token, ev pipeline.StateEvent) {
	if err := c.load.Notify(cur, ev); err != nil {
		log.Debug("Load pipeline not notified", "id", c.id, "event", ev.Kind.String(), "error", err)
	}
	if err := c.store.Notify(cur, ev); err != nil {
		log.Debug("Store pipeline not notified", "id", c.id, "event", ev.Kind.String(), "error", err)
	}
}

func (c *Connection) submit(fn func(cur task.Token)) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	return c.disp.Execute(task.External, task.Func(func(cur task.Token) time.Duration {
		fn(cur)
		return task.Done
	}))
}
