// Package dispatch implements event dispatchers: single-goroutine executors
// with their own delay heap whose affinity is tracked by reference counts
// rather than weights. A connection keeps its dispatcher for as long as any
// handle with the same selection id is still bound.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/task"
)

var (
	// ErrInvalidArgument reports a configuration mistake.
	ErrInvalidArgument = errors.New("dispatch: invalid argument")
	// ErrDispatcherClosed is returned when offering to a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatch: dispatcher is closed")
	// ErrGroupClosed is returned when assigning on a group that is not open.
	ErrGroupClosed = errors.New("dispatch: group is closed")
)

// NotChanged is returned by Reject when the selection was not bound.
const NotChanged = -1

const forever time.Duration = -1

const (
	stateCreated uint32 = iota
	stateRunning
	stateClosed
)

// Selection is a logical client of a dispatcher. Selections with equal IDs
// share one reference counter.
type Selection interface {
	ID() string
}

// Observer receives dispatcher events. Implementations must be safe for
// concurrent use.
type Observer interface {
	EventExecuted(dispatcher string)
	EventPanicked(dispatcher string)
	EventRetried(dispatcher string)
	DelayedPending(dispatcher string, n int)
	DispatcherSwept(dispatcher string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) EventExecuted(string)       {}
func (NopObserver) EventPanicked(string)       {}
func (NopObserver) EventRetried(string)        {}
func (NopObserver) DelayedPending(string, int) {}
func (NopObserver) DispatcherSwept(string)     {}

// Config models optional configuration for New.
type Config struct {
	Name     string
	Clock    clock.WithTicker
	Logger   *slog.Logger
	Observer Observer
}

// Dispatcher is an EventDispatcher.
type Dispatcher struct {
	token task.Token
	name  string
	clock clock.WithTicker
	epoch time.Time
	log   *slog.Logger
	obs   Observer

	state     atomic.Uint32
	closeCh   chan struct{}
	closeOnce sync.Once
	started   chan struct{}
	exited    chan struct{}

	mu     sync.Mutex
	queue  []task.Task
	sealed bool
	wake   chan struct{}

	selMu  sync.Mutex
	counts map[string]int

	delayed task.Queue // dispatcher goroutine only
	panics  rate.Sometimes
}

// New creates an idle dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	tok := task.NextToken()
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("dispatcher-%d", tok)
	}
	return &Dispatcher{
		token:   tok,
		name:    cfg.Name,
		clock:   cfg.Clock,
		epoch:   cfg.Clock.Now(),
		log:     cfg.Logger.With("component", "dispatcher", "dispatcher", cfg.Name),
		obs:     cfg.Observer,
		closeCh: make(chan struct{}),
		started: make(chan struct{}),
		exited:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
		counts:  make(map[string]int),
		panics:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Token identifies the dispatcher goroutine.
func (d *Dispatcher) Token() task.Token { return d.token }

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.name }

// Start spawns the dispatcher goroutine through factory.
func (d *Dispatcher) Start(factory loop.ThreadFactory) error {
	if factory == nil {
		factory = loop.Goroutines
	}
	if !d.state.CompareAndSwap(stateCreated, stateRunning) {
		if d.state.Load() == stateClosed {
			return ErrDispatcherClosed
		}
		return nil
	}
	factory.Spawn(d.name, d.run)
	return nil
}

// Close interrupts the dispatcher, discarding queued and delayed events.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		prev := d.state.Swap(stateClosed)
		close(d.closeCh)
		if prev == stateCreated {
			d.cleanup()
			close(d.exited)
		}
	})
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.exited }

// Alive reports whether the dispatcher goroutine is running.
func (d *Dispatcher) Alive() bool {
	if d.state.Load() != stateRunning {
		return false
	}
	select {
	case <-d.exited:
		return false
	default:
		return true
	}
}

// AwaitStarted blocks until the dispatcher goroutine is running.
func (d *Dispatcher) AwaitStarted(ctx context.Context) error {
	select {
	case <-d.started:
		return nil
	case <-d.exited:
		return fmt.Errorf("%w: %s exited during startup", ErrDispatcherClosed, d.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfferTask queues ev for execution on the dispatcher goroutine.
func (d *Dispatcher) OfferTask(ev task.Task) error {
	if ev == nil {
		return task.ErrNilTask
	}
	d.mu.Lock()
	if d.sealed || d.state.Load() == stateClosed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()
	d.signal()
	return nil
}

// Execute runs ev inline when cur is this dispatcher, otherwise queues it.
// An inline event that asks for a retry is queued or delayed accordingly.
func (d *Dispatcher) Execute(cur task.Token, ev task.Task) error {
	if ev == nil {
		return task.ErrNilTask
	}
	if cur != d.token {
		return d.OfferTask(ev)
	}
	d.settle(ev, d.execute(ev))
	return nil
}

// Schedule runs ev after delay. Called on the dispatcher the entry goes
// straight into the delay heap; from anywhere else the insertion itself is
// shipped to the dispatcher as an immediate event.
func (d *Dispatcher) Schedule(cur task.Token, ev task.Task, delay time.Duration) (*task.Future, error) {
	if ev == nil {
		return nil, task.ErrNilTask
	}
	if d.state.Load() == stateClosed {
		return nil, ErrDispatcherClosed
	}
	expire, err := task.Deadline(d.now(), delay)
	if err != nil {
		d.log.Warn("Dropping scheduled event", "delay", delay, "error", err)
		return nil, fmt.Errorf("dispatch: schedule: %w", err)
	}
	f := task.NewFuture(ev, d, expire)
	if cur == d.token {
		d.delayed.Add(f)
		return f, nil
	}
	err = d.OfferTask(task.Func(func(task.Token) time.Duration {
		d.delayed.Add(f)
		return task.Done
	}))
	if err != nil {
		f.Drop()
		return nil, err
	}
	return f, nil
}

// Pending returns the number of queued events, excluding delayed ones.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Accept increments the reference count for s and returns it.
func (d *Dispatcher) Accept(s Selection) int {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	d.counts[s.ID()]++
	return d.counts[s.ID()]
}

// Reject decrements the reference count for s and returns it, or NotChanged
// when s was not bound.
func (d *Dispatcher) Reject(s Selection) int {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	n, ok := d.counts[s.ID()]
	if !ok {
		return NotChanged
	}
	if n <= 1 {
		delete(d.counts, s.ID())
		return 0
	}
	d.counts[s.ID()] = n - 1
	return n - 1
}

// Count returns the reference count for s.
func (d *Dispatcher) Count(s Selection) int {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	return d.counts[s.ID()]
}

// Selections returns the number of distinct selections bound.
func (d *Dispatcher) Selections() int {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	return len(d.counts)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) now() int64 {
	return int64(d.clock.Since(d.epoch))
}

func (d *Dispatcher) run() {
	defer d.exit()
	close(d.started)
	d.log.Debug("Dispatcher started")

	timeout := forever
	for d.wait(timeout) {
		d.drain()
		timeout = d.expire()
		if d.Pending() > 0 {
			timeout = 0
		}
	}
}

func (d *Dispatcher) wait(timeout time.Duration) bool {
	if timeout == 0 {
		select {
		case <-d.closeCh:
			return false
		default:
			return true
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		tm := d.clock.NewTimer(timeout)
		defer tm.Stop()
		expired = tm.C()
	}
	select {
	case <-d.closeCh:
		return false
	case <-d.wake:
	case <-expired:
	}
	return true
}

func (d *Dispatcher) drain() {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for i, ev := range batch {
		select {
		case <-d.closeCh:
			return
		default:
		}
		batch[i] = nil
		d.settle(ev, d.execute(ev))
	}
}

// expire runs every due delayed event and returns the wait until the next
// one, or forever when none remain.
func (d *Dispatcher) expire() time.Duration {
	d.delayed.PruneCancelled()
	for d.delayed.Len() > 0 {
		now := d.now()
		f := d.delayed.Peek()
		if f.Expire() > now {
			d.obs.DelayedPending(d.name, d.delayed.Len())
			return time.Duration(f.Expire() - now)
		}
		d.delayed.Next()
		if !f.ReadyToDispatch() {
			continue
		}
		code := d.execute(f.Task())
		if code > 0 {
			d.obs.EventRetried(d.name)
			if due, err := task.Deadline(d.now(), code); err == nil {
				f.SetExpire(due)
				d.delayed.Add(f)
				continue
			}
			d.log.Warn("Dropping event retry", "delay", code)
			f.Dispatched()
			continue
		}
		f.Dispatched()
		if code == task.Immediately {
			d.obs.EventRetried(d.name)
			d.requeue(f.Task())
		}
	}
	d.obs.DelayedPending(d.name, 0)
	return forever
}

// settle applies an event's result code.
func (d *Dispatcher) settle(ev task.Task, code time.Duration) {
	switch {
	case code == task.Immediately:
		d.obs.EventRetried(d.name)
		d.requeue(ev)
	case code > 0:
		d.obs.EventRetried(d.name)
		due, err := task.Deadline(d.now(), code)
		if err != nil {
			d.log.Warn("Dropping event retry", "delay", code, "error", err)
			return
		}
		d.delayed.Add(task.NewFuture(ev, d, due))
		d.signal()
	}
}

func (d *Dispatcher) requeue(ev task.Task) {
	d.mu.Lock()
	if !d.sealed {
		d.queue = append(d.queue, ev)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) execute(ev task.Task) (code time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			code = task.Done
			d.obs.EventPanicked(d.name)
			d.panics.Do(func() {
				d.log.Error("Event panicked", "panic", r)
			})
		}
	}()
	code = ev.Execute(d.token)
	d.obs.EventExecuted(d.name)
	return code
}

func (d *Dispatcher) exit() {
	if r := recover(); r != nil {
		d.log.Error("Dispatcher crashed", "panic", r)
	}
	if d.state.Load() != stateClosed {
		d.log.Warn("Dispatcher exited unexpectedly")
	}
	d.cleanup()
	d.delayed.Clear()
	close(d.exited)
}

func (d *Dispatcher) cleanup() {
	d.mu.Lock()
	d.sealed = true
	d.queue = nil
	d.mu.Unlock()

	d.selMu.Lock()
	clear(d.counts)
	d.selMu.Unlock()
}
