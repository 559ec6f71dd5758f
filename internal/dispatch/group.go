package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/loop"
)

// GroupConfig models optional configuration for NewGroup.
type GroupConfig struct {
	// Name prefixes dispatcher names. Defaults to "dispatcher".
	Name     string
	Clock    clock.WithTicker
	Logger   *slog.Logger
	Observer Observer
}

// Group is an EventDispatcherGroup: a fixed-size set of dispatchers with
// reference-counted affinity.
type Group struct {
	cfg GroupConfig
	log *slog.Logger

	mu          sync.Mutex
	dispatchers []*Dispatcher
	open        bool
	factory     loop.ThreadFactory
	size        int
	seq         int
}

// NewGroup creates a closed group.
func NewGroup(cfg GroupConfig) *Group {
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Group{
		cfg: cfg,
		log: cfg.Logger.With("component", "dispatchergroup", "group", cfg.Name),
	}
}

// Open starts n dispatchers and waits for them to run. Opening an open
// group is a no-op.
func (g *Group) Open(ctx context.Context, factory loop.ThreadFactory, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: dispatcher count %d", ErrInvalidArgument, n)
	}
	if factory == nil {
		factory = loop.Goroutines
	}

	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	g.open = true
	g.factory = factory
	g.size = n
	for i := 0; i < n; i++ {
		if _, err := g.spawnLocked(); err != nil {
			g.mu.Unlock()
			g.Close()
			return err
		}
	}
	started := append([]*Dispatcher(nil), g.dispatchers...)
	g.mu.Unlock()

	eg, ectx := errgroup.WithContext(ctx)
	for _, d := range started {
		d := d
		eg.Go(func() error { return d.AwaitStarted(ectx) })
	}
	if err := eg.Wait(); err != nil {
		g.Close()
		return fmt.Errorf("dispatch: open %s: %w", g.cfg.Name, err)
	}
	g.log.Info("Dispatcher group opened", "dispatchers", n)
	return nil
}

// Close interrupts every dispatcher.
func (g *Group) Close() {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	g.open = false
	ds := g.dispatchers
	g.dispatchers = nil
	g.mu.Unlock()

	for _, d := range ds {
		d.Close()
	}
	g.log.Info("Dispatcher group closed", "dispatchers", len(ds))
}

// Assign binds s, preferring a dispatcher that already counts it, then the
// one with the fewest distinct selections.
func (g *Group) Assign(s Selection) (*Dispatcher, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil selection", ErrInvalidArgument)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return nil, ErrGroupClosed
	}
	g.sweepLocked()
	if len(g.dispatchers) == 0 {
		return nil, ErrGroupClosed
	}

	for _, d := range g.dispatchers {
		if d.Count(s) > 0 {
			d.Accept(s)
			return d, nil
		}
	}
	best := g.dispatchers[0]
	fewest := best.Selections()
	for _, d := range g.dispatchers[1:] {
		if n := d.Selections(); n < fewest {
			best, fewest = d, n
		}
	}
	best.Accept(s)
	return best, nil
}

// Release drops one reference to s and reports whether one was held.
func (g *Group) Release(s Selection) bool {
	for _, d := range g.Dispatchers() {
		if d.Reject(s) != NotChanged {
			return true
		}
	}
	return false
}

// Sweep replaces dead dispatchers and returns how many were removed.
func (g *Group) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return 0
	}
	return g.sweepLocked()
}

// Dispatchers returns a snapshot of the group.
func (g *Group) Dispatchers() []*Dispatcher {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Dispatcher(nil), g.dispatchers...)
}

func (g *Group) sweepLocked() int {
	alive := g.dispatchers[:0]
	dead := 0
	for _, d := range g.dispatchers {
		if d.Alive() {
			alive = append(alive, d)
			continue
		}
		dead++
		d.Close()
		g.cfg.Observer.DispatcherSwept(d.Name())
		g.log.Warn("Swept dead dispatcher", "dispatcher", d.Name())
	}
	clear(g.dispatchers[len(alive):])
	g.dispatchers = alive

	for len(g.dispatchers) < g.size {
		if _, err := g.spawnLocked(); err != nil {
			g.log.Error("Failed to replace dispatcher", "error", err)
			break
		}
	}
	return dead
}

func (g *Group) spawnLocked() (*Dispatcher, error) {
	g.seq++
	d := New(Config{
		Name:     fmt.Sprintf("%s-%d", g.cfg.Name, g.seq),
		Clock:    g.cfg.Clock,
		Logger:   g.cfg.Logger,
		Observer: g.cfg.Observer,
	})
	if err := d.Start(g.factory); err != nil {
		return nil, err
	}
	g.dispatchers = append(g.dispatchers, d)
	return d, nil
}
