// ============================================================================
// looprail Engine - 運行時組裝根
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 持有共享的運行時組件，並對外提供 Connection
//
// 架構組件:
//   - Timer:       共享的延遲任務 goroutine（可選）
//   - Loop group:  加權 TaskLoop，執行 pipeline stage
//   - Dispatchers: 以引用計數綁定的事件分派器，每個 Connection 一個
//   - Connections: 同一 transport 上的 Load 與 Store 兩條 pipeline
//
// 背景循環:
//   statsLoop - 每個 interval 清掃已死亡的 Loop 與 Dispatcher，
//               再把 Stats 快照發布給 observer
//
// 優雅關閉:
//   Stop() 流程：
//   1. 關閉 stopCh，等待 statsLoop 退出
//   2. 關閉所有 Connection，等待 Deactivated 走完兩條 pipeline
//   3. 依序關閉 Dispatcher、Loop、Timer
//
// 錯誤處理:
//   - Config.Validate: 配置不合法時 New 直接返回錯誤
//   - ErrNotStarted: Start 之前或 Stop 之後呼叫 Connect
//   - ErrAlreadyStarted: 重複呼叫 Start
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/dispatch"
	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/pipeline"
	"github.com/ChuLiYu/looprail/internal/task"
	"github.com/ChuLiYu/looprail/internal/timer"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted is returned by Connect before Start or after Stop.
	ErrNotStarted = errors.New("engine: not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine: already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Observer receives every runtime event. The metrics collector implements
// it; NopObserver discards everything.
type Observer interface {
	loop.Observer
	timer.Observer
	dispatch.Observer
	pipeline.Observer
	EngineStats(s Stats)
}

type (
	loopNop     = loop.NopObserver
	timerNop    = timer.NopObserver
	dispatchNop = dispatch.NopObserver
	pipelineNop = pipeline.NopObserver
)

// NopObserver discards every event.
type NopObserver struct {
	loopNop
	timerNop
	dispatchNop
	pipelineNop
}

// EngineStats discards s.
func (NopObserver) EngineStats(Stats) {}

// Config Engine 配置
type Config struct {
	MinLoops      int                 // loops started by Start
	MaxLoops      int                 // upper bound for growth
	Threshold     int64               // per-loop weight budget, 0 disables growth
	Policy        loop.OverflowPolicy // what to do when the budget is exhausted
	LockedThreads bool                // pin each loop to an OS thread
	Dispatchers   int                 // dispatcher count
	TimerEnabled  bool                // false uses the null timer
	Diagnostics   bool                // verify stage types at DEBUG
	StatsInterval time.Duration       // sweep and stats period
	Clock         clock.WithTicker    // defaults to the real clock
	Observer      Observer            // defaults to NopObserver
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MinLoops <= 0 || c.MinLoops > c.MaxLoops:
		return fmt.Errorf("%w: need 0 < min_loops (%d) <= max_loops (%d)", loop.ErrInvalidArgument, c.MinLoops, c.MaxLoops)
	case c.Threshold < 0:
		return fmt.Errorf("%w: negative threshold %d", loop.ErrInvalidArgument, c.Threshold)
	case c.Dispatchers <= 0:
		return fmt.Errorf("%w: dispatchers must be positive, got %d", loop.ErrInvalidArgument, c.Dispatchers)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: negative stats interval", loop.ErrInvalidArgument)
	}
	return nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Uptime       time.Duration
	Loops        int
	LoopWeights  map[string]int64
	Dispatchers  int
	Connections  int
	TimerPending int
}

// Engine 持有 Timer、Loop group 與 Dispatcher group
type Engine struct {
	mu          sync.Mutex
	config      Config
	clock       clock.WithTicker
	obs         Observer
	timer       task.Timer
	realTimer   *timer.Timer
	loops       *loop.Group
	dispatchers *dispatch.Group
	conns       map[string]*Connection
	started     bool
	stopped     bool
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
	startTime   time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New creates an engine from a validated configuration.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.StatsInterval == 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}

	e := &Engine{
		config: config,
		clock:  config.Clock,
		obs:    config.Observer,
		timer:  timer.Null{},
		conns:  make(map[string]*Connection),
		stopCh: make(chan struct{}),
	}
	if config.TimerEnabled {
		e.realTimer = timer.New(timer.Config{Clock: config.Clock, Observer: config.Observer})
		e.timer = e.realTimer
	}
	e.loops = loop.NewGroup(loop.GroupConfig{
		Name:      "taskloop",
		Threshold: config.Threshold,
		Policy:    config.Policy,
		Timer:     e.timer,
		Clock:     config.Clock,
		Observer:  config.Observer,
	})
	e.dispatchers = dispatch.NewGroup(dispatch.GroupConfig{
		Name:     "dispatcher",
		Clock:    config.Clock,
		Observer: config.Observer,
	})
	return e, nil
}

// Start brings up the timer, the loops and the dispatchers, then the stats
// loop. ctx bounds startup only.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.startTime = e.clock.Now()

	factory := loop.Goroutines
	if e.config.LockedThreads {
		factory = loop.LockedThreads
	}

	if e.realTimer != nil {
		if err := e.realTimer.Start(); err != nil {
			return fmt.Errorf("failed to start timer: %w", err)
		}
	}
	if err := e.loops.Open(ctx, factory, e.config.MinLoops, e.config.MaxLoops); err != nil {
		e.shutdownLocked()
		return fmt.Errorf("failed to open task loops: %w", err)
	}
	if err := e.dispatchers.Open(ctx, factory, e.config.Dispatchers); err != nil {
		e.shutdownLocked()
		return fmt.Errorf("failed to open dispatchers: %w", err)
	}

	e.started = true
	e.loopWg.Add(1)
	go e.statsLoop()

	log.Info("Engine started",
		"min_loops", e.config.MinLoops,
		"max_loops", e.config.MaxLoops,
		"dispatchers", e.config.Dispatchers,
		"timer", e.config.TimerEnabled)
	return nil
}

// Stop 關閉所有 Connection 並停止運行時，可重複呼叫
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	conns := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	log.Info("Stopping engine...", "connections", len(conns))
	close(e.stopCh)
	e.loopWg.Wait()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Warn("Failed to close connection", "id", c.ID(), "error", err)
		}
	}

	e.mu.Lock()
	e.shutdownLocked()
	e.mu.Unlock()
	log.Info("Engine stopped")
}

func (e *Engine) shutdownLocked() {
	e.dispatchers.Close()
	e.loops.Close()
	if e.realTimer != nil {
		e.realTimer.Close()
	}
}

// Running reports whether the engine is started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// Loops returns the task loop group.
func (e *Engine) Loops() *loop.Group { return e.loops }

// Dispatchers returns the dispatcher group.
func (e *Engine) Dispatchers() *dispatch.Group { return e.dispatchers }

// Timer returns the timer collaborator, the null timer when disabled.
func (e *Engine) Timer() task.Timer { return e.timer }

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	conns := len(e.conns)
	var uptime time.Duration
	if e.started {
		uptime = e.clock.Since(e.startTime)
	}
	e.mu.Unlock()

	loops := e.loops.Loops()
	weights := make(map[string]int64, len(loops))
	for _, l := range loops {
		weights[l.Name()] = l.Weight()
	}
	return Stats{
		Uptime:       uptime,
		Loops:        len(loops),
		LoopWeights:  weights,
		Dispatchers:  len(e.dispatchers.Dispatchers()),
		Connections:  conns,
		TimerPending: e.timer.Pending(),
	}
}

// statsLoop sweeps dead loops and publishes stats
func (e *Engine) statsLoop() {
	defer e.loopWg.Done()
	ticker := e.clock.NewTicker(e.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			log.Debug("Stats loop stopped")
			return

		case <-ticker.C():
			swept := e.loops.Sweep() + e.dispatchers.Sweep()
			if swept > 0 {
				log.Warn("Replaced dead loops", "count", swept)
			}
			s := e.Stats()
			e.obs.EngineStats(s)
			log.Debug("Engine stats",
				"loops", s.Loops,
				"dispatchers", s.Dispatchers,
				"connections", s.Connections,
				"timer_pending", s.TimerPending)
		}
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
}
