// ============================================================================
// looprail TaskLoop - 單 goroutine 任務循環
// ============================================================================
//
// Package: internal/loop
// 文件: loop.go
// 功能: 以一個 goroutine 依 FIFO 順序執行任務，並追蹤綁定的 Selection 權重
//
// 執行循環:
//   process(timeout)  等待喚醒信號、重試期限或關閉
//   drain()           執行一批已排隊的任務，FIFO，不會並發
//
// 任務返回值決定後續處理:
//   task.Done         丟棄
//   task.Immediately  重新排隊，下一次等待不阻塞
//   d > 0             暫存到 d 到期，最小的 d 決定等待時間
//
// 生命週期:
//   1. New()    - 建立閒置的 Loop
//   2. Start()  - 通過 ThreadFactory 啟動 goroutine
//   3. Close()  - 中斷循環，丟棄已排隊任務並釋放所有 Selection
//
// 錯誤處理:
//   - 任務 panic 會被逐個 recover 並記錄，Loop 繼續運行
//   - goroutine 本身消失（runtime.Goexit、hook 崩潰）時 Alive() 返回 false，
//     由 Group 在下一次 sweep 時替換
//
// ============================================================================

package loop

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/task"
	"github.com/ChuLiYu/looprail/internal/timer"
)

// ============================================================================
// 資料結構定義
// ============================================================================

const forever time.Duration = -1

const (
	stateCreated uint32 = iota
	stateRunning
	stateClosed
)

// Config models optional configuration for New.
type Config struct {
	// Name identifies the loop in logs and metrics.
	Name string
	// Timer serves Schedule. Defaults to timer.Null.
	Timer task.Timer
	// Clock defaults to the real clock.
	Clock clock.WithTicker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer defaults to NopObserver.
	Observer Observer
}

type parked struct {
	due int64
	t   task.Task
}

// Loop 代表 TaskLoop：由單一 goroutine 排空的 FIFO 任務隊列，
// 加上綁定到它的 Selection 集合與其權重總和
type Loop struct {
	token task.Token
	name  string
	timer task.Timer
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

	selMu      sync.Mutex
	selections map[Selection]struct{}
	weight     atomic.Int64

	parked []parked // loop goroutine only
	panics rate.Sometimes
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立閒置的 Loop，Start 後才會啟動 goroutine
func New(cfg Config) *Loop {
	if cfg.Timer == nil {
		cfg.Timer = timer.Null{}
	}
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
		cfg.Name = fmt.Sprintf("loop-%d", tok)
	}
	return &Loop{
		token:      tok,
		name:       cfg.Name,
		timer:      cfg.Timer,
		clock:      cfg.Clock,
		epoch:      cfg.Clock.Now(),
		log:        cfg.Logger.With("component", "taskloop", "loop", cfg.Name),
		obs:        cfg.Observer,
		closeCh:    make(chan struct{}),
		started:    make(chan struct{}),
		exited:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
		selections: make(map[Selection]struct{}),
		panics:     rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Token identifies this loop as an execution context.
func (l *Loop) Token() task.Token { return l.token }

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

func (l *Loop) String() string { return l.name }

// Start spawns the loop goroutine through factory. Starting a running loop
// is a no-op; starting a closed one fails.
func (l *Loop) Start(factory ThreadFactory) error {
	if factory == nil {
		factory = Goroutines
	}
	if !l.state.CompareAndSwap(stateCreated, stateRunning) {
		if l.state.Load() == stateClosed {
			return ErrLoopClosed
		}
		return nil
	}
	factory.Spawn(l.name, l.run)
	return nil
}

// Close interrupts the loop. Queued tasks are discarded and every bound
// selection is released. Close does not wait; use Done for that.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		prev := l.state.Swap(stateClosed)
		close(l.closeCh)
		if prev == stateCreated {
			l.cleanup()
			close(l.exited)
		}
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.exited }

// Alive reports whether the loop was started, is not closed and its
// goroutine is still running.
func (l *Loop) Alive() bool {
	if l.state.Load() != stateRunning {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// AwaitStarted blocks until the loop goroutine is running.
func (l *Loop) AwaitStarted(ctx context.Context) error {
	select {
	case <-l.started:
		return nil
	case <-l.exited:
		return fmt.Errorf("%w: %s exited during startup", ErrLoopClosed, l.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfferTask 把 t 放入隊列並喚醒 Loop，可從任意 goroutine 呼叫
func (l *Loop) OfferTask(t task.Task) error {
	if t == nil {
		return task.ErrNilTask
	}
	l.mu.Lock()
	if l.sealed || l.state.Load() == stateClosed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	l.signal()
	return nil
}

// Schedule runs t on this loop after delay through the configured timer.
func (l *Loop) Schedule(t task.Task, delay time.Duration) (*task.Future, error) {
	if l.state.Load() == stateClosed {
		return nil, ErrLoopClosed
	}
	return l.timer.Offer(l, t, delay)
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Accept binds s and returns the new weight, or NotChanged when s was
// already bound.
func (l *Loop) Accept(s Selection) int64 {
	l.selMu.Lock()
	defer l.selMu.Unlock()
	if _, ok := l.selections[s]; ok {
		return NotChanged
	}
	l.selections[s] = struct{}{}
	return l.addWeight(weightOf(s))
}

// Reject unbinds s and returns the new weight, or NotChanged when s was not
// bound.
func (l *Loop) Reject(s Selection) int64 {
	l.selMu.Lock()
	defer l.selMu.Unlock()
	if _, ok := l.selections[s]; !ok {
		return NotChanged
	}
	delete(l.selections, s)
	return l.addWeight(-weightOf(s))
}

// Contains reports whether s is bound to this loop.
func (l *Loop) Contains(s Selection) bool {
	l.selMu.Lock()
	defer l.selMu.Unlock()
	_, ok := l.selections[s]
	return ok
}

// Selections returns the number of bound selections.
func (l *Loop) Selections() int {
	l.selMu.Lock()
	defer l.selMu.Unlock()
	return len(l.selections)
}

// Weight returns the summed weight of bound selections.
func (l *Loop) Weight() int64 { return l.weight.Load() }

// Less orders loops by current weight.
func (l *Loop) Less(o *Loop) bool { return l.Weight() < o.Weight() }

// addWeight adjusts the weight, saturating at [0, MaxInt64].
func (l *Loop) addWeight(delta int64) int64 {
	for {
		old := l.weight.Load()
		next := old + delta
		switch {
		case delta > 0 && next < old:
			next = math.MaxInt64
		case next < 0:
			next = 0
		}
		if l.weight.CompareAndSwap(old, next) {
			l.obs.WeightChanged(l.name, next)
			return next
		}
	}
}

// ============================================================================
// 內部循環
// ============================================================================

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) closing() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

func (l *Loop) now() int64 {
	return int64(l.clock.Since(l.epoch))
}

func (l *Loop) run() {
	defer l.exit()
	l.obs.LoopStarted(l.name)
	close(l.started)
	l.log.Debug("Task loop started")

	timeout := forever
	for l.process(timeout) {
		timeout = l.drain()
	}
}

// process 等待工作，Loop 關閉後返回 false
func (l *Loop) process(timeout time.Duration) bool {
	switch {
	case timeout == 0:
		return !l.closing()
	case timeout < 0:
		select {
		case <-l.closeCh:
			return false
		case <-l.wake:
			return true
		}
	}

	tm := l.clock.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-l.closeCh:
		return false
	case <-l.wake:
	case <-tm.C():
	}
	return true
}

// drain 執行一批排隊任務，返回下一次等待的超時
func (l *Loop) drain() time.Duration {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	var retry []task.Task
	for i, t := range batch {
		if l.closing() {
			return forever
		}
		batch[i] = nil
		switch code := l.execute(t); {
		case code == task.Immediately:
			l.obs.TaskRetried(l.name)
			retry = append(retry, t)
		case code > 0:
			l.obs.TaskRetried(l.name)
			l.park(t, code)
		}
	}

	now := l.now()
	next := forever
	kept := l.parked[:0]
	for _, p := range l.parked {
		if p.due <= now {
			retry = append(retry, p.t)
			continue
		}
		kept = append(kept, p)
		if d := time.Duration(p.due - now); next < 0 || d < next {
			next = d
		}
	}
	clear(l.parked[len(kept):])
	l.parked = kept

	if len(retry) > 0 {
		l.mu.Lock()
		if !l.sealed {
			l.queue = append(l.queue, retry...)
		}
		l.mu.Unlock()
		return 0
	}
	return next
}

func (l *Loop) park(t task.Task, delay time.Duration) {
	due, err := task.Deadline(l.now(), delay)
	if err != nil {
		l.log.Warn("Dropping task retry", "delay", delay, "error", err)
		return
	}
	l.parked = append(l.parked, parked{due: due, t: t})
}

func (l *Loop) execute(t task.Task) (code time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			code = task.Done
			l.obs.TaskPanicked(l.name)
			l.panics.Do(func() {
				l.log.Error("Task panicked", "panic", r)
			})
		}
	}()
	code = t.Execute(l.token)
	l.obs.TaskExecuted(l.name)
	return code
}

func (l *Loop) exit() {
	if r := recover(); r != nil {
		l.log.Error("Task loop crashed", "panic", r)
	}
	if l.state.Load() != stateClosed {
		l.log.Warn("Task loop exited unexpectedly")
	} else {
		l.log.Debug("Task loop stopped")
	}
	l.cleanup()
	l.parked = nil
	l.obs.LoopStopped(l.name)
	close(l.exited)
}

func (l *Loop) cleanup() {
	l.mu.Lock()
	l.sealed = true
	l.queue = nil
	l.mu.Unlock()

	l.selMu.Lock()
	clear(l.selections)
	l.weight.Store(0)
	l.selMu.Unlock()
	l.obs.WeightChanged(l.name, 0)
}
