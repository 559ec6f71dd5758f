// ============================================================================
// looprail TaskTimer - 共享延遲任務執行緒
// ============================================================================
//
// Package: internal/timer
// 文件: timer.go
// 功能: 以一個 goroutine 服務所有需要延遲執行的 TaskLoop
//
// 架構組件:
//   Offer() --push--> intake（無鎖堆疊）--merge--> 最小堆
//                                                   │
//                       到期且 ReadyToDispatch()   ▼
//                                       target.OfferTask(task)
//
// 生命週期:
//   1. New()    - 建立 Timer，尚未啟動
//   2. Start()  - 啟動 timer goroutine
//   3. Offer()  - 提交延遲任務，返回可取消的 Future
//   4. Close()  - 停止 goroutine，取消所有尚未分派的 Future
//
// 並發控制:
//   - 最小堆只由 timer goroutine 存取
//   - 生產者不持鎖，只推入 intake 並發送 wake 信號
//   - Close 與 Offer 競爭時，推入後重新檢查狀態並清空 intake
//
// 錯誤處理:
//   - ErrTimerClosed: Timer 已關閉
//   - ErrNilTarget: 沒有可投遞的目標
//   - 到期時間溢位的任務會被記錄並丟棄
//
// ============================================================================

package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/task"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTimerClosed is returned when offering to a closed timer.
	ErrTimerClosed = errors.New("timer: closed")
	// ErrNilTarget is returned when the task has nowhere to go.
	ErrNilTarget = errors.New("timer: nil target")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Observer receives timer events. Implementations must be safe for
// concurrent use.
type Observer interface {
	TimerDispatched()
	TimerPending(n int)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) TimerDispatched()   {}
func (NopObserver) TimerPending(n int) {}

// Config models optional configuration for New.
type Config struct {
	// Clock defaults to the real clock.
	Clock clock.WithTicker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer defaults to a no-op.
	Observer Observer
}

type intake struct {
	f    *task.Future
	next *intake
}

const (
	stateCreated uint32 = iota
	stateRunning
	stateClosed
)

// Timer 代表共享的 TaskTimer，必須通過 New 建立
type Timer struct {
	clock clock.WithTicker
	epoch time.Time
	log   *slog.Logger
	obs   Observer

	state   atomic.Uint32
	head    atomic.Pointer[intake]
	pending atomic.Int64
	wake    chan struct{}
	closeCh chan struct{}
	exited  chan struct{}
	once    sync.Once

	queue task.Queue // timer goroutine only
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New creates a timer. Call Start before expecting any dispatch.
func New(cfg Config) *Timer {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Timer{
		clock:   cfg.Clock,
		epoch:   cfg.Clock.Now(),
		log:     cfg.Logger.With("component", "timer"),
		obs:     cfg.Observer,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start spawns the timer goroutine. Calling it again is a no-op.
func (t *Timer) Start() error {
	if !t.state.CompareAndSwap(stateCreated, stateRunning) {
		if t.state.Load() == stateClosed {
			return ErrTimerClosed
		}
		return nil
	}
	go t.run()
	return nil
}

// Close 停止 timer goroutine，並取消所有尚未分派的 Future
func (t *Timer) Close() {
	t.once.Do(func() {
		prev := t.state.Swap(stateClosed)
		close(t.closeCh)
		if prev == stateCreated {
			t.discard()
			close(t.exited)
		}
	})
}

// Done is closed once the timer goroutine has exited.
func (t *Timer) Done() <-chan struct{} { return t.exited }

// Offer 安排 tk 在 delay 之後投遞給 target
//
// 返回值：
//   - *task.Future: 可用於取消或等待的 Future
//   - error: tk/target 為 nil、Timer 已關閉或到期時間溢位
func (t *Timer) Offer(target task.Offerer, tk task.Task, delay time.Duration) (*task.Future, error) {
	if tk == nil {
		return nil, task.ErrNilTask
	}
	if target == nil {
		return nil, ErrNilTarget
	}
	if t.state.Load() == stateClosed {
		return nil, ErrTimerClosed
	}
	expire, err := task.Deadline(t.now(), delay)
	if err != nil {
		t.log.Warn("Dropping delayed task", "delay", delay, "error", err)
		return nil, fmt.Errorf("timer: offer: %w", err)
	}
	f := task.NewFuture(tk, target, expire)
	t.push(f)
	if t.state.Load() == stateClosed {
		// Close may have run between the state check and the push.
		t.discard()
		if f.IsCancelled() {
			return nil, ErrTimerClosed
		}
	}
	return f, nil
}

// Pending returns the number of entries not yet dispatched or discarded.
func (t *Timer) Pending() int {
	return int(t.pending.Load())
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (t *Timer) now() int64 {
	return int64(t.clock.Since(t.epoch))
}

func (t *Timer) push(f *task.Future) {
	n := &intake{f: f}
	for {
		old := t.head.Load()
		n.next = old
		if t.head.CompareAndSwap(old, n) {
			break
		}
	}
	t.pending.Add(1)
	t.signal()
}

func (t *Timer) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	defer t.exit()

	t.log.Debug("Timer started")
	for {
		t.merge()
		if n := t.queue.PruneCancelled(); n > 0 {
			t.pending.Add(-int64(n))
		}
		t.obs.TimerPending(t.Pending())

		if !t.wait() {
			t.log.Debug("Timer stopped")
			return
		}
		t.deliver()
	}
}

func (t *Timer) exit() {
	t.pending.Add(-int64(t.queue.Clear()))
	t.discard()
	close(t.exited)
}

// discard cancels everything still on the intake.
func (t *Timer) discard() {
	for n := t.head.Swap(nil); n != nil; n = n.next {
		n.f.Cancel()
		t.pending.Add(-1)
	}
}

// merge moves the intake stack into the heap, oldest first.
func (t *Timer) merge() {
	n := t.head.Swap(nil)
	var batch []*task.Future
	for ; n != nil; n = n.next {
		batch = append(batch, n.f)
	}
	for i := len(batch) - 1; i >= 0; i-- {
		t.queue.Add(batch[i])
	}
}

func (t *Timer) wait() bool {
	head := t.queue.Peek()
	if head == nil {
		select {
		case <-t.closeCh:
			return false
		case <-t.wake:
			return true
		}
	}

	d := time.Duration(head.Expire() - t.now())
	if d <= 0 {
		select {
		case <-t.closeCh:
			return false
		default:
			return true
		}
	}

	tm := t.clock.NewTimer(d)
	defer tm.Stop()
	select {
	case <-t.closeCh:
		return false
	case <-t.wake:
	case <-tm.C():
	}
	return true
}

func (t *Timer) deliver() {
	now := t.now()
	for {
		f := t.queue.Peek()
		if f == nil || f.Expire() > now {
			return
		}
		t.queue.Next()
		t.pending.Add(-1)

		if !f.ReadyToDispatch() {
			continue
		}
		// Dispatched must precede the offer: the target may run the task
		// and re-arm f before OfferTask returns.
		f.Dispatched()
		if err := f.Target().OfferTask(t.rearm(f)); err != nil {
			t.log.Warn("Dropping expired task", "error", err)
			f.Drop()
			continue
		}
		t.obs.TimerDispatched()
	}
}

// rearm wraps the future's task so that a positive delay puts the same future
// back on the timer instead of re-queuing it on the loop.
func (t *Timer) rearm(f *task.Future) task.Task {
	return task.Func(func(cur task.Token) time.Duration {
		code := f.Task().Execute(cur)
		if code <= 0 {
			return code
		}
		expire, err := task.Deadline(t.now(), code)
		if err != nil {
			t.log.Warn("Dropping task retry", "delay", code, "error", err)
			return task.Done
		}
		if t.state.Load() == stateClosed {
			return task.Done
		}
		f.SetExpire(expire)
		t.push(f)
		if t.state.Load() == stateClosed {
			t.discard()
		}
		return task.Done
	})
}
