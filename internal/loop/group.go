// ============================================================================
// looprail TaskLoopGroup - 加權任務循環池
// ============================================================================
//
// Package: internal/loop
// 文件: group.go
// 功能: 管理一組有上限、可擴展的 Loop，並把 Selection 綁定到其中之一
//
// 生命週期:
//   1. NewGroup() - 設定 threshold、overflow policy、timer、observer
//   2. Open()     - 啟動 min 個 Loop，阻塞直到每個都回報運行中
//   3. Assign()   - 綁定 Selection（連線、pipeline element）
//   4. Release()  - 從持有它的 Loop 解除綁定
//   5. Close()    - 中斷並丟棄所有 Loop，不做優雅排空
//
// 分配順序（先清掃已死亡的 Loop）:
//   1. sticky     已持有該 Selection 的 Loop
//   2. spillover  weight > 0 且仍有 threshold 餘量的最輕 Loop
//   3. grow       設有 threshold 且 size < max 時新建 Loop
//   4. fallback   全域最輕的 Loop
//                 OverflowReject 下，最輕 Loop 也放不下時返回 ErrNoCapacity
//
// 並發控制:
//   - mu: 保護 loops 切片與 open 標誌（sweep、grow、open、close）
//   - Loop weight 是 atomic，由 Loop 自行更新，不經過 mu
//
// 錯誤處理:
//   - ErrInvalidArgument: min/max 不合法、nil Selection、未知 policy
//   - ErrGroupClosed: Group 未開啟或已關閉
//   - ErrNoCapacity: OverflowReject 且沒有 Loop 放得下
//
// ============================================================================

package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/looprail/internal/task"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// OverflowPolicy decides what Assign does when a weight threshold is set,
// no loop has headroom and the group is at its maximum size.
type OverflowPolicy int

const (
	// OverflowFallback assigns to the lightest loop anyway.
	OverflowFallback OverflowPolicy = iota
	// OverflowReject fails the assignment with ErrNoCapacity.
	OverflowReject
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowFallback:
		return "fallback"
	case OverflowReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy maps "fallback" and "reject" (or "") to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "fallback":
		return OverflowFallback, nil
	case "reject":
		return OverflowReject, nil
	default:
		return 0, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidArgument, s)
	}
}

// GroupConfig models optional configuration for NewGroup.
type GroupConfig struct {
	// Name prefixes loop names. Defaults to "taskloop".
	Name string
	// Threshold is the per-loop weight budget used by the spillover and grow
	// tiers. Zero disables both.
	Threshold int64
	// Policy applies when the threshold cannot be honoured.
	Policy OverflowPolicy
	// Timer is handed to every loop for Schedule.
	Timer task.Timer
	// Clock is handed to every loop.
	Clock clock.WithTicker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer defaults to NopObserver.
	Observer Observer
}

// Group 代表 TaskLoopGroup，必須通過 NewGroup 建立
type Group struct {
	cfg GroupConfig
	log *slog.Logger

	mu      sync.Mutex
	loops   []*Loop
	open    bool
	factory ThreadFactory
	min     int
	max     int
	seq     int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewGroup 建立一個尚未開啟的 Group
func NewGroup(cfg GroupConfig) *Group {
	if cfg.Name == "" {
		cfg.Name = "taskloop"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Group{
		cfg: cfg,
		log: cfg.Logger.With("component", "taskloopgroup", "group", cfg.Name),
	}
}

// Open 通過 factory 啟動 minWorkers 個 Loop，並等待全部進入運行狀態
//
// 參數：
//   - ctx: 等待啟動的期限，結束時 Group 會重新關閉並返回 ctx 的錯誤
//   - factory: 執行 Loop 的方式，nil 表示使用 Goroutines
//   - minWorkers / maxWorkers: 池大小的上下限
//
// 已開啟的 Group 再次 Open 不做任何事
func (g *Group) Open(ctx context.Context, factory ThreadFactory, minWorkers, maxWorkers int) error {
	if minWorkers <= 0 || minWorkers > maxWorkers {
		return fmt.Errorf("%w: need 0 < min (%d) <= max (%d)", ErrInvalidArgument, minWorkers, maxWorkers)
	}
	if factory == nil {
		factory = Goroutines
	}

	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	g.open = true
	g.factory = factory
	g.min, g.max = minWorkers, maxWorkers
	started := make([]*Loop, 0, minWorkers)
	for i := 0; i < minWorkers; i++ {
		l, err := g.spawnLocked()
		if err != nil {
			g.mu.Unlock()
			g.Close()
			return err
		}
		started = append(started, l)
	}
	g.mu.Unlock()

	eg, ectx := errgroup.WithContext(ctx)
	for _, l := range started {
		l := l
		eg.Go(func() error { return l.AwaitStarted(ectx) })
	}
	if err := eg.Wait(); err != nil {
		g.Close()
		return fmt.Errorf("loop: open %s: %w", g.cfg.Name, err)
	}

	g.log.Info("Task loop group opened",
		"min", minWorkers,
		"max", maxWorkers,
		"threshold", g.cfg.Threshold,
		"policy", g.cfg.Policy.String())
	return nil
}

// Close 中斷並丟棄所有 Loop
// 之後的 Assign 返回 ErrGroupClosed，直到重新 Open
func (g *Group) Close() {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	g.open = false
	loops := g.loops
	g.loops = nil
	g.mu.Unlock()

	for _, l := range loops {
		l.Close()
	}
	g.log.Info("Task loop group closed", "loops", len(loops))
}

// IsOpen reports whether the group is open.
func (g *Group) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Assign 把 s 綁定到某個 Loop 並返回該 Loop
func (g *Group) Assign(s Selection) (*Loop, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil selection", ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return nil, ErrGroupClosed
	}
	g.sweepLocked()
	if len(g.loops) == 0 {
		return nil, ErrGroupClosed
	}

	for _, l := range g.loops {
		if l.Contains(s) {
			g.cfg.Observer.Assigned(TierSticky)
			return l, nil
		}
	}

	w := weightOf(s)
	if th := g.cfg.Threshold; th > 0 {
		var (
			best       *Loop
			bestWeight int64
		)
		for _, l := range g.loops {
			lw := l.Weight()
			if lw > 0 && th-lw >= w && (best == nil || lw < bestWeight) {
				best, bestWeight = l, lw
			}
		}
		if best != nil {
			best.Accept(s)
			g.cfg.Observer.Assigned(TierSpillover)
			return best, nil
		}

		if len(g.loops) < g.max {
			l, err := g.spawnLocked()
			if err != nil {
				return nil, err
			}
			l.Accept(s)
			g.cfg.Observer.Assigned(TierGrow)
			g.log.Debug("Task loop group grew", "loops", len(g.loops))
			return l, nil
		}

		if g.cfg.Policy == OverflowReject {
			best, lw := g.lightestLocked()
			if th-lw < w {
				return nil, ErrNoCapacity
			}
			best.Accept(s)
			g.cfg.Observer.Assigned(TierFallback)
			return best, nil
		}
	}

	best, _ := g.lightestLocked()
	best.Accept(s)
	g.cfg.Observer.Assigned(TierFallback)
	return best, nil
}

// Release unbinds s from whichever loop holds it and reports whether it was
// bound.
func (g *Group) Release(s Selection) bool {
	for _, l := range g.Loops() {
		if l.Reject(s) != NotChanged {
			return true
		}
	}
	return false
}

// Sweep removes dead loops and spawns replacements up to the minimum. It
// returns the number of loops removed.
func (g *Group) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return 0
	}
	return g.sweepLocked()
}

// PooledTaskLoops returns the current pool size.
func (g *Group) PooledTaskLoops() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.loops)
}

// Loops returns a snapshot of the pool.
func (g *Group) Loops() []*Loop {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Loop, len(g.loops))
	copy(out, g.loops)
	return out
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// lightestLocked 返回 weight 最小的第一個 Loop，呼叫者須持有 mu
func (g *Group) lightestLocked() (*Loop, int64) {
	best := g.loops[0]
	bestWeight := best.Weight()
	for _, l := range g.loops[1:] {
		if lw := l.Weight(); lw < bestWeight {
			best, bestWeight = l, lw
		}
	}
	return best, bestWeight
}

func (g *Group) sweepLocked() int {
	alive := make([]*Loop, 0, len(g.loops))
	dead := 0
	for _, l := range g.loops {
		if l.Alive() {
			alive = append(alive, l)
			continue
		}
		dead++
		l.Close()
		g.cfg.Observer.LoopSwept(l.Name())
		g.log.Warn("Swept dead task loop", "loop", l.Name())
	}
	g.loops = alive

	for len(g.loops) < g.min {
		if _, err := g.spawnLocked(); err != nil {
			g.log.Error("Failed to replace task loop", "error", err)
			break
		}
	}
	return dead
}

func (g *Group) spawnLocked() (*Loop, error) {
	g.seq++
	l := New(Config{
		Name:     fmt.Sprintf("%s-%d", g.cfg.Name, g.seq),
		Timer:    g.cfg.Timer,
		Clock:    g.cfg.Clock,
		Logger:   g.cfg.Logger,
		Observer: g.cfg.Observer,
	})
	if err := l.Start(g.factory); err != nil {
		return nil, err
	}
	g.loops = append(g.loops, l)
	return l, nil
}
