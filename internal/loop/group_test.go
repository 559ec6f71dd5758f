package loop

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/looprail/internal/task"
)

// tierCounter records assignment tiers.
type tierCounter struct {
	NopObserver
	mu    sync.Mutex
	tiers []Tier
	swept int
}

func (c *tierCounter) Assigned(t Tier) {
	c.mu.Lock()
	c.tiers = append(c.tiers, t)
	c.mu.Unlock()
}

func (c *tierCounter) LoopSwept(string) {
	c.mu.Lock()
	c.swept++
	c.mu.Unlock()
}

func (c *tierCounter) last() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tiers[len(c.tiers)-1]
}

func openGroup(t *testing.T, cfg GroupConfig, minWorkers, maxWorkers int) *Group {
	t.Helper()
	g := NewGroup(cfg)
	require.NoError(t, g.Open(context.Background(), Goroutines, minWorkers, maxWorkers))
	t.Cleanup(g.Close)
	return g
}

func weights(g *Group) []int64 {
	var ws []int64
	for _, l := range g.Loops() {
		ws = append(ws, l.Weight())
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	return ws
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestGroupOpenValidation(t *testing.T) {
	g := NewGroup(GroupConfig{})
	assert.ErrorIs(t, g.Open(context.Background(), nil, 0, 2), ErrInvalidArgument)
	assert.ErrorIs(t, g.Open(context.Background(), nil, 3, 2), ErrInvalidArgument)
	assert.False(t, g.IsOpen())
}

func TestGroupOpenIsIdempotent(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 2, 4)
	assert.Equal(t, 2, g.PooledTaskLoops())
	require.NoError(t, g.Open(context.Background(), nil, 3, 4))
	assert.Equal(t, 2, g.PooledTaskLoops())
	for _, l := range g.Loops() {
		assert.True(t, l.Alive())
	}
}

func TestGroupOpenCancelled(t *testing.T) {
	// Loops spawned by this factory never run, so startup never completes.
	never := ThreadFactoryFunc(func(string, func()) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	g := NewGroup(GroupConfig{})
	err := g.Open(ctx, never, 2, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, g.IsOpen())
	assert.Equal(t, 0, g.PooledTaskLoops())
}

func TestGroupClose(t *testing.T) {
	g := NewGroup(GroupConfig{})
	require.NoError(t, g.Open(context.Background(), Goroutines, 2, 2))
	loops := g.Loops()
	g.Close()

	for _, l := range loops {
		<-l.Done()
		assert.False(t, l.Alive())
	}
	_, err := g.Assign(&sel{w: 1})
	assert.ErrorIs(t, err, ErrGroupClosed)
	assert.Equal(t, 0, g.PooledTaskLoops())
	g.Close()
}

// ============================================================================
// Assignment
// ============================================================================

func TestGroupAssignSticky(t *testing.T) {
	obs := &tierCounter{}
	g := openGroup(t, GroupConfig{Observer: obs}, 3, 3)
	s := &sel{w: 1}

	first, err := g.Assign(s)
	require.NoError(t, err)
	second, err := g.Assign(s)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, TierSticky, obs.last())
	assert.EqualValues(t, 1, first.Weight())
}

func TestGroupAssignMinimumWeight(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 4, 4)
	for i := 0; i < 40; i++ {
		s := &sel{w: int64(i%5 + 1)}
		before := map[*Loop]int64{}
		for _, l := range g.Loops() {
			before[l] = l.Weight()
		}
		l, err := g.Assign(s)
		require.NoError(t, err)
		for _, other := range g.Loops() {
			assert.LessOrEqual(t, before[l], before[other])
		}
	}
}

func TestGroupAssignBalancesWithoutGrowing(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 2, 4)
	for i := 0; i < 3; i++ {
		_, err := g.Assign(&sel{w: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, g.PooledTaskLoops())
	assert.Equal(t, []int64{1, 2}, weights(g))
}

func TestGroupAssignSpilloverAndGrowth(t *testing.T) {
	obs := &tierCounter{}
	g := openGroup(t, GroupConfig{Threshold: 3, Observer: obs}, 1, 2)

	a, err := g.Assign(&sel{"a", 1})
	require.NoError(t, err)
	assert.Equal(t, TierGrow, obs.last())
	assert.Equal(t, 2, g.PooledTaskLoops())

	b, err := g.Assign(&sel{"b", 1})
	require.NoError(t, err)
	assert.Equal(t, TierSpillover, obs.last())
	assert.Same(t, a, b)

	c, err := g.Assign(&sel{"c", 2})
	require.NoError(t, err)
	assert.Equal(t, TierFallback, obs.last())
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, g.PooledTaskLoops())
}

func TestGroupAssignRejectPolicy(t *testing.T) {
	g := openGroup(t, GroupConfig{Threshold: 2, Policy: OverflowReject}, 1, 1)

	_, err := g.Assign(&sel{"a", 2})
	require.NoError(t, err)
	_, err = g.Assign(&sel{"b", 1})
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, []int64{2}, weights(g))
}

func TestGroupAssignRejectPolicyUsesIdleLoops(t *testing.T) {
	obs := &tierCounter{}
	g := openGroup(t, GroupConfig{Threshold: 3, Policy: OverflowReject, Observer: obs}, 2, 2)

	a, err := g.Assign(&sel{"a", 3})
	require.NoError(t, err)
	assert.Equal(t, TierFallback, obs.last())

	b, err := g.Assign(&sel{"b", 3})
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, []int64{3, 3}, weights(g))

	_, err = g.Assign(&sel{"c", 1})
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, []int64{3, 3}, weights(g))
}

func TestGroupAssignNil(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 1, 1)
	_, err := g.Assign(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGroupRelease(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 2, 2)
	s := &sel{w: 3}
	l, err := g.Assign(s)
	require.NoError(t, err)

	assert.True(t, g.Release(s))
	assert.False(t, g.Release(s))
	assert.EqualValues(t, 0, l.Weight())
	assert.False(t, l.Contains(s))
}

func TestGroupSelfHeals(t *testing.T) {
	obs := &tierCounter{}
	g := openGroup(t, GroupConfig{Observer: obs}, 2, 2)

	victim := g.Loops()[0]
	require.NoError(t, victim.OfferTask(task.Once(runtime.Goexit)))
	select {
	case <-victim.Done():
	case <-time.After(time.Second):
		t.Fatal("loop goroutine did not exit")
	}
	assert.False(t, victim.Alive())

	l, err := g.Assign(&sel{w: 1})
	require.NoError(t, err)
	assert.True(t, l.Alive())
	assert.Equal(t, 2, g.PooledTaskLoops())
	assert.NotContains(t, g.Loops(), victim)
	assert.Equal(t, 1, obs.swept)
}

func TestGroupConcurrentAssign(t *testing.T) {
	g := openGroup(t, GroupConfig{}, 4, 4)

	var wg sync.WaitGroup
	sels := make([]*sel, 100)
	for i := range sels {
		sels[i] = &sel{w: 1}
		wg.Add(1)
		go func(s *sel) {
			defer wg.Done()
			_, err := g.Assign(s)
			assert.NoError(t, err)
		}(sels[i])
	}
	wg.Wait()

	var total int64
	for _, l := range g.Loops() {
		total += l.Weight()
	}
	assert.EqualValues(t, 100, total)
	for _, s := range sels {
		owners := 0
		for _, l := range g.Loops() {
			if l.Contains(s) {
				owners++
			}
		}
		assert.Equal(t, 1, owners)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowFallback, p)
	p, err = ParseOverflowPolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, OverflowReject, p)
	_, err = ParseOverflowPolicy("drop")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
