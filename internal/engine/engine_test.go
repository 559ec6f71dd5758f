package engine

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/pipeline"
	"github.com/ChuLiYu/looprail/internal/task"
	"github.com/ChuLiYu/looprail/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type memTransport struct {
	mu     sync.Mutex
	writes []any
	closed bool
}

func (m *memTransport) Write(msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, msg)
	return nil
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTransport) Option(types.OptionKey) (any, bool)   { return nil, false }
func (m *memTransport) SetOption(types.OptionKey, any) error { return nil }
func (m *memTransport) TaskLoop() *loop.Loop                 { return nil }

func (m *memTransport) written() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.writes...)
}

type statsRecorder struct {
	NopObserver
	mu    sync.Mutex
	stats []Stats
}

func (r *statsRecorder) EngineStats(s Stats) {
	r.mu.Lock()
	r.stats = append(r.stats, s)
	r.mu.Unlock()
}

func (r *statsRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

func testConfig() Config {
	return Config{
		MinLoops:      2,
		MaxLoops:      4,
		Dispatchers:   2,
		TimerEnabled:  true,
		StatsInterval: 10 * time.Millisecond,
	}
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

// echo wires load -> upper -> store -> write.
func echo(c *Connection) error {
	if err := c.Load().Add(pipeline.NameKey("upper"), pipeline.StageFuncs{
		Load: func(ctx pipeline.Context, in any) { ctx.Proceed(strings.ToUpper(in.(string))) },
	}); err != nil {
		return err
	}
	if err := c.Load().Add(pipeline.NameKey("reply"), pipeline.StageFuncs{
		Load: func(_ pipeline.Context, in any) { _ = c.Write(in) },
	}); err != nil {
		return err
	}
	return c.Store().Add(pipeline.NameKey("write"), pipeline.WriteStage{})
}

// ============================================================================
// Tests
// ============================================================================

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{MinLoops: 0, MaxLoops: 1, Dispatchers: 1},
		{MinLoops: 2, MaxLoops: 1, Dispatchers: 1},
		{MinLoops: 1, MaxLoops: 1, Dispatchers: 0},
		{MinLoops: 1, MaxLoops: 1, Dispatchers: 1, Threshold: -1},
	}
	for _, cfg := range bad {
		_, err := New(cfg)
		assert.ErrorIs(t, err, loop.ErrInvalidArgument)
	}
}

func TestEngineStartStop(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	assert.False(t, e.Running())

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	s := e.Stats()
	assert.Equal(t, 2, s.Loops)
	assert.Equal(t, 2, s.Dispatchers)

	e.Stop()
	e.Stop()
	assert.False(t, e.Running())
	assert.False(t, e.Loops().IsOpen())
	_, err = e.Connect(&memTransport{}, nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestConnectionEcho(t *testing.T) {
	e := startEngine(t, testConfig())
	tr := &memTransport{}
	c, err := e.Connect(tr, echo)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, 1, e.Stats().Connections)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, c.Read(m))
	}
	assert.Eventually(t, func() bool { return len(tr.written()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []any{"A", "B", "C"}, tr.written())
}

func TestConnectionLifecycleEvents(t *testing.T) {
	e := startEngine(t, testConfig())

	var (
		mu  sync.Mutex
		got []pipeline.EventKind
	)
	tr := &memTransport{}
	c, err := e.Connect(tr, func(c *Connection) error {
		return c.Load().Add(pipeline.NameKey("watch"), pipeline.StageFuncs{
			State: func(_ pipeline.StateContext, ev pipeline.StateEvent) {
				mu.Lock()
				got = append(got, ev.Kind)
				mu.Unlock()
			},
		})
	})
	require.NoError(t, err)

	require.NoError(t, c.Activate())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), ErrConnectionClosed)
	assert.ErrorIs(t, c.Read("late"), ErrConnectionClosed)

	// Close returns only after Deactivated has been delivered.
	mu.Lock()
	assert.Equal(t, []pipeline.EventKind{pipeline.Activated, pipeline.Deactivated}, got)
	mu.Unlock()
	assert.True(t, tr.closed)
	assert.Equal(t, 0, e.Stats().Connections)
	assert.Equal(t, 0, c.Dispatcher().Count(c))
}

func TestConnectInitFailure(t *testing.T) {
	e := startEngine(t, testConfig())
	boom := errors.New("boom")
	_, err := e.Connect(&memTransport{}, func(*Connection) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.Stats().Connections)
	for _, d := range e.Dispatchers().Dispatchers() {
		assert.Equal(t, 0, d.Selections())
	}
}

func TestStopClosesConnections(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	tr := &memTransport{}
	_, err = e.Connect(tr, echo)
	require.NoError(t, err)
	e.Stop()
	assert.True(t, tr.closed)
}

func TestStopDeliversDeactivated(t *testing.T) {
	for run := 0; run < 20; run++ {
		e, err := New(testConfig())
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))

		var (
			mu   sync.Mutex
			seen = map[string]int{}
		)
		watch := func(id string) pipeline.StageFuncs {
			return pipeline.StageFuncs{State: func(_ pipeline.StateContext, ev pipeline.StateEvent) {
				if ev.Kind == pipeline.Deactivated && ev.State == types.StateClosed {
					mu.Lock()
					seen[id]++
					mu.Unlock()
				}
			}}
		}
		for i := 0; i < 4; i++ {
			_, err := e.Connect(&memTransport{}, func(c *Connection) error {
				if err := c.Load().Add(pipeline.NameKey("watch"), watch(c.ID())); err != nil {
					return err
				}
				return c.Store().Add(pipeline.NameKey("watch"), watch(c.ID()))
			})
			require.NoError(t, err)
		}

		e.Stop()
		mu.Lock()
		require.Len(t, seen, 4, "run %d", run)
		for id, n := range seen {
			assert.Equal(t, 2, n, "connection %s in run %d", id, run)
		}
		mu.Unlock()
	}
}

func TestNopObserverCoversEveryEvent(t *testing.T) {
	var obs Observer = NopObserver{}
	obs.TaskExecuted("l")
	obs.TimerDispatched()
	obs.DelayedPending("d", 1)
	obs.ThreadHop("p")
	obs.EngineStats(Stats{})
}

func TestStatsLoopSweepsDeadLoops(t *testing.T) {
	rec := &statsRecorder{}
	cfg := testConfig()
	cfg.Observer = rec
	e := startEngine(t, cfg)

	victim := e.Loops().Loops()[0]
	require.NoError(t, victim.OfferTask(task.Once(runtime.Goexit)))
	<-victim.Done()

	assert.Eventually(t, func() bool {
		for _, l := range e.Loops().Loops() {
			if l == victim || !l.Alive() {
				return false
			}
		}
		return e.Loops().PooledTaskLoops() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngineScheduleThroughTimer(t *testing.T) {
	e := startEngine(t, testConfig())
	l := e.Loops().Loops()[0]

	ran := make(chan struct{})
	f, err := l.Schedule(task.Once(func() { close(ran) }), 5*time.Millisecond)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
	assert.True(t, f.WaitTimeout(time.Second))
}
