package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/loop"
	"github.com/ChuLiYu/looprail/internal/task"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	// A second collector on the same registry must collide.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestLoopCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		c.TaskExecuted("l1")
	}
	c.TaskPanicked("l1")
	c.TaskRetried("l2")
	c.WeightChanged("l1", 7)
	c.Assigned(loop.TierSticky)
	c.Assigned(loop.TierGrow)
	c.Assigned(loop.TierGrow)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.tasksExecuted.WithLabelValues("l1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksPanicked.WithLabelValues("l1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksRetried.WithLabelValues("l2")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.loopWeight.WithLabelValues("l1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.assignments.WithLabelValues("grow")))
}

func TestLoopStoppedDropsWeightSeries(t *testing.T) {
	c, _ := newTestCollector(t)
	c.WeightChanged("l1", 3)
	assert.Equal(t, 1, testutil.CollectAndCount(c.loopWeight))

	c.LoopStopped("l1")
	assert.Equal(t, 0, testutil.CollectAndCount(c.loopWeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopsStopped))
}

func TestEngineStats(t *testing.T) {
	c, _ := newTestCollector(t)
	c.EngineStats(engine.Stats{Uptime: 3 * time.Second, Loops: 4, Connections: 9, TimerPending: 2})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.loopsPooled))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.uptime))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.timerPending))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.EventExecuted("d")
				c.ThreadHop("p")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.eventsExecuted.WithLabelValues("d")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.threadHops))
}

func TestCollectorAsLoopObserver(t *testing.T) {
	c, _ := newTestCollector(t)
	g := loop.NewGroup(loop.GroupConfig{Name: "m", Observer: c})
	require.NoError(t, g.Open(context.Background(), loop.Goroutines, 1, 1))
	defer g.Close()

	l := g.Loops()[0]
	done := make(chan struct{})
	require.NoError(t, l.OfferTask(task.Once(func() { close(done) })))
	<-done

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.tasksExecuted.WithLabelValues(l.Name())) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopsStarted))
}

func TestServerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.TaskExecuted("exposed")

	srv := NewServer(0, reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `looprail_tasks_executed_total{loop="exposed"} 1`)
}
