// ============================================================================
// looprail Throughput Test
// ============================================================================
//
// Runs the demo connection pipeline through a real engine and checks that
// every message comes out once and in order. Skipped with -short.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/looprail/internal/cli"
	"github.com/ChuLiYu/looprail/internal/engine"
)

func TestEngineThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	eng, err := engine.New(engine.Config{
		MinLoops:     4,
		MaxLoops:     8,
		Threshold:    4,
		Dispatchers:  4,
		TimerEnabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	const conns, perConn = 16, 500
	transports := make([]*cli.MemTransport, conns)
	connections := make([]*engine.Connection, conns)
	for i := range connections {
		transports[i] = &cli.MemTransport{}
		connections[i], err = eng.Connect(transports[i], cli.DemoPipeline)
		require.NoError(t, err)
	}

	start := time.Now()
	for i := 0; i < perConn; i++ {
		for _, c := range connections {
			require.NoError(t, c.Read([]byte(fmt.Sprintf("m%d", i))))
		}
	}
	require.Eventually(t, func() bool {
		for _, tr := range transports {
			if tr.Writes() < perConn {
				return false
			}
		}
		return true
	}, 30*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	t.Logf("%d messages in %s (%.0f msg/s), %d loops",
		conns*perConn, elapsed, float64(conns*perConn)/elapsed.Seconds(), eng.Stats().Loops)

	for _, tr := range transports {
		frames := tr.Frames()
		require.Len(t, frames, perConn)
		for i, f := range frames {
			assert.Equal(t, fmt.Sprintf("M%d\n", i), string(f))
		}
	}
	assert.LessOrEqual(t, eng.Stats().Loops, 8)
}
