package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ChuLiYu/streamsched/internal/scheduler"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the collector must satisfy both recorder contracts
var (
	_ scheduler.Recorder = (*Collector)(nil)
	_ timer.Recorder     = (*Collector)(nil)
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	// a second collector on the same registry is a duplicate registration
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestLoopMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.LoopIteration(true)
	c.LoopIteration(true)
	c.LoopIteration(false)
	c.LoopWakeup()
	c.NodeProcessed("text")
	c.NodeProcessed("text")
	c.NodesRegistered(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.loopIterations.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopIterations.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopWakeups))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.nodeProcessed.WithLabelValues("text")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.registeredNodes))
}

func TestTimerMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TimerStarted()
	c.TimerStarted()
	c.TimerFired()
	c.TimerStopped()
	c.TimerReleased()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.timersStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.timersFired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.timersStopped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.timersActive))
}

func TestUpdateNodeStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateNodeStats([]types.NodeStats{
		{Name: "encoder", Queued: 4, Dropped: 1},
		{Name: "writer", Queued: 0, Dropped: 7},
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("encoder")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.nodeDropped.WithLabelValues("writer")))

	c.ObserveSnapshot(0.01)
	assert.Equal(t, 1, testutil.CollectAndCount(c.snapshotDuration))
}

func TestServerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.LoopWakeup()

	srv := NewServer(9090, reg)
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "streamsched_loop_wakeups_total 1"))
}
