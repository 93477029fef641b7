package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeNode forwards every queued unit to its rear node and optionally keeps a
// copy of what it processed.
type fakeNode struct {
	*node.Base

	mu        sync.Mutex
	collected []types.Unit
	processed atomic.Int32
	starts    atomic.Int32
	delay     time.Duration
	startErr  error
}

func newFakeNode(name string, caps node.Capability) *fakeNode {
	return &fakeNode{Base: node.NewBase(name, types.KindGeneric, caps, nil)}
}

func (f *fakeNode) Start() error {
	f.SetState(node.StateRunning)
	return nil
}

func (f *fakeNode) ProcessStart() error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	return f.Start()
}

func (f *fakeNode) Stop() {
	f.SetState(node.StateStopped)
	f.ClearDataQueue()
}

func (f *fakeNode) ProcessData() {
	f.processed.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	for {
		u, ok := f.GetData()
		if !ok {
			return
		}
		f.mu.Lock()
		f.collected = append(f.collected, u)
		f.mu.Unlock()
		f.SendDataToRearNode(u)
		f.DeleteData()
	}
}

func (f *fakeNode) SetConfig(any) error   { return nil }
func (f *fakeNode) IsSameConfig(any) bool { return true }

func (f *fakeNode) units() []types.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Unit(nil), f.collected...)
}

type countingRecorder struct {
	iterations atomic.Int64
	wakeups    atomic.Int64
	processed  atomic.Int64
	registered atomic.Int64
}

func (r *countingRecorder) LoopIteration(bool)   { r.iterations.Add(1) }
func (r *countingRecorder) LoopWakeup()          { r.wakeups.Add(1) }
func (r *countingRecorder) NodeProcessed(string) { r.processed.Add(1) }
func (r *countingRecorder) NodesRegistered(n int) {
	r.registered.Store(int64(n))
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(Config{StopTimeout: 200 * time.Millisecond})
	t.Cleanup(s.Stop)
	return s
}

// ============================================================================
// Registration Tests
// ============================================================================

func TestNewDefaults(t *testing.T) {
	s := New(Config{})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, DefaultPollInterval, s.config.PollInterval)
	assert.Equal(t, DefaultStopTimeout, s.config.StopTimeout)
	assert.Equal(t, DefaultThreadName, s.config.ThreadName)
	assert.False(t, s.IsThreadRunning())
	assert.False(t, s.IsThreadAlive())
}

func TestRegisterDeRegister(t *testing.T) {
	rec := &countingRecorder{}
	s := New(Config{Metrics: rec})
	a := newFakeNode("a", 0)
	b := newFakeNode("b", 0)

	s.RegisterNode(a)
	s.RegisterNode(b)
	s.RegisterNode(a)
	assert.Equal(t, 3, s.NumRegisteredNodes())
	assert.Equal(t, int64(3), rec.registered.Load())

	// every registration of a goes
	s.DeRegisterNode(a)
	assert.Equal(t, 1, s.NumRegisteredNodes())

	// unknown node is a no-op
	s.DeRegisterNode(newFakeNode("c", 0))
	s.DeRegisterNode(nil)
	s.RegisterNode(nil)
	assert.Equal(t, 1, s.NumRegisteredNodes())
	assert.Equal(t, int64(1), rec.registered.Load())
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStartWithoutNodes(t *testing.T) {
	s := newTestScheduler(t)
	s.Start()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, s.IsThreadRunning())
	assert.False(t, s.IsThreadAlive())

	// Awake on an idle scheduler does nothing
	s.Awake()
	assert.False(t, s.IsThreadRunning())
}

func TestIdleLoopParks(t *testing.T) {
	s := newTestScheduler(t)
	n := newFakeNode("filter", 0)
	s.RegisterNode(n)

	s.Start()
	assert.True(t, s.IsThreadAlive())

	assert.Eventually(t, func() bool { return !s.IsThreadRunning() },
		100*time.Millisecond, time.Millisecond)

	assert.Equal(t, node.StateRunning, n.State(), "loop starts stopped nodes")
	assert.Equal(t, int32(1), n.starts.Load())
	assert.Equal(t, int32(0), n.processed.Load(), "empty filter is never processed")
}

func TestSourceKeepsLoopBusy(t *testing.T) {
	s := newTestScheduler(t)
	src := newFakeNode("source", node.CapSource)
	s.RegisterNode(src)

	s.Start()
	time.Sleep(30 * time.Millisecond)

	assert.True(t, s.IsThreadRunning())
	assert.Greater(t, src.processed.Load(), int32(3), "source is processed every pass")
}

func TestDeliveryInOrder(t *testing.T) {
	s := newTestScheduler(t)
	front := newFakeNode("front", 0)
	sink := newFakeNode("sink", node.CapSink)
	front.ConnectRearNode(sink)
	front.SetWaker(s)
	sink.SetWaker(s)

	s.RegisterNode(front)
	s.RegisterNode(sink)
	s.Start()

	require.Eventually(t, func() bool { return !s.IsThreadRunning() },
		100*time.Millisecond, time.Millisecond)

	for i := uint32(1); i <= 3; i++ {
		front.OnDataFromFrontNode(types.Unit{Seq: i, Payload: []byte{byte(i)}})
	}

	require.Eventually(t, func() bool { return len(sink.units()) == 3 },
		time.Second, time.Millisecond)

	got := sink.units()
	for i, u := range got {
		assert.Equal(t, uint32(i+1), u.Seq)
	}
	assert.Equal(t, 0, front.DataCount())
	assert.Equal(t, 0, sink.DataCount())

	assert.Eventually(t, func() bool { return !s.IsThreadRunning() },
		100*time.Millisecond, time.Millisecond)
	assert.Greater(t, s.Stats().Wakeups, uint64(0))
}

func TestRunTimeNodesSkipped(t *testing.T) {
	s := newTestScheduler(t)
	rt := newFakeNode("decoder", node.CapRunTime|node.CapRunTimeStart)
	s.RegisterNode(rt)

	rt.AddData(types.Unit{Seq: 1})
	s.Start()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, node.StateStopped, rt.State(), "runtime-start node is left to its owner")
	assert.Equal(t, int32(0), rt.starts.Load())

	require.NoError(t, rt.Start())
	s.Awake()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), rt.processed.Load())
	assert.Equal(t, 1, rt.DataCount())
}

func TestStoppedNodesSkipped(t *testing.T) {
	s := newTestScheduler(t)
	n := newFakeNode("owned", node.CapRunTimeStart)
	s.RegisterNode(n)
	n.AddData(types.Unit{Seq: 1})

	s.Start()
	s.Awake()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), n.processed.Load())

	require.NoError(t, n.Start())
	s.Awake()
	assert.Eventually(t, func() bool { return n.DataCount() == 0 },
		time.Second, time.Millisecond)
}

func TestStartErrorLogged(t *testing.T) {
	s := newTestScheduler(t)
	bad := newFakeNode("bad", 0)
	bad.startErr = node.ErrInvalidParam
	s.RegisterNode(bad)

	s.Start()
	assert.Eventually(t, func() bool { return bad.starts.Load() == 1 },
		100*time.Millisecond, time.Millisecond)
	assert.Equal(t, node.StateStopped, bad.State())
	assert.True(t, s.IsThreadAlive())
}

func TestSecondStartIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	n := newFakeNode("n", 0)
	s.RegisterNode(n)

	s.Start()
	s.Start()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), n.starts.Load(), "only one drive loop ran startNodes")
}

func TestStopAndRestart(t *testing.T) {
	s := newTestScheduler(t)
	src := newFakeNode("source", node.CapSource)
	s.RegisterNode(src)

	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	assert.False(t, s.IsThreadAlive())
	assert.False(t, s.IsThreadRunning())

	before := src.processed.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, src.processed.Load(), "no processing after Stop")

	// stop twice is harmless
	s.Stop()

	s.Start()
	assert.Eventually(t, func() bool { return src.processed.Load() > before },
		time.Second, time.Millisecond)
}

func TestStopBoundedBySlowNode(t *testing.T) {
	s := New(Config{StopTimeout: 50 * time.Millisecond})
	t.Cleanup(func() {
		s.Stop()
		<-s.thread.Done()
	})
	slow := newFakeNode("slow", node.CapSource)
	slow.delay = 300 * time.Millisecond
	s.RegisterNode(slow)

	s.Start()
	require.Eventually(t, func() bool { return slow.processed.Load() == 1 },
		time.Second, time.Millisecond)

	begin := time.Now()
	s.Stop()
	elapsed := time.Since(begin)

	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.True(t, s.IsThreadAlive(), "loop is still inside ProcessData")

	// a restart is refused until the old loop exits, without waiting on the pass
	begin = time.Now()
	s.Start()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, 1, s.NumRegisteredNodes())

	assert.Eventually(t, func() bool { return !s.IsThreadAlive() },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.IsThreadAlive(), "refused start does not resurrect the loop")
	assert.Equal(t, int32(1), slow.processed.Load())

	// once the old loop is gone a new Start works
	s.Start()
	assert.Eventually(t, func() bool { return slow.processed.Load() >= 2 },
		time.Second, time.Millisecond)
}

func TestDeRegisterWhileRunning(t *testing.T) {
	s := newTestScheduler(t)
	src := newFakeNode("source", node.CapSource)
	s.RegisterNode(src)
	s.Start()
	time.Sleep(10 * time.Millisecond)

	s.DeRegisterNode(src)
	after := src.processed.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, src.processed.Load(), "deregistered node is not touched")
}

func TestRecorderAndStats(t *testing.T) {
	rec := &countingRecorder{}
	s := New(Config{Metrics: rec, StopTimeout: 200 * time.Millisecond})
	defer s.Stop()

	src := newFakeNode("source", node.CapSource)
	s.RegisterNode(src)
	s.Start()
	time.Sleep(20 * time.Millisecond)

	assert.Greater(t, rec.iterations.Load(), int64(0))
	assert.Greater(t, rec.processed.Load(), int64(0))

	stats := s.Stats()
	assert.Equal(t, s.ID(), stats.ID)
	assert.True(t, stats.Alive)
	assert.True(t, stats.Busy)
	require.Len(t, stats.Nodes, 1)
	assert.Equal(t, "source", stats.Nodes[0].Name)
	assert.True(t, stats.Nodes[0].IsSource)
	assert.Greater(t, stats.Iterations, uint64(0))
}
