// ============================================================================
// StreamSched 排程器 - 單執行緒協作式驅動迴圈
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 持有已註冊節點集合，在單一工作執行緒上驅動管線前進
//
// 狀態機:
//   Idle(無執行緒) --Start--> Running(工作執行緒存活) --Stop--> Idle
//   Stop 之後可以再次 Start
//
// 驅動迴圈 (每次迭代):
//   1. 持有註冊鎖，掃描所有 Running 且非 RunTime 的節點：
//      - 來源節點：無條件呼叫 ProcessData（來源自行控制節奏），標記 needToRun
//      - 其他節點：佇列非空則加入 toRun 列表
//   2. 依註冊順序處理 toRun（中途收到 Stop 則跳過剩餘節點），
//      處理後佇列仍非空則標記 needToRun
//   3. needToRun -> 短暫等待 PollInterval（忙碌輪詢）
//      否則     -> 無限期等待 Awake/Stop（閒置）
//
//   執行緒啟動時，所有非 RunTimeStart 且處於 Stopped 的節點會被 ProcessStart 一次
//
// 兩段式等待:
//   來源節點可能在下一個 tick 就產生資料（例如計時器驅動的週期性輸出），
//   閒置時則不佔用 CPU
//
// 喚醒協定:
//   wake 是容量為 1 的 channel。Awake() 設定忙碌旗標並非阻塞地放入一個 token，
//   迴圈在停放前先清除忙碌旗標，因此停放前後到達的 Awake 都不會遺失
//
// 失敗語義:
//   迴圈不攔截節點的 panic；節點實作必須對其輸入是全函數
//
// ============================================================================

package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/worker"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/google/uuid"
)

const (
	// DefaultPollInterval 忙碌輪詢間隔
	DefaultPollInterval = 2 * time.Millisecond
	// DefaultStopTimeout Stop 等待迴圈退出的上限
	DefaultStopTimeout = 1000 * time.Millisecond
	// DefaultThreadName 工作執行緒名稱
	DefaultThreadName = "StreamScheduler"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Node is the subset of node.Node the drive loop uses.
type Node interface {
	Name() string
	Capabilities() node.Capability
	State() node.State
	ProcessStart() error
	ProcessData()
	DataCount() int
	Stats() types.NodeStats
}

// Recorder receives drive-loop events.
type Recorder interface {
	LoopIteration(busy bool)
	LoopWakeup()
	NodeProcessed(name string)
	NodesRegistered(n int)
}

type nopRecorder struct{}

func (nopRecorder) LoopIteration(bool)   {}
func (nopRecorder) LoopWakeup()          {}
func (nopRecorder) NodeProcessed(string) {}
func (nopRecorder) NodesRegistered(int)  {}

// Config Scheduler 配置
type Config struct {
	ThreadName      string                 // 工作執行緒名稱
	PollInterval    time.Duration          // 忙碌輪詢間隔
	StopTimeout     time.Duration          // Stop 等待上限
	Priority        int                    // 執行緒優先權，0 表示不請求
	PriorityService worker.PriorityService // 優先權服務，nil 僅記錄日誌
	Logger          *slog.Logger           // 日誌
	Metrics         Recorder               // 指標記錄
}

// DefaultConfig returns the tuning used by media sessions.
func DefaultConfig() Config {
	return Config{
		ThreadName:   DefaultThreadName,
		PollInterval: DefaultPollInterval,
		StopTimeout:  DefaultStopTimeout,
	}
}

// Scheduler drives registered nodes on one worker thread.
type Scheduler struct {
	id      string
	config  Config
	log     *slog.Logger
	metrics Recorder

	mu    sync.Mutex // 註冊鎖，保護 nodes 並在每次掃描期間持有
	nodes []Node
	toRun []Node
	count atomic.Int32 // len(nodes)，不需持有註冊鎖即可讀取

	thread *worker.Thread

	runMu   sync.Mutex    // 保護 running
	running bool          // 忙碌旗標：啟動後與忙碌輪詢時為 true，停放時為 false
	wake    chan struct{} // 喚醒 token

	startedAt  atomic.Int64
	iterations atomic.Uint64
	wakeups    atomic.Uint64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New creates an idle Scheduler. Zero-valued Config fields take defaults.
func New(config Config) *Scheduler {
	def := DefaultConfig()
	if config.ThreadName == "" {
		config.ThreadName = def.ThreadName
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = def.StopTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = nopRecorder{}
	}

	id := uuid.NewString()
	log := config.Logger.With("component", "scheduler", "scheduler", id)

	thread := worker.NewThread(config.ThreadName, log)
	thread.SetPriority(config.PriorityService, config.Priority)

	return &Scheduler{
		id:      id,
		config:  config,
		log:     log,
		metrics: config.Metrics,
		thread:  thread,
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the scheduler instance id.
func (s *Scheduler) ID() string {
	return s.id
}

// RegisterNode appends n to the registered set. Safe while running.
func (s *Scheduler) RegisterNode(n Node) {
	if n == nil {
		return
	}

	s.mu.Lock()
	s.nodes = append(s.nodes, n)
	count := len(s.nodes)
	s.count.Store(int32(count))
	s.mu.Unlock()

	s.log.Debug("node registered", "node", n.Name(), "capabilities", n.Capabilities())
	s.metrics.NodesRegistered(count)
}

// DeRegisterNode removes every registration of n. Once it returns the drive
// loop no longer touches n. It must not be called from inside ProcessData.
func (s *Scheduler) DeRegisterNode(n Node) {
	if n == nil {
		return
	}

	s.mu.Lock()
	kept := s.nodes[:0]
	for _, registered := range s.nodes {
		if registered != n {
			kept = append(kept, registered)
		}
	}
	for i := len(kept); i < len(s.nodes); i++ {
		s.nodes[i] = nil
	}
	s.nodes = kept
	count := len(s.nodes)
	s.count.Store(int32(count))
	s.mu.Unlock()

	s.log.Debug("node deregistered", "node", n.Name())
	s.metrics.NodesRegistered(count)
}

// NumRegisteredNodes returns the size of the registered set.
func (s *Scheduler) NumRegisteredNodes() int {
	return int(s.count.Load())
}

// Start spawns the drive loop. It does nothing when no node is registered or
// the loop is already running, and refuses to start while a loop whose Stop
// timed out is still inside a pass.
//
// Start never takes the registration lock: the loop holds it for a whole
// pass, including every ProcessData.
func (s *Scheduler) Start() {
	if s.thread.Alive() {
		if s.thread.IsStopped() {
			s.log.Warn("start refused, previous drive loop has not exited",
				"error", worker.ErrThreadAlive)
		} else {
			s.log.Debug("start skipped, already running")
		}
		return
	}

	count := s.NumRegisteredNodes()
	if count == 0 {
		s.log.Debug("start skipped, no registered nodes")
		return
	}

	s.setRunning(true)
	if err := s.thread.Start(s.run); err != nil {
		s.setRunning(false)
		s.log.Warn("start failed, previous drive loop has not exited", "error", err)
		return
	}

	s.startedAt.Store(time.Now().UnixMilli())
	s.log.Info("scheduler started", "nodes", count)
}

// Stop requests loop exit and waits up to StopTimeout for it. It returns after
// the timeout even if the loop is still inside a node's ProcessData.
func (s *Scheduler) Stop() {
	if s.thread.IsStopped() {
		return
	}

	s.thread.Stop()
	s.signal()

	select {
	case <-s.thread.Done():
		s.log.Info("scheduler stopped")
	case <-time.After(s.config.StopTimeout):
		s.log.Warn("scheduler stop timed out, loop still busy",
			"timeout", s.config.StopTimeout)
	}
}

// Awake wakes a parked loop. Waking a busy loop is harmless.
func (s *Scheduler) Awake() {
	if s.thread.IsStopped() {
		return
	}

	s.runMu.Lock()
	wasBusy := s.running
	s.running = true
	s.runMu.Unlock()

	if !wasBusy {
		s.wakeups.Add(1)
		s.metrics.LoopWakeup()
	}
	s.signal()
}

// IsThreadRunning reports the busy flag: true after Start and while
// busy-polling, false while parked or stopped.
func (s *Scheduler) IsThreadRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// IsThreadAlive reports whether the drive loop goroutine exists.
func (s *Scheduler) IsThreadAlive() bool {
	return s.thread.Alive()
}

// Stats returns scheduler and per-node statistics.
func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.Lock()
	nodes := make([]types.NodeStats, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.Stats())
	}
	s.mu.Unlock()

	alive := s.thread.Alive()
	var active int64
	if alive {
		active = time.Now().UnixMilli() - s.startedAt.Load()
	}

	return types.SchedulerStats{
		ID:         s.id,
		Alive:      alive,
		Busy:       s.IsThreadRunning(),
		Iterations: s.iterations.Load(),
		Wakeups:    s.wakeups.Load(),
		Nodes:      nodes,
		ActiveTime: active,
	}
}

// ============================================================================
// 驅動迴圈
// ============================================================================

func (s *Scheduler) run() {
	s.log.Debug("drive loop enter")

	s.startNodes()

	poll := time.NewTimer(s.config.PollInterval)
	defer poll.Stop()

	for !s.thread.IsStopped() {
		s.mu.Lock()
		needToRun := s.runRegisteredNodes()
		s.mu.Unlock()

		s.iterations.Add(1)
		s.metrics.LoopIteration(needToRun)

		if s.thread.IsStopped() {
			break
		}

		if needToRun {
			s.setRunning(true)
			poll.Reset(s.config.PollInterval)
			select {
			case <-s.wake:
			case <-poll.C:
			}
		} else {
			s.setRunning(false)
			<-s.wake
		}
	}

	s.setRunning(false)
	s.log.Debug("drive loop exit", "iterations", s.iterations.Load())
}

// startNodes brings every scheduler-started node to Running.
func (s *Scheduler) startNodes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.Capabilities().Has(node.CapRunTimeStart) || n.State() != node.StateStopped {
			continue
		}
		if err := n.ProcessStart(); err != nil {
			s.log.Warn("node failed to start", "node", n.Name(), "error", err)
		}
	}
}

// runRegisteredNodes performs one service pass. The registration lock is held
// by the caller. It reports whether more work is expected soon.
func (s *Scheduler) runRegisteredNodes() bool {
	needToRun := false
	toRun := s.toRun[:0]

	for _, n := range s.nodes {
		caps := n.Capabilities()
		if caps.Has(node.CapRunTime) || n.State() != node.StateRunning {
			continue
		}

		if caps.Has(node.CapSource) {
			n.ProcessData()
			s.metrics.NodeProcessed(n.Name())
			needToRun = true
		} else if n.DataCount() > 0 {
			toRun = append(toRun, n)
		}
	}

	for _, n := range toRun {
		if s.thread.IsStopped() {
			break
		}
		if n.DataCount() == 0 {
			continue
		}

		n.ProcessData()
		s.metrics.NodeProcessed(n.Name())

		if n.DataCount() > 0 {
			needToRun = true
		}
	}

	for i := range toRun {
		toRun[i] = nil
	}
	s.toRun = toRun[:0]
	return needToRun
}

func (s *Scheduler) setRunning(v bool) {
	s.runMu.Lock()
	s.running = v
	s.runMu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
