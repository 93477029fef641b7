// ============================================================================
// StreamSched Processing Node - Unit of Work in the Pipeline Graph
// ============================================================================
//
// Package: internal/node
// File: node.go
// Purpose: The node contract driven by the scheduler, plus Base, the shared
//          state every concrete node embeds (state, FIFO queue, rear edge,
//          scheduler wake callback, counters)
//
// Graph shape:
//   Each node has at most one rear (downstream) node. A linear chain per
//   stream; fan-out needs a node that forwards to several receivers itself.
//
//   ┌────────────┐ SendDataToRearNode ┌────────────┐ SendDataToRearNode ┌──────┐
//   │ TextSource │ ─────────────────> │ RTPEncoder │ ─────────────────> │ sink │
//   └────────────┘  OnDataFromFront   └────────────┘  OnDataFromFront   └──────┘
//                   (enqueue + wake)
//
// Capabilities:
//   The scheduler branches on declared capability, never on concrete type:
//   - CapSource:       produces data with no upstream input; processed every pass
//   - CapRunTime:      runs on its own thread; skipped by the shared loop
//   - CapRunTimeStart: started by its owner; not started by the scheduler
//
// Ownership:
//   Nodes belong to whoever assembled the pipeline. The scheduler only holds a
//   registration reference.
//
// ============================================================================

package node

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/streamsched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidParam 表示節點配置缺失或不一致
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrInvalidState 表示操作在錯誤的生命週期狀態下執行
	ErrInvalidState = errors.New("invalid state")
)

// ============================================================================
// 狀態與能力
// ============================================================================

// State is the scheduled lifecycle state of a node.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Capability is a set of flags a node declares to the scheduler.
type Capability uint8

const (
	CapSource Capability = 1 << iota
	CapSink
	CapRunTime
	CapRunTimeStart
)

// Has reports whether every flag in f is set.
func (c Capability) Has(f Capability) bool {
	return c&f == f
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapSource) {
		parts = append(parts, "source")
	}
	if c.Has(CapSink) {
		parts = append(parts, "sink")
	}
	if c.Has(CapRunTime) {
		parts = append(parts, "runtime")
	}
	if c.Has(CapRunTimeStart) {
		parts = append(parts, "runtime-start")
	}
	if len(parts) == 0 {
		return "filter"
	}
	return strings.Join(parts, "|")
}

// ============================================================================
// 介面定義
// ============================================================================

// Waker is the scheduler callback a node uses to signal new work.
type Waker interface {
	Awake()
}

// Receiver accepts units from a front node.
type Receiver interface {
	OnDataFromFrontNode(u types.Unit)
}

// Node is the contract every concrete pipeline node implements.
type Node interface {
	Receiver

	Name() string
	Kind() types.NodeKind
	Capabilities() Capability
	State() State

	// Start moves the node to StateRunning. It returns ErrInvalidParam when
	// required configuration is missing.
	Start() error
	// ProcessStart is the start path used by the scheduler thread.
	ProcessStart() error
	// Stop moves the node to StateStopped and clears its queue.
	Stop()
	// ProcessData consumes queued units within a bounded amount of work.
	ProcessData()

	DataCount() int
	SetConfig(cfg any) error
	IsSameConfig(cfg any) bool
	SetWaker(w Waker)
	Stats() types.NodeStats
}

// ============================================================================
// Base
// ============================================================================

// Base carries the state shared by all nodes. Concrete nodes embed *Base and
// implement Start, ProcessStart, Stop, ProcessData, SetConfig and IsSameConfig.
type Base struct {
	name string
	kind types.NodeKind
	caps Capability
	log  *slog.Logger

	mu    sync.Mutex // 保護 rear 與 waker
	rear  Receiver
	waker Waker

	state atomic.Int32
	queue Queue

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// NewBase creates a stopped Base. If log is nil, slog.Default() is used.
func NewBase(name string, kind types.NodeKind, caps Capability, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	return &Base{
		name: name,
		kind: kind,
		caps: caps,
		log:  log.With("component", "node", "node", name),
	}
}

func (b *Base) Name() string                { return b.name }
func (b *Base) Kind() types.NodeKind        { return b.kind }
func (b *Base) Capabilities() Capability    { return b.caps }
func (b *Base) Logger() *slog.Logger        { return b.log }
func (b *Base) State() State                { return State(b.state.Load()) }
func (b *Base) SetState(s State)            { b.state.Store(int32(s)) }
func (b *Base) IsRunning() bool             { return b.State() == StateRunning }
func (b *Base) DataCount() int              { return b.queue.Count() }
func (b *Base) GetData() (types.Unit, bool) { return b.queue.Get() }
func (b *Base) DeleteData()                 { b.queue.Delete() }

// SetWaker installs the scheduler callback used when units arrive.
func (b *Base) SetWaker(w Waker) {
	b.mu.Lock()
	b.waker = w
	b.mu.Unlock()
}

// ConnectRearNode sets the single downstream receiver. nil disconnects.
func (b *Base) ConnectRearNode(r Receiver) {
	b.mu.Lock()
	b.rear = r
	b.mu.Unlock()
}

// RearNode returns the downstream receiver, or nil.
func (b *Base) RearNode() Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rear
}

// AddData enqueues u on this node's own queue.
func (b *Base) AddData(u types.Unit) {
	b.queue.Add(u)
	b.received.Add(1)
}

// OnDataFromFrontNode enqueues u and wakes the scheduler.
func (b *Base) OnDataFromFrontNode(u types.Unit) {
	b.AddData(u)
	b.wake()
}

// SendDataToRearNode hands u to the rear node. It returns false when no rear
// node is connected.
func (b *Base) SendDataToRearNode(u types.Unit) bool {
	rear := b.RearNode()
	if rear == nil {
		return false
	}
	rear.OnDataFromFrontNode(u)
	b.sent.Add(1)
	return true
}

// ClearDataQueue drops every pending unit.
func (b *Base) ClearDataQueue() {
	if n := b.queue.Clear(); n > 0 {
		b.log.Debug("queue cleared", "dropped", n)
	}
}

// Drop records a unit discarded by local error handling.
func (b *Base) Drop(u types.Unit, reason string) {
	b.dropped.Add(1)
	b.log.Warn("unit dropped",
		"reason", reason,
		"subtype", u.SubType,
		"size", u.Size())
}

// Stats returns the node's counters.
func (b *Base) Stats() types.NodeStats {
	return types.NodeStats{
		Name:     b.name,
		Kind:     b.kind,
		State:    b.State().String(),
		Queued:   b.DataCount(),
		Received: b.received.Load(),
		Sent:     b.sent.Load(),
		Dropped:  b.dropped.Load(),
		RunTime:  b.caps.Has(CapRunTime),
		IsSource: b.caps.Has(CapSource),
	}
}

func (b *Base) wake() {
	b.mu.Lock()
	w := b.waker
	b.mu.Unlock()

	if w != nil {
		w.Awake()
	}
}
