// ============================================================================
// StreamSched Worker Thread - Named Background Execution
// ============================================================================
//
// Package: internal/worker
// File: thread.go
// Purpose: Run one function on a named, priority-settable background thread
//          with a cooperative stop flag
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Thread goroutine (locked OS thread) │
//   │  ┌───────────────────────────────┐   │
//   │  │ request priority (optional)   │   │
//   │  │ pprof labels {thread: name}   │   │
//   │  │ run()                         │   │
//   │  │   └─ polls IsStopped()        │   │
//   │  └───────────────────────────────┘   │
//   │  close(done)                         │
//   └──────────────────────────────────────┘
//
// Lifecycle:
//   1. NewThread(name) - names longer than 15 bytes are truncated
//   2. Start(run)      - clears the stop flag and spawns the goroutine
//   3. Stop()          - sets the stop flag and returns immediately
//   4. Done()          - closed once run returns
//
// Stop is cooperative: the thread is never preempted. run must poll
// IsStopped() and return on its own.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrThreadAlive 表示前一次執行尚未返回，無法再次啟動
	ErrThreadAlive = errors.New("worker thread still running")
)

const (
	// MaxNameLen is the longest thread name kept, matching the kernel's
	// 16-byte comm field minus the terminator.
	MaxNameLen = 15

	// PriorityRealtime is the SCHED_FIFO priority requested for
	// time-critical media threads.
	PriorityRealtime = 2
)

// PriorityService grants scheduling priority to a native thread.
type PriorityService interface {
	RequestPriority(pid, tid, priority int) error
}

type logPriorityService struct {
	log *slog.Logger
}

func (s logPriorityService) RequestPriority(pid, tid, priority int) error {
	s.log.Info("thread priority requested", "pid", pid, "tid", tid, "priority", priority)
	return nil
}

// SetThreadPriority asks svc to raise the priority of thread tid in process
// pid. A nil svc only logs the request.
func SetThreadPriority(svc PriorityService, pid, tid, priority int) {
	if svc == nil {
		svc = logPriorityService{log: slog.Default().With("component", "worker")}
	}
	if err := svc.RequestPriority(pid, tid, priority); err != nil {
		slog.Default().Warn("thread priority request failed",
			"tid", tid,
			"priority", priority,
			"error", err)
	}
}

// Thread runs one function at a time on a dedicated goroutine.
type Thread struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex    // 保護以下欄位
	stopped  bool          // 協作式停止旗標
	done     chan struct{} // 目前執行返回時關閉
	priority int           // 0 表示不請求優先權
	prioSvc  PriorityService
}

// NewThread creates a stopped Thread. If log is nil, slog.Default() is used.
func NewThread(name string, log *slog.Logger) *Thread {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	if log == nil {
		log = slog.Default()
	}
	return &Thread{
		name:    name,
		log:     log.With("component", "worker", "thread", name),
		stopped: true,
	}
}

// Name returns the (possibly truncated) thread name.
func (t *Thread) Name() string {
	return t.name
}

// SetPriority makes every subsequent Start request priority from svc.
// priority 0 disables the request.
func (t *Thread) SetPriority(svc PriorityService, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prioSvc = svc
	t.priority = priority
}

// Start clears the stop flag and runs fn on a new goroutine locked to its OS
// thread. It returns ErrThreadAlive if a previous fn has not returned yet.
func (t *Thread) Start(fn func()) error {
	t.mu.Lock()
	if t.aliveLocked() {
		t.mu.Unlock()
		return ErrThreadAlive
	}
	t.stopped = false
	done := make(chan struct{})
	t.done = done
	svc, prio := t.prioSvc, t.priority
	t.mu.Unlock()

	t.log.Debug("thread starting")

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)

		if prio > 0 {
			SetThreadPriority(svc, os.Getpid(), gettid(), prio)
		}

		pprof.Do(context.Background(), pprof.Labels("thread", t.name), func(context.Context) {
			fn()
		})
	}()

	return nil
}

// Stop sets the stop flag. It does not wait for fn to return.
func (t *Thread) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// IsStopped reports whether the stop flag is set.
func (t *Thread) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Alive reports whether fn is still executing.
func (t *Thread) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliveLocked()
}

// Done returns a channel closed when the current fn returns. Before the first
// Start it returns a closed channel.
func (t *Thread) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return t.done
}

func (t *Thread) aliveLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}
