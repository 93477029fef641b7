// ============================================================================
// StreamSched Timer Facility - Self-terminating Timed Callbacks
// ============================================================================
//
// Package: internal/timer
// File: timer.go
// Purpose: Independent timed callbacks used to pace periodic media work
//          (packetization intervals, keepalive, redundancy, snapshots)
//
// How it works:
//   Each Start() allocates a slot in the Facility's arena and spawns one
//   goroutine for the timer. The goroutine loops:
//   1. Sleep one granularity tick
//   2. Check the termination flag
//   3. Compare elapsed milliseconds against the duration
//   4. On expiry, invoke the callback under the instance lock
//   5. Re-anchor (repeat) or exit
//   On exit the goroutine releases its slot, bumping the slot generation.
//
// Handles:
//   A Handle is (index, generation). Stop() validates the handle against the
//   arena under the registry lock before touching the instance, so a handle
//   whose timer already fired and released is reported as invalid instead of
//   reaching a recycled slot.
//
// Stop semantics:
//   Stop() returning true means the stop request was accepted. The callback
//   re-checks the termination flag under the instance lock, so once Stop()
//   returns the callback will not start. A stop issued in the same tick as the
//   expiry may lose the race and observe the callback having already run.
//
// Granularity:
//   duration <= 10ms        -> duration (at least 1ms)
//   10ms < duration < 100ms -> 10ms
//   100ms <= duration < 1s  -> duration / 10
//   duration >= 1s          -> 100ms
//
// ============================================================================

package timer

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Callback is invoked on expiry with the timer's handle and user data.
// A callback must not call Stop on its own handle: Stop waits for the
// instance lock that the running callback holds.
type Callback func(h Handle, userData any)

// Handle identifies one in-flight timer. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// Recorder receives timer lifecycle events.
type Recorder interface {
	TimerStarted()
	TimerFired()
	TimerStopped()
	TimerReleased()
}

type nopRecorder struct{}

func (nopRecorder) TimerStarted()  {}
func (nopRecorder) TimerFired()    {}
func (nopRecorder) TimerStopped()  {}
func (nopRecorder) TimerReleased() {}

// Config Facility 配置
type Config struct {
	Clock   *Clock       // 時間來源，nil 使用 SystemClock()
	Logger  *slog.Logger // 日誌，nil 使用 slog.Default()
	Metrics Recorder     // 指標記錄，可為 nil
}

type instance struct {
	mu        sync.Mutex // guards the callback critical section
	handle    Handle
	callback  Callback
	duration  uint32
	repeat    bool
	userData  any
	terminate atomic.Bool
	startMs   uint32
}

type slot struct {
	gen  uint32
	inst *instance
}

// Facility owns the live-timer registry.
type Facility struct {
	clock   *Clock
	log     *slog.Logger
	metrics Recorder

	mu    sync.Mutex // registry lock
	slots []slot
	free  []uint32
	live  int

	wg sync.WaitGroup
}

// New creates a Facility with an empty registry.
func New(cfg Config) *Facility {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &Facility{
		clock:   cfg.Clock,
		log:     cfg.Logger.With("component", "timer"),
		metrics: cfg.Metrics,
	}
}

// Clock returns the facility's time source.
func (f *Facility) Clock() *Clock {
	return f.clock
}

// Start schedules cb to run after duration, and every duration thereafter if
// repeat is set. Durations are resolved to whole milliseconds; a negative
// duration expires on the first tick.
func (f *Facility) Start(duration time.Duration, repeat bool, cb Callback, userData any) Handle {
	inst := &instance{
		callback: cb,
		duration: durationMillis(duration),
		repeat:   repeat,
		userData: userData,
	}
	inst.startMs = f.clock.Milliseconds()

	f.mu.Lock()
	inst.handle = f.allocLocked(inst)
	f.live++
	f.mu.Unlock()

	f.log.Debug("timer started",
		"duration_ms", inst.duration,
		"repeat", repeat,
		"slot", inst.handle.index)
	f.metrics.TimerStarted()

	f.wg.Add(1)
	go f.run(inst)
	return inst.handle
}

// durationMillis 將 d 限制在 [0, MaxUint32] 毫秒
func durationMillis(d time.Duration) uint32 {
	ms := d / time.Millisecond
	switch {
	case ms <= 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ms)
}

// Stop requests termination of the timer behind h and returns its user data.
// ok is false when h does not name a live timer, including a timer that
// already fired and released itself.
func (f *Facility) Stop(h Handle) (userData any, ok bool) {
	inst := f.lookup(h)
	if inst == nil {
		f.log.Debug("stop on invalid timer handle", "slot", h.index, "gen", h.gen)
		return nil, false
	}

	inst.mu.Lock()
	inst.terminate.Store(true)
	userData = inst.userData
	inst.mu.Unlock()

	f.metrics.TimerStopped()
	return userData, true
}

// IsValid reports whether h names a live timer.
func (f *Facility) IsValid(h Handle) bool {
	return f.lookup(h) != nil
}

// Active returns the number of live timers.
func (f *Facility) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Wait blocks until every timer goroutine has exited.
func (f *Facility) Wait() {
	f.wg.Wait()
}

func (f *Facility) lookup(h Handle) *instance {
	if h.IsZero() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if int(h.index) >= len(f.slots) {
		return nil
	}
	s := f.slots[h.index]
	if s.gen != h.gen || s.inst == nil {
		return nil
	}
	return s.inst
}

func (f *Facility) allocLocked(inst *instance) Handle {
	var idx uint32
	if n := len(f.free); n > 0 {
		idx = f.free[n-1]
		f.free = f.free[:n-1]
	} else {
		idx = uint32(len(f.slots))
		f.slots = append(f.slots, slot{gen: 1})
	}
	f.slots[idx].inst = inst
	return Handle{index: idx, gen: f.slots[idx].gen}
}

func (f *Facility) release(inst *instance) {
	f.mu.Lock()
	s := &f.slots[inst.handle.index]
	if s.gen == inst.handle.gen {
		s.gen++
		if s.gen == 0 {
			s.gen = 1
		}
		s.inst = nil
		f.free = append(f.free, inst.handle.index)
		f.live--
	}
	f.mu.Unlock()

	f.metrics.TimerReleased()
}

func (f *Facility) run(inst *instance) {
	defer f.wg.Done()
	defer f.release(inst)

	tick := pollGranularity(inst.duration)

	for {
		if inst.terminate.Load() {
			return
		}

		f.clock.Sleep(tick)

		if inst.terminate.Load() {
			return
		}

		now := f.clock.Milliseconds()
		if now-inst.startMs < inst.duration {
			continue
		}

		if inst.repeat {
			inst.startMs = now
		}

		if !f.fire(inst) {
			return
		}

		if !inst.repeat {
			return
		}
	}
}

// fire runs the callback under the instance lock. It returns false if the
// timer was stopped before the lock was acquired.
func (f *Facility) fire(inst *instance) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.terminate.Load() {
		return false
	}

	if inst.callback != nil {
		inst.callback(inst.handle, inst.userData)
	}
	f.metrics.TimerFired()
	return true
}

// pollGranularity returns the sleep tick for a timer of durationMs.
func pollGranularity(durationMs uint32) time.Duration {
	var ms uint32
	switch {
	case durationMs <= 10:
		ms = durationMs
	case durationMs < 100:
		ms = 10
	case durationMs < 1000:
		ms = durationMs / 10
	default:
		ms = 100
	}
	if ms == 0 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}
