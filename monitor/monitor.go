// Package monitor is the observability and fault-containment layer that runs
// beside a preemptive priority scheduler.
//
// A Monitor keeps an ordered registry of live tasks, measures per-task CPU load
// against a free-running hardware counter, accounts remaining heap from the
// allocator hooks, watches for starvation of the idle path and owns the single
// fatal escalation path. The scheduler drives it through the On* hooks; the
// application queries it on demand.
//
// Hooks that can run in interrupt context (OnTick, the fatal path) never take
// the scheduler gate and read shared state through atomics instead.
package monitor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"rtguard/hal"
)

// TaskHandle identifies a task. It is owned by the scheduler; zero is never a
// valid handle.
type TaskHandle uintptr

// TaskInfo is the scheduler's view of a task.
type TaskInfo struct {
	Name     string
	Priority int
}

// Gate is the scheduler's critical section. The monitor never nests it and
// never prints while holding it.
type Gate interface {
	EnterCritical()
	ExitCritical()
}

// Scheduler is the host scheduler as seen by the monitor.
type Scheduler interface {
	Gate
	// SuspendAll stops all task switching permanently.
	SuspendAll()
	// TickCount returns the current scheduler tick.
	TickCount() uint32
	TaskInfo(h TaskHandle) TaskInfo
}

// RunTimeStats is implemented by schedulers that keep per-task run-time
// counters in units of the hardware counter.
type RunTimeStats interface {
	RunTimeCounter(h TaskHandle) uint32
	ClearRunTimeCounter(h TaskHandle)
}

// StackInspector is implemented by schedulers that track the minimum free
// stack ever observed per task.
type StackInspector interface {
	// StackHighWaterMark returns the minimum free stack, in words.
	StackHighWaterMark(h TaskHandle) uint32
}

// FatalHandler runs once on the fatal path, after the scheduler has been
// suspended. It must not block and must not use any scheduler service.
type FatalHandler interface {
	HandleFatal(reason Reason)
}

// FatalHandlerFunc adapts a function to FatalHandler.
type FatalHandlerFunc func(reason Reason)

func (f FatalHandlerFunc) HandleFatal(reason Reason) { f(reason) }

// TickHandler is user code run from every tick, after the watchdog check.
type TickHandler interface {
	HandleTick(tick uint32)
}

// TickHandlerFunc adapts a function to TickHandler.
type TickHandlerFunc func(tick uint32)

func (f TickHandlerFunc) HandleTick(tick uint32) { f(tick) }

// Halter parks the caller forever once the fatal path has finished.
type Halter interface {
	Halt()
}

type blockForever struct{}

func (blockForever) Halt() { select {} }

// ErrInvalidConfig is returned by New when the configuration is unusable.
var ErrInvalidConfig = errors.New("monitor: invalid config")

// Config sizes and configures a Monitor.
type Config struct {
	// MaxTasks is the registry capacity. Registering more is fatal.
	MaxTasks int
	// MaxTicksWithoutIdle is the watchdog bound (0 disables the watchdog).
	MaxTicksWithoutIdle uint32
	// EpochTicks is the idle-path measurement restart interval (0 disables it).
	EpochTicks uint32
	// HeapSize seeds the remaining-heap counter, in bytes.
	HeapSize int64

	FatalHandler FatalHandler
	TickHandler  TickHandler
	// Halter defaults to blocking the calling goroutine forever.
	Halter Halter
}

// Validate reports whether cfg can build a Monitor.
func (cfg Config) Validate() error {
	if cfg.MaxTasks <= 0 {
		return fmt.Errorf("%w: max tasks must be positive, got %d", ErrInvalidConfig, cfg.MaxTasks)
	}
	if cfg.HeapSize < 0 {
		return fmt.Errorf("%w: negative heap size %d", ErrInvalidConfig, cfg.HeapSize)
	}
	return nil
}

// Monitor is the process-wide observability context. Create exactly one before
// the scheduler starts and inject it into the scheduler hooks; it is never torn
// down.
type Monitor struct {
	sched   Scheduler
	stats   RunTimeStats
	stacks  StackInspector
	counter hal.Counter
	con     *Console
	cfg     Config
	halter  Halter

	slots []slot
	count atomic.Int32

	epochStartCount atomic.Uint32
	epochStartTick  atomic.Uint32

	heap     atomic.Int64
	lastIdle atomic.Uint32

	// fatalReason is the one-shot fatal latch; zero until the first escalation.
	fatalReason atomic.Uint32
}

// New creates the monitor. counter may be nil, in which case CPU accounting
// degrades to an informational notice; so does a scheduler without
// RunTimeStats.
func New(sched Scheduler, counter hal.Counter, con *Console, cfg Config) (*Monitor, error) {
	if sched == nil {
		return nil, fmt.Errorf("%w: nil scheduler", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if con == nil {
		con = NewConsole(nil, nil)
	}

	m := &Monitor{
		sched:   sched,
		counter: counter,
		con:     con,
		cfg:     cfg,
		halter:  cfg.Halter,
		slots:   make([]slot, cfg.MaxTasks),
	}
	if m.halter == nil {
		m.halter = blockForever{}
	}
	if s, ok := sched.(RunTimeStats); ok && counter != nil {
		m.stats = s
	}
	if s, ok := sched.(StackInspector); ok {
		m.stacks = s
	}
	m.heap.Store(cfg.HeapSize)
	return m, nil
}

// Console returns the console the monitor prints to.
func (m *Monitor) Console() *Console { return m.con }

// Capacity returns the registry capacity.
func (m *Monitor) Capacity() int { return len(m.slots) }
