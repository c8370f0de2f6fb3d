// Package kernel is a small preemptive-priority scheduler simulation that
// drives the monitor hooks the way an RTOS kernel would.
//
// Tasks are goroutines. Exactly one of them holds the CPU at a time; the
// dispatcher hands the CPU to the highest priority ready task and round-robins
// between equal priorities. Switches happen when the running task calls into
// its Context (Delay, Yield, Block) or returns.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"rtguard/hal"
	"rtguard/monitor"
)

const (
	// tcbBytes is the heap cost of a task control block.
	tcbBytes = 96
	// frameWords is the stack a task uses before its function runs.
	frameWords = 18

	minStackWords         = frameWords + 8
	defaultIdleStackWords = 128
	wordBytes             = 4
)

var (
	// ErrNoMemory is returned when the heap cannot satisfy an allocation.
	ErrNoMemory = errors.New("kernel: out of memory")
	// ErrInvalidTask is returned by Create for a nil function, a negative
	// priority or a stack below the minimum.
	ErrInvalidTask = errors.New("kernel: invalid task")
	// ErrNoTask is returned for a handle that names no live task.
	ErrNoTask = errors.New("kernel: no such task")
	// ErrStarted is returned by a second call to Start.
	ErrStarted = errors.New("kernel: already started")
)

// Hooks is the set of kernel event callbacks. *monitor.Monitor implements it.
type Hooks interface {
	OnTaskCreated(h monitor.TaskHandle, name string)
	OnTaskDeleted(h monitor.TaskHandle)
	OnIdle(tick uint32)
	OnTick(tick uint32)
	OnStackOverflow(h monitor.TaskHandle, name string)
	OnAllocFailed(h monitor.TaskHandle)
	OnAlloc(size uint32)
	OnFree(size uint32)
}

type nopHooks struct{}

func (nopHooks) OnTaskCreated(monitor.TaskHandle, string)   {}
func (nopHooks) OnTaskDeleted(monitor.TaskHandle)           {}
func (nopHooks) OnIdle(uint32)                              {}
func (nopHooks) OnTick(uint32)                              {}
func (nopHooks) OnStackOverflow(monitor.TaskHandle, string) {}
func (nopHooks) OnAllocFailed(monitor.TaskHandle)           {}
func (nopHooks) OnAlloc(uint32)                             {}
func (nopHooks) OnFree(uint32)                              {}

// TaskState is the scheduling state of a task.
type TaskState uint8

const (
	StateReady TaskState = iota + 1
	StateRunning
	StateDelayed
	StateBlocked
	StateDeleted
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDelayed:
		return "delayed"
	case StateBlocked:
		return "blocked"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Options configures a Kernel.
type Options struct {
	// HeapSize is the simulated heap that task control blocks, stacks and
	// Context.Alloc draw from.
	HeapSize int64
	// IdleStackWords sizes the idle task stack.
	IdleStackWords uint32
}

type tcb struct {
	handle     monitor.TaskHandle
	name       string
	prio       int
	stackWords uint32
	minFree    uint32
	size       uint32

	state   TaskState
	wakeAt  uint32
	runTime uint32

	run  chan struct{}
	dead chan struct{}
}

// Kernel is the scheduler. It implements monitor.Scheduler,
// monitor.RunTimeStats and monitor.StackInspector.
type Kernel struct {
	// crit is the critical section exported through EnterCritical. It is
	// never taken by the kernel itself.
	crit sync.Mutex

	counter hal.Counter
	hooks   Hooks
	opts    Options

	mu           sync.Mutex
	tasks        []*tcb
	byHandle     map[monitor.TaskHandle]*tcb
	nextHandle   monitor.TaskHandle
	current      *tcb
	dispatchedAt uint32
	last         int
	heapFree     int64
	started      bool

	tick      atomic.Uint32
	suspended atomic.Bool

	back chan struct{}
	wake chan struct{}
	done chan struct{}
}

// New creates a kernel timed by counter. counter may be nil, in which case
// run-time counters stay at zero.
func New(counter hal.Counter, opts Options) *Kernel {
	if opts.IdleStackWords == 0 {
		opts.IdleStackWords = defaultIdleStackWords
	}
	return &Kernel{
		counter:    counter,
		hooks:      nopHooks{},
		opts:       opts,
		byHandle:   make(map[monitor.TaskHandle]*tcb),
		nextHandle: 1,
		last:       -1,
		heapFree:   opts.HeapSize,
		back:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Attach installs the event hooks. Call it before the first Create.
func (k *Kernel) Attach(h Hooks) {
	if h == nil {
		h = nopHooks{}
	}
	k.hooks = h
}

func (k *Kernel) counterValue() uint32 {
	if k.counter == nil {
		return 0
	}
	return k.counter.Value()
}

func (k *Kernel) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// currentHandle returns the running task, or 0 before the scheduler starts.
func (k *Kernel) currentHandle() monitor.TaskHandle {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return 0
	}
	return k.current.handle
}

// Create allocates a task and makes it ready. The task control block and the
// stack are charged to the heap; if they do not fit the allocation failure
// hook runs and ErrNoMemory is returned.
func (k *Kernel) Create(name string, prio int, stackWords uint32, fn func(ctx *Context)) (monitor.TaskHandle, error) {
	if fn == nil || prio < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTask, name)
	}
	if stackWords < minStackWords {
		return 0, fmt.Errorf("%w: %q stack of %d words is below %d", ErrInvalidTask, name, stackWords, minStackWords)
	}
	size := tcbBytes + stackWords*wordBytes

	k.mu.Lock()
	if k.heapFree < int64(size) {
		k.mu.Unlock()
		k.hooks.OnAllocFailed(k.currentHandle())
		return 0, fmt.Errorf("%w: creating %q", ErrNoMemory, name)
	}
	k.heapFree -= int64(size)
	h := k.nextHandle
	k.nextHandle++
	k.mu.Unlock()

	k.hooks.OnAlloc(size)

	t := &tcb{
		handle:     h,
		name:       name,
		prio:       prio,
		stackWords: stackWords,
		minFree:    stackWords - frameWords,
		size:       size,
		state:      StateReady,
		run:        make(chan struct{}),
		dead:       make(chan struct{}),
	}
	k.hooks.OnTaskCreated(h, name)

	k.mu.Lock()
	k.tasks = append(k.tasks, t)
	k.byHandle[h] = t
	k.mu.Unlock()

	go k.taskMain(t, fn)
	k.signal()
	return h, nil
}

func (k *Kernel) taskMain(t *tcb, fn func(ctx *Context)) {
	k.await(t)
	fn(&Context{k: k, t: t})
	k.exit(t)
}

// await parks the calling task goroutine until it is dispatched. It does not
// return for a deleted task or once the kernel has stopped.
func (k *Kernel) await(t *tcb) {
	select {
	case <-t.run:
	case <-t.dead:
		runtime.Goexit()
	case <-k.done:
		runtime.Goexit()
	}
}

// switchOut hands the CPU back to the dispatcher, leaving t in state, and
// waits to be dispatched again.
func (k *Kernel) switchOut(t *tcb, state TaskState) {
	k.mu.Lock()
	t.state = state
	k.mu.Unlock()
	k.handBack()
	k.await(t)
}

// handBack returns the CPU to the dispatcher.
func (k *Kernel) handBack() {
	select {
	case k.back <- struct{}{}:
	case <-k.done:
		runtime.Goexit()
	}
}

// exit deletes the running task t.
func (k *Kernel) exit(t *tcb) {
	k.mu.Lock()
	k.removeLocked(t)
	k.mu.Unlock()

	k.hooks.OnTaskDeleted(t.handle)
	k.freeHeap(t.size)
	k.handBack()
}

func (k *Kernel) removeLocked(t *tcb) {
	t.state = StateDeleted
	delete(k.byHandle, t.handle)
	for i, o := range k.tasks {
		if o == t {
			k.tasks = append(k.tasks[:i], k.tasks[i+1:]...)
			if k.last >= i {
				k.last--
			}
			break
		}
	}
}

func (k *Kernel) freeHeap(size uint32) {
	k.mu.Lock()
	k.heapFree += int64(size)
	k.mu.Unlock()
	k.hooks.OnFree(size)
}

// Delete removes a task. It must be called from a task. Deleting the calling
// task does not return.
func (k *Kernel) Delete(h monitor.TaskHandle) error {
	k.mu.Lock()
	t, ok := k.byHandle[h]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoTask, h)
	}
	if t == k.current {
		k.mu.Unlock()
		k.exit(t)
		runtime.Goexit()
	}
	k.removeLocked(t)
	k.mu.Unlock()

	close(t.dead)
	k.hooks.OnTaskDeleted(h)
	k.freeHeap(t.size)
	return nil
}

// Start creates the idle task and runs the dispatcher. It returns nil once the
// scheduler has been suspended and the running task switches out, or the
// context error when ctx ends.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return ErrStarted
	}
	k.started = true
	k.mu.Unlock()
	defer close(k.done)

	if _, err := k.Create("IDLE", 0, k.opts.IdleStackWords, k.idle); err != nil {
		return fmt.Errorf("kernel: create idle task: %w", err)
	}

	for {
		if k.suspended.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t := k.dispatch()
		select {
		case t.run <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-k.back:
		case <-ctx.Done():
			return ctx.Err()
		}
		k.charge(t)
	}
}

// dispatch picks the next task and marks it running. The idle task is always
// ready, so there is always a pick.
func (k *Kernel) dispatch() *tcb {
	k.mu.Lock()
	defer k.mu.Unlock()

	best := -1
	n := len(k.tasks)
	for off := 1; off <= n; off++ {
		i := (k.last + off) % n
		t := k.tasks[i]
		if t.state != StateReady {
			continue
		}
		if best < 0 || t.prio > k.tasks[best].prio {
			best = i
		}
	}
	t := k.tasks[best]
	k.last = best
	t.state = StateRunning
	k.current = t
	k.dispatchedAt = k.counterValue()
	return t
}

// charge accounts the slice t just ran.
func (k *Kernel) charge(t *tcb) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t.runTime += k.counterValue() - k.dispatchedAt
	k.current = nil
}

// readyOthersLocked reports whether a task other than t is ready.
func (k *Kernel) readyOthersLocked(t *tcb) bool {
	for _, o := range k.tasks {
		if o != t && o.state == StateReady {
			return true
		}
	}
	return false
}

func (k *Kernel) idle(ctx *Context) {
	for {
		k.hooks.OnIdle(k.TickCount())

		k.mu.Lock()
		busy := k.readyOthersLocked(ctx.t)
		k.mu.Unlock()
		if !busy && !k.suspended.Load() {
			select {
			case <-k.wake:
			case <-k.done:
				runtime.Goexit()
			}
		}
		ctx.Yield()
	}
}

// TickTo advances the tick count to seq, one tick at a time. Each tick runs
// the tick hook and wakes delayed tasks whose time has come. It is the tick
// interrupt: call it from a single goroutine. Ticks are dropped once the
// scheduler is suspended.
func (k *Kernel) TickTo(seq uint64) {
	target := uint32(seq)
	for !k.suspended.Load() {
		cur := k.tick.Load()
		if int32(target-cur) <= 0 {
			return
		}
		next := cur + 1
		k.tick.Store(next)
		k.hooks.OnTick(next)
		k.wakeDelayed(next)
		// The idle task reports on every tick it holds the CPU, not only
		// when some task becomes ready.
		k.signal()
	}
}

func (k *Kernel) wakeDelayed(tick uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, t := range k.tasks {
		if t.state == StateDelayed && int32(tick-t.wakeAt) >= 0 {
			t.state = StateReady
		}
	}
}

// TickCount returns the current tick.
func (k *Kernel) TickCount() uint32 { return k.tick.Load() }

func (k *Kernel) EnterCritical() { k.crit.Lock() }
func (k *Kernel) ExitCritical()  { k.crit.Unlock() }

// SuspendAll stops task switching for good. The running task keeps the CPU
// until it next switches out; then Start returns.
func (k *Kernel) SuspendAll() {
	k.suspended.Store(true)
	k.signal()
}

// Suspended reports whether SuspendAll was called.
func (k *Kernel) Suspended() bool { return k.suspended.Load() }

// Done is closed when Start returns.
func (k *Kernel) Done() <-chan struct{} { return k.done }

func (k *Kernel) TaskInfo(h monitor.TaskHandle) monitor.TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byHandle[h]
	if !ok {
		return monitor.TaskInfo{}
	}
	return monitor.TaskInfo{Name: t.name, Priority: t.prio}
}

// State returns the scheduling state of h.
func (k *Kernel) State(h monitor.TaskHandle) (TaskState, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byHandle[h]
	if !ok {
		return StateDeleted, false
	}
	return t.state, true
}

// Tasks returns the live task handles in creation order.
func (k *Kernel) Tasks() []monitor.TaskHandle {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]monitor.TaskHandle, 0, len(k.tasks))
	for _, t := range k.tasks {
		out = append(out, t.handle)
	}
	return out
}

// RunTimeCounter returns the counter cycles h has run since its counter was
// last cleared, including the slice in progress.
func (k *Kernel) RunTimeCounter(h monitor.TaskHandle) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byHandle[h]
	if !ok {
		return 0
	}
	rt := t.runTime
	if t == k.current {
		rt += k.counterValue() - k.dispatchedAt
	}
	return rt
}

func (k *Kernel) ClearRunTimeCounter(h monitor.TaskHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byHandle[h]
	if !ok {
		return
	}
	t.runTime = 0
	if t == k.current {
		k.dispatchedAt = k.counterValue()
	}
}

// StackHighWaterMark returns the minimum free stack of h ever observed, in
// words.
func (k *Kernel) StackHighWaterMark(h monitor.TaskHandle) uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byHandle[h]
	if !ok {
		return 0
	}
	return t.minFree
}

// FreeHeap returns the bytes left in the simulated heap.
func (k *Kernel) FreeHeap() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heapFree
}

var (
	_ monitor.Scheduler      = (*Kernel)(nil)
	_ monitor.RunTimeStats   = (*Kernel)(nil)
	_ monitor.StackInspector = (*Kernel)(nil)
	_ Hooks                  = (*monitor.Monitor)(nil)
)
