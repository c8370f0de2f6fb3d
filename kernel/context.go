package kernel

import (
	"fmt"
	"runtime"

	"rtguard/monitor"
)

// Context provides task-local access to kernel operations. It is only valid
// on the task's own goroutine.
type Context struct {
	k *Kernel
	t *tcb
}

// Handle returns the task handle.
func (c *Context) Handle() monitor.TaskHandle { return c.t.handle }

// Name returns the task name.
func (c *Context) Name() string { return c.t.name }

// Kernel returns the kernel running the task.
func (c *Context) Kernel() *Kernel { return c.k }

// Tick returns the current tick.
func (c *Context) Tick() uint32 { return c.k.TickCount() }

// Yield gives the CPU to another ready task of at least the same priority.
func (c *Context) Yield() {
	c.k.switchOut(c.t, StateReady)
}

// Delay blocks the task for ticks ticks. Delay(0) yields.
func (c *Context) Delay(ticks uint32) {
	if ticks == 0 {
		c.Yield()
		return
	}
	c.k.mu.Lock()
	c.t.wakeAt = c.k.TickCount() + ticks
	c.k.mu.Unlock()
	c.k.switchOut(c.t, StateDelayed)
}

// Block runs fn with the CPU released, the way a task waits on a peripheral.
// fn must not use the kernel.
func (c *Context) Block(fn func()) {
	k, t := c.k, c.t
	k.mu.Lock()
	t.state = StateBlocked
	k.mu.Unlock()
	k.handBack()

	fn()

	k.mu.Lock()
	if t.state == StateDeleted {
		k.mu.Unlock()
		runtime.Goexit()
	}
	t.state = StateReady
	k.mu.Unlock()
	k.signal()
	k.await(t)
}

// Stopped reports whether the scheduler has been suspended. A task spinning
// without switching out can poll it to end once the system halts.
func (c *Context) Stopped() bool { return c.k.Suspended() }

// Alloc takes size bytes from the heap. On failure the allocation failure
// hook runs and ErrNoMemory is returned.
func (c *Context) Alloc(size uint32) error {
	k := c.k
	k.mu.Lock()
	if k.heapFree < int64(size) {
		k.mu.Unlock()
		k.hooks.OnAllocFailed(c.t.handle)
		return fmt.Errorf("%w: %d bytes for %q", ErrNoMemory, size, c.t.name)
	}
	k.heapFree -= int64(size)
	k.mu.Unlock()
	k.hooks.OnAlloc(size)
	return nil
}

// Free returns size bytes to the heap.
func (c *Context) Free(size uint32) {
	c.k.freeHeap(size)
}

// UseStack records that the task currently uses words of stack beyond its
// initial frame. Exceeding the stack runs the stack overflow hook.
func (c *Context) UseStack(words uint32) {
	k, t := c.k, c.t
	k.mu.Lock()
	used := uint64(frameWords) + uint64(words)
	if used > uint64(t.stackWords) {
		k.mu.Unlock()
		k.hooks.OnStackOverflow(t.handle, t.name)
		return
	}
	if free := t.stackWords - uint32(used); free < t.minFree {
		t.minFree = free
	}
	k.mu.Unlock()
}

// StackHighWaterMark returns the task's minimum free stack so far, in words.
func (c *Context) StackHighWaterMark() uint32 {
	return c.k.StackHighWaterMark(c.t.handle)
}
