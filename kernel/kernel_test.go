package kernel

import (
	"context"
	"errors"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"rtguard/monitor"
)

type stepCounter struct {
	mu sync.Mutex
	v  uint32
}

func (c *stepCounter) Stop()  {}
func (c *stepCounter) Start() {}

func (c *stepCounter) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *stepCounter) add(d uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v += d
}

type hookRecorder struct {
	nopHooks

	mu          sync.Mutex
	created     []monitor.TaskHandle
	deleted     []monitor.TaskHandle
	allocs      []uint32
	frees       []uint32
	allocFailed []monitor.TaskHandle
	overflows   []string
	idles       int
}

func (r *hookRecorder) OnTaskCreated(h monitor.TaskHandle, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, h)
}

func (r *hookRecorder) OnTaskDeleted(h monitor.TaskHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, h)
}

func (r *hookRecorder) OnAlloc(size uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocs = append(r.allocs, size)
}

func (r *hookRecorder) OnFree(size uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frees = append(r.frees, size)
}

func (r *hookRecorder) OnAllocFailed(h monitor.TaskHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocFailed = append(r.allocFailed, h)
}

func (r *hookRecorder) OnStackOverflow(_ monitor.TaskHandle, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflows = append(r.overflows, name)
}

func (r *hookRecorder) OnIdle(uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idles++
}

func (r *hookRecorder) idleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idles
}

func startKernel(t *testing.T, k *Kernel) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- k.Start(ctx) }()
	t.Cleanup(cancel)
	return errc, cancel
}

func waitStart(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to return")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func mustCreate(t *testing.T, k *Kernel, name string, prio int, fn func(ctx *Context)) monitor.TaskHandle {
	t.Helper()
	h, err := k.Create(name, prio, 200, fn)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return h
}

func TestPriorityThenRoundRobin(t *testing.T) {
	k := New(nil, Options{HeapSize: 1 << 20})

	var mu sync.Mutex
	var order []string
	body := func(ctx *Context) {
		for i := 0; i < 3; i++ {
			mu.Lock()
			order = append(order, ctx.Name())
			mu.Unlock()
			ctx.Yield()
		}
	}
	mustCreate(t, k, "A", 1, body)
	mustCreate(t, k, "B", 1, body)
	mustCreate(t, k, "C", 2, body)

	_, cancel := startKernel(t, k)
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 9
	})
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"C", "C", "C", "A", "B", "A", "B", "A", "B"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestDelayWakesOnTick(t *testing.T) {
	k := New(nil, Options{HeapSize: 1 << 20})

	ran := make(chan uint32, 2)
	mustCreate(t, k, "A", 1, func(ctx *Context) {
		ran <- ctx.Tick()
		ctx.Delay(5)
		ran <- ctx.Tick()
		ctx.Kernel().SuspendAll()
	})

	errc, _ := startKernel(t, k)
	if got := <-ran; got != 0 {
		t.Fatalf("first run at tick %d, want 0", got)
	}
	eventually(t, func() bool {
		st, _ := k.State(1)
		return st == StateDelayed
	})

	k.TickTo(4)
	select {
	case got := <-ran:
		t.Fatalf("woke at tick %d, before the delay expired", got)
	case <-time.After(20 * time.Millisecond):
	}

	k.TickTo(5)
	if got := <-ran; got != 5 {
		t.Fatalf("second run at tick %d, want 5", got)
	}
	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if got := k.TickCount(); got != 5 {
		t.Fatalf("TickCount() = %d, want 5", got)
	}
}

func TestTicksDroppedAfterSuspend(t *testing.T) {
	k := New(nil, Options{HeapSize: 1 << 20})
	k.TickTo(3)
	k.SuspendAll()
	k.TickTo(10)
	if got := k.TickCount(); got != 3 {
		t.Fatalf("TickCount() = %d, want 3", got)
	}
}

func TestRunTimeAccounting(t *testing.T) {
	c := &stepCounter{}
	k := New(c, Options{HeapSize: 1 << 20})

	var inflight, afterClear uint32
	h := mustCreate(t, k, "A", 1, func(ctx *Context) {
		c.add(100)
		inflight = k.RunTimeCounter(ctx.Handle())
		c.add(50)
		k.ClearRunTimeCounter(ctx.Handle())
		c.add(25)
		afterClear = k.RunTimeCounter(ctx.Handle())
		ctx.Yield()
		k.SuspendAll()
	})

	errc, _ := startKernel(t, k)
	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if inflight != 100 {
		t.Fatalf("in-flight run time = %d, want 100", inflight)
	}
	if afterClear != 25 {
		t.Fatalf("run time after clear = %d, want 25", afterClear)
	}
	if got := k.RunTimeCounter(h); got != 0 {
		t.Fatalf("RunTimeCounter(deleted) = %d, want 0", got)
	}
}

func TestStackWatermarkAndOverflow(t *testing.T) {
	rec := &hookRecorder{}
	k := New(nil, Options{HeapSize: 1 << 20})
	k.Attach(rec)

	var marks []uint32
	h, err := k.Create("Deep", 1, 100, func(ctx *Context) {
		marks = append(marks, ctx.StackHighWaterMark())
		ctx.UseStack(40)
		marks = append(marks, ctx.StackHighWaterMark())
		ctx.UseStack(10)
		marks = append(marks, ctx.StackHighWaterMark())
		ctx.UseStack(100 - frameWords + 1)
		ctx.Kernel().SuspendAll()
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := k.StackHighWaterMark(h); got != 100-frameWords {
		t.Fatalf("initial watermark = %d, want %d", got, 100-frameWords)
	}

	errc, _ := startKernel(t, k)
	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if want := []uint32{82, 42, 42}; !reflect.DeepEqual(marks, want) {
		t.Fatalf("watermarks = %v, want %v", marks, want)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := []string{"Deep"}; !reflect.DeepEqual(rec.overflows, want) {
		t.Fatalf("overflows = %v, want %v", rec.overflows, want)
	}
}

func TestCreateChargesHeap(t *testing.T) {
	rec := &hookRecorder{}
	k := New(nil, Options{HeapSize: 1000})
	k.Attach(rec)

	body := func(*Context) {}
	for i := 0; i < 2; i++ {
		if _, err := k.Create("T", 1, 100, body); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}
	if got := k.FreeHeap(); got != 1000-2*496 {
		t.Fatalf("FreeHeap() = %d, want %d", got, 1000-2*496)
	}
	if _, err := k.Create("T", 1, 100, body); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Create() err = %v, want %v", err, ErrNoMemory)
	}
	if _, err := k.Create("bad", 1, 4, body); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Create(tiny stack) err = %v, want %v", err, ErrInvalidTask)
	}
	if _, err := k.Create("bad", -1, 100, body); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Create(negative priority) err = %v, want %v", err, ErrInvalidTask)
	}

	rec.mu.Lock()
	if want := []uint32{496, 496}; !reflect.DeepEqual(rec.allocs, want) {
		t.Fatalf("allocs = %v, want %v", rec.allocs, want)
	}
	if want := []monitor.TaskHandle{1, 2}; !reflect.DeepEqual(rec.created, want) {
		t.Fatalf("created = %v, want %v", rec.created, want)
	}
	if want := []monitor.TaskHandle{0}; !reflect.DeepEqual(rec.allocFailed, want) {
		t.Fatalf("alloc failures = %v, want %v", rec.allocFailed, want)
	}
	rec.mu.Unlock()

	// No room for the idle task either; Start fails and releases the parked
	// task goroutines.
	if err := k.Start(context.Background()); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Start() err = %v, want %v", err, ErrNoMemory)
	}
	if err := k.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start() err = %v, want %v", err, ErrStarted)
	}
}

func TestAllocAndFree(t *testing.T) {
	rec := &hookRecorder{}
	k := New(nil, Options{HeapSize: 4096})
	k.Attach(rec)

	var errs []error
	h := mustCreate(t, k, "Alloc", 1, func(ctx *Context) {
		errs = append(errs, ctx.Alloc(1000))
		ctx.Free(1000)
		errs = append(errs, ctx.Alloc(1<<20))
		ctx.Kernel().SuspendAll()
	})

	errc, _ := startKernel(t, k)
	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if len(errs) != 2 || errs[0] != nil || !errors.Is(errs[1], ErrNoMemory) {
		t.Fatalf("Alloc errors = %v, want [nil, %v]", errs, ErrNoMemory)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := []monitor.TaskHandle{h}; !reflect.DeepEqual(rec.allocFailed, want) {
		t.Fatalf("alloc failures = %v, want %v", rec.allocFailed, want)
	}
}

func TestDeleteOtherTask(t *testing.T) {
	rec := &hookRecorder{}
	k := New(nil, Options{HeapSize: 1 << 20})
	k.Attach(rec)

	victim := mustCreate(t, k, "victim", 1, func(ctx *Context) {
		for {
			ctx.Delay(1)
		}
	})
	killer := mustCreate(t, k, "killer", 2, func(ctx *Context) {
		ctx.Delay(2)
		if err := ctx.Kernel().Delete(victim); err != nil {
			t.Errorf("Delete: %v", err)
		}
		if err := ctx.Kernel().Delete(victim); !errors.Is(err, ErrNoTask) {
			t.Errorf("second Delete err = %v, want %v", err, ErrNoTask)
		}
		ctx.Kernel().SuspendAll()
	})
	before := k.FreeHeap()

	errc, _ := startKernel(t, k)
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for seq := uint64(1); ; seq++ {
		select {
		case err = <-errc:
		default:
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for Start to return")
			}
			k.TickTo(seq)
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}
	if err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if _, ok := k.State(victim); ok {
		t.Fatal("victim still registered")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := []monitor.TaskHandle{victim, killer}; !reflect.DeepEqual(rec.deleted, want) {
		t.Fatalf("deleted = %v, want %v", rec.deleted, want)
	}
	// Both task blocks are back; only the idle task is still charged.
	if got, want := k.FreeHeap(), before+2*(tcbBytes+200*wordBytes)-int64(tcbBytes+defaultIdleStackWords*wordBytes); got != want {
		t.Fatalf("FreeHeap() = %d, want %d", got, want)
	}
}

func TestBlockReleasesCPU(t *testing.T) {
	rec := &hookRecorder{}
	k := New(nil, Options{HeapSize: 1 << 20})
	k.Attach(rec)

	release := make(chan struct{})
	h := mustCreate(t, k, "Reader", 1, func(ctx *Context) {
		ctx.Block(func() { <-release })
		ctx.Kernel().SuspendAll()
	})

	errc, _ := startKernel(t, k)
	eventually(t, func() bool {
		st, _ := k.State(h)
		return st == StateBlocked && rec.idleCount() > 0
	})
	close(release)
	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
}

func TestTaskStateString(t *testing.T) {
	if got := StateDelayed.String(); got != "delayed" {
		t.Fatalf("StateDelayed.String() = %q, want %q", got, "delayed")
	}
	if got := TaskState(0).String(); got != "unknown" {
		t.Fatalf("TaskState(0).String() = %q, want %q", got, "unknown")
	}
}

type lines struct {
	mu sync.Mutex
	l  []string
}

func (w *lines) WriteLineString(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.l = append(w.l, s)
}

func (w *lines) WriteLineBytes(b []byte) { w.WriteLineString(string(b)) }

func (w *lines) joined() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.l, "\n")
}

type goexitHalter struct{}

func (goexitHalter) Halt() { runtime.Goexit() }

func TestMonitorDetectsSpinningTask(t *testing.T) {
	c := &stepCounter{}
	out := &lines{}
	k := New(c, Options{HeapSize: 1 << 20})
	m, err := monitor.New(k, c, monitor.NewConsole(out, nil), monitor.Config{
		MaxTasks:            8,
		MaxTicksWithoutIdle: 50,
		HeapSize:            1 << 20,
		Halter:              goexitHalter{},
	})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	k.Attach(m)

	mustCreate(t, k, "Infinite", 1, func(ctx *Context) {
		for !ctx.Stopped() {
			c.add(1)
		}
	})
	if got := m.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	errc, _ := startKernel(t, k)
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		for seq := uint64(1); seq <= 200; seq++ {
			k.TickTo(seq)
		}
	}()
	<-tickDone

	if err := waitStart(t, errc); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	if r, ok := m.Fatal(); !ok || r != monitor.ReasonInfiniteLoop {
		t.Fatalf("Fatal() = %v, %v, want %v, true", r, ok, monitor.ReasonInfiniteLoop)
	}
	if got := k.TickCount(); got != 51 {
		t.Fatalf("TickCount() = %d, want 51", got)
	}
	if !strings.Contains(out.joined(), "hanging") {
		t.Fatalf("output = %q, want the hang report", out.joined())
	}
}

// newWatchedKernel returns a kernel guarded by a monitor with watchdog bound
// 50.
func newWatchedKernel(t *testing.T) (*Kernel, *monitor.Monitor, *lines) {
	t.Helper()
	c := &stepCounter{}
	out := &lines{}
	k := New(c, Options{HeapSize: 1 << 20})
	m, err := monitor.New(k, c, monitor.NewConsole(out, nil), monitor.Config{
		MaxTasks:            8,
		MaxTicksWithoutIdle: 50,
		HeapSize:            1 << 20,
		Halter:              goexitHalter{},
	})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	k.Attach(m)
	return k, m, out
}

// tickPastBound delivers ticks 1..n with a gap so the idle task gets the CPU
// between them.
func tickPastBound(k *Kernel, n uint64) {
	for seq := uint64(1); seq <= n; seq++ {
		k.TickTo(seq)
		time.Sleep(time.Millisecond)
	}
}

func TestIdleReportsWhileAllTasksSleep(t *testing.T) {
	k, m, out := newWatchedKernel(t)
	mustCreate(t, k, "Sleeper", 1, func(ctx *Context) {
		for {
			ctx.Delay(500)
		}
	})
	startKernel(t, k)

	tickPastBound(k, 120)

	if r, ok := m.Fatal(); ok {
		t.Fatalf("Fatal() = %v, true, want no trip; lastIdle=%d output %q", r, m.LastIdle(), out.joined())
	}
	eventually(t, func() bool { return m.LastIdle() >= 100 })
}

func TestIdleReportsWhileTaskBlocked(t *testing.T) {
	k, m, out := newWatchedKernel(t)
	input := make(chan struct{})
	t.Cleanup(func() { close(input) })
	reader := mustCreate(t, k, "Reader", 1, func(ctx *Context) {
		ctx.Block(func() { <-input })
		for {
			ctx.Delay(500)
		}
	})
	startKernel(t, k)

	tickPastBound(k, 120)

	if r, ok := m.Fatal(); ok {
		t.Fatalf("Fatal() = %v, true, want no trip; output %q", r, out.joined())
	}
	if st, _ := k.State(reader); st != StateBlocked {
		t.Fatalf("State(Reader) = %v, want %v", st, StateBlocked)
	}
}
