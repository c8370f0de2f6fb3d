package monitor

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSched is a scheduler whose gate is a plain mutex: any nested entry from
// the monitor deadlocks the test.
type fakeSched struct {
	gate sync.Mutex

	mu        sync.Mutex
	tick      uint32
	infos     map[TaskHandle]TaskInfo
	runTime   map[TaskHandle]uint32
	stacks    map[TaskHandle]uint32
	cleared   []TaskHandle
	suspended atomic.Bool
}

func newFakeSched() *fakeSched {
	return &fakeSched{
		infos:   make(map[TaskHandle]TaskInfo),
		runTime: make(map[TaskHandle]uint32),
		stacks:  make(map[TaskHandle]uint32),
	}
}

func (s *fakeSched) EnterCritical() { s.gate.Lock() }
func (s *fakeSched) ExitCritical()  { s.gate.Unlock() }
func (s *fakeSched) SuspendAll()    { s.suspended.Store(true) }

func (s *fakeSched) TickCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *fakeSched) TaskInfo(h TaskHandle) TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infos[h]
}

func (s *fakeSched) RunTimeCounter(h TaskHandle) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runTime[h]
}

func (s *fakeSched) ClearRunTimeCounter(h TaskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runTime[h] = 0
	s.cleared = append(s.cleared, h)
}

func (s *fakeSched) StackHighWaterMark(h TaskHandle) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stacks[h]
}

func (s *fakeSched) setTask(h TaskHandle, name string, prio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[h] = TaskInfo{Name: name, Priority: prio}
}

func (s *fakeSched) setRunTime(h TaskHandle, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runTime[h] = v
}

func (s *fakeSched) setTick(v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = v
}

// basicSched has neither run-time statistics nor stack inspection.
type basicSched struct {
	gate      sync.Mutex
	suspended atomic.Bool
}

func (s *basicSched) EnterCritical()               { s.gate.Lock() }
func (s *basicSched) ExitCritical()                { s.gate.Unlock() }
func (s *basicSched) SuspendAll()                  { s.suspended.Store(true) }
func (s *basicSched) TickCount() uint32            { return 0 }
func (s *basicSched) TaskInfo(TaskHandle) TaskInfo { return TaskInfo{} }

type fakeCounter struct {
	mu      sync.Mutex
	value   uint32
	running bool
	events  []string
}

func newFakeCounter(v uint32) *fakeCounter {
	return &fakeCounter{value: v, running: true}
}

func (c *fakeCounter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.events = append(c.events, "stop")
}

func (c *fakeCounter) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.events = append(c.events, "start")
}

func (c *fakeCounter) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *fakeCounter) set(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *captureLogger) WriteLineBytes(b []byte) {
	l.WriteLineString(string(b))
}

func (l *captureLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *captureLogger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = nil
}

func (l *captureLogger) contains(sub string) bool {
	for _, line := range l.snapshot() {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

// goexitHalter ends the halted goroutine so tests can observe that the fatal
// path does not return.
type goexitHalter struct{}

func (goexitHalter) Halt() { runtime.Goexit() }

type fatalRecorder struct {
	mu      sync.Mutex
	reasons []Reason
	// suspended records whether the scheduler was already suspended when the
	// handler ran.
	suspended []bool
	sched     interface{ isSuspended() bool }
}

func (r *fatalRecorder) HandleFatal(reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	if r.sched != nil {
		r.suspended = append(r.suspended, r.sched.isSuspended())
	}
}

func (r *fatalRecorder) calls() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.reasons...)
}

func (s *fakeSched) isSuspended() bool { return s.suspended.Load() }

type harness struct {
	sched   *fakeSched
	counter *fakeCounter
	log     *captureLogger
	fatal   *fatalRecorder
	m       *Monitor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sched:   newFakeSched(),
		counter: newFakeCounter(0),
		log:     &captureLogger{},
	}
	h.fatal = &fatalRecorder{sched: h.sched}
	if cfg.FatalHandler == nil {
		cfg.FatalHandler = h.fatal
	}
	cfg.Halter = goexitHalter{}

	m, err := New(h.sched, h.counter, NewConsole(h.log, nil), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// register adds a task to both the fake scheduler and the monitor.
func (h *harness) register(handle TaskHandle, name string, prio int) {
	h.sched.setTask(handle, name, prio)
	h.m.OnTaskCreated(handle, name)
}

// expectHalt runs fn on its own goroutine and fails unless fn halts instead of
// returning.
func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	returned := false
	go func() {
		defer close(done)
		fn()
		returned = true
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fatal path")
	}
	if returned {
		t.Fatal("fatal path returned to the caller")
	}
}

func names(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out
}
