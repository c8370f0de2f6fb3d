package app

import (
	"sync/atomic"

	"rtguard/kernel"
	"rtguard/monitor"
)

const (
	taskStackWords = 400
	testDuration   = 100
	loopDelay      = 10
)

var menuLines = []string{
	"Select Test:",
	"s Stack overflow",
	"w Print stack watermark",
	"n Normal operation",
	"d Task delete",
	"c Print CPU Usage",
	"m Failing memory allocation",
	"h Print Heap",
	"i Infinite loop detection",
}

// spin keeps busy loops from being optimized away.
var spin atomic.Int64

func (s *System) noLoad(ctx *kernel.Context) {
	ctx.UseStack(60)
	for {
		s.con.Printf("%s Loop", ctx.Name())
		ctx.Delay(loopDelay)
	}
}

func (s *System) load(cycles int) func(ctx *kernel.Context) {
	return func(ctx *kernel.Context) {
		ctx.UseStack(90)
		for {
			s.con.Printf("%s Loop", ctx.Name())
			for i := 0; i < cycles; i++ {
				spin.Store(int64(i))
			}
			ctx.Delay(loopDelay)
		}
	}
}

// stackOverflow claims one word more than the stack has left.
func (s *System) stackOverflow(ctx *kernel.Context) {
	ctx.Delay(20)
	ctx.UseStack(ctx.StackHighWaterMark() + 1)
	for {
		ctx.Delay(20)
	}
}

func (s *System) mallocFail(ctx *kernel.Context) {
	_ = ctx.Alloc(10_000_000)
}

func (s *System) infiniteLoop(ctx *kernel.Context) {
	ctx.Delay(25)
	for !ctx.Stopped() {
		spin.Add(1)
	}
}

// selectTest returns the configured test or reads one from the console.
func (s *System) selectTest(ctx *kernel.Context) byte {
	if s.cfg.Test != "" {
		return s.cfg.Test[0]
	}
	var (
		b   byte
		err error
	)
	ctx.Block(func() { b, err = s.con.ReadByte() })
	if err != nil {
		s.con.Printf("INFO: No test selected (%v), running normal operation", err)
		return 'n'
	}
	return b
}

func (s *System) create(name string, prio int, stackWords uint32, fn func(ctx *kernel.Context)) monitor.TaskHandle {
	h, err := s.k.Create(name, prio, stackWords, fn)
	if err != nil {
		s.con.Printf("ERROR: %v", err)
	}
	return h
}

// menu is the test driver task.
func (s *System) menu(ctx *kernel.Context) {
	s.con.Locked(func(p *monitor.Printer) {
		for _, l := range menuLines {
			p.Printf("%s", l)
		}
	})
	c := s.selectTest(ctx)

	s.create("NoLoad1", 1, taskStackWords, s.noLoad)
	s.create("NoLoad2", 1, taskStackWords, s.noLoad)
	s.create("Load1", 1, taskStackWords, s.load(10))
	s.create("Load2", 1, taskStackWords, s.load(10000))

	// Measure steady state, not task creation.
	s.m.StartMeasurement()

	var task1 monitor.TaskHandle
	switch c {
	case 's':
		s.create("StackOverflow", 2, taskStackWords, s.stackOverflow)
	case 'd':
		task1 = s.create("*Test Task", 1, taskStackWords, s.noLoad)
	case 'c':
		s.m.StartMeasurement()
	case 'm':
		s.create("MallocTask", 1, taskStackWords, s.mallocFail)
	case 'i':
		s.create("Infinite", 1, taskStackWords, s.infiniteLoop)
	}

	ctx.Delay(testDuration)

	switch c {
	case 'w':
		s.m.PrintStackWatermarks()
	case 'd':
		s.m.PrintStackWatermarks()
		s.con.Printf("DELETE TASK")
		if err := s.k.Delete(task1); err != nil {
			s.con.Printf("ERROR: %v", err)
		}
		ctx.Delay(40)
		s.m.PrintStackWatermarks()
	case 'c':
		s.m.PrintCPUUsage()
	case 'h':
		s.con.Printf("BEFORE NEW TASK CREATED")
		s.m.PrintHeap()
		s.create("*Test Task", 1, 200, s.noLoad)
		s.con.Printf("AFTER NEW TASK CREATED")
		s.m.PrintHeap()
	}
	s.con.Printf("Test Done!")

	// Stop everything after the test. The menu parks for good on its next
	// switch instead of exiting, so it stays registered.
	s.k.SuspendAll()
	ctx.Yield()
}
