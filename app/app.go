// Package app is the demonstration system: a kernel, the monitor guarding it
// and a menu of tests exercising every monitor feature.
package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"rtguard/hal"
	"rtguard/internal/buildinfo"
	"rtguard/kernel"
	"rtguard/monitor"
)

var (
	// ErrFinished is returned by Step once the selected test has completed.
	ErrFinished = errors.New("app: test finished")
	// ErrFatal is returned by Step once the monitor has escalated.
	ErrFatal = errors.New("app: fatal error")
)

// System wires the HAL, kernel and monitor together.
type System struct {
	h     hal.HAL
	cfg   Config
	runID string

	con     *monitor.Console
	k       *kernel.Kernel
	m       *monitor.Monitor
	screen  *screen
	metrics metricsState

	fatal atomic.Uint32

	stopOnce sync.Once
	stopped  chan struct{}

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

// New builds the system. Nothing runs until Start.
func New(h hal.HAL, cfg Config) (*System, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil HAL", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &System{
		h:       h,
		cfg:     cfg,
		runID:   uuid.NewString(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	var out hal.Logger = h.Logger()
	if cfg.Screen {
		if disp := h.Display(); disp != nil {
			if fb := disp.Framebuffer(); fb != nil && fb.Format() == hal.PixelFormatRGB565 {
				s.screen = newScreen(fb)
				if out != nil {
					out = tee{out, s.screen}
				} else {
					out = s.screen
				}
			}
		}
	}
	s.con = monitor.NewConsole(out, h.Serial())

	s.k = kernel.New(h.Counter(), kernel.Options{HeapSize: cfg.HeapSize})
	m, err := monitor.New(s.k, h.Counter(), s.con, monitor.Config{
		MaxTasks:            cfg.MaxTasks,
		MaxTicksWithoutIdle: cfg.MaxTicksWithoutIdle,
		EpochTicks:          cfg.EpochTicks,
		HeapSize:            cfg.HeapSize,
		FatalHandler:        monitor.FatalHandlerFunc(s.onFatal),
		TickHandler:         monitor.TickHandlerFunc(s.onTick),
		Halter:              s,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	s.m = m
	s.k.Attach(m)

	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

// Monitor returns the monitor.
func (s *System) Monitor() *monitor.Monitor { return s.m }

// Kernel returns the kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// RunID returns the per-boot identifier.
func (s *System) RunID() string { return s.runID }

// Start prints the banner, creates the menu task and starts the scheduler and
// the tick loop. When ctx ends, halted tasks are released.
func (s *System) Start(ctx context.Context) error {
	s.con.Printf("rtguard %s run %s", buildinfo.String(), s.runID)

	if _, err := s.k.Create("Menu", 0, 1000, s.menu); err != nil {
		return fmt.Errorf("app: create menu task: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	if t := s.h.Time(); t != nil {
		if ch := t.Ticks(); ch != nil {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case seq, ok := <-ch:
						if !ok {
							return
						}
						s.k.TickTo(seq)
					}
				}
			}()
		}
	}

	go func() {
		err := s.k.Start(ctx)
		if err == nil {
			err = ErrFinished
		}
		s.finish(err)
	}()
	return nil
}

func (s *System) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *System) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Halt parks a goroutine on the fatal path until the system is stopped.
func (s *System) Halt() {
	<-s.stopped
	runtime.Goexit()
}

// Step reports the system state once per host tick: nil while running,
// ErrFatal after an escalation, ErrFinished once the test is done.
func (s *System) Step() error {
	if r := monitor.Reason(s.fatal.Load()); r != 0 {
		return fmt.Errorf("%w: %s", ErrFatal, r)
	}
	if _, ok := s.m.Fatal(); ok {
		// The fatal handler has not finished yet.
		return nil
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed once the scheduler has stopped.
func (s *System) Done() <-chan struct{} { return s.done }

func (s *System) onTick(uint32) {
	if s.screen != nil {
		s.screen.flush()
	}
}

// Run builds the system with cfg and runs it forever (TinyGo entrypoint).
func Run(h hal.HAL, cfg Config) {
	s, err := New(h, cfg)
	if err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString(err.Error())
		}
		select {}
	}
	if err := s.Start(context.Background()); err != nil {
		s.con.Printf("ERROR: %v", err)
	}
	select {}
}
