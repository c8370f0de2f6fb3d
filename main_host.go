//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"rtguard/app"
	"rtguard/hal"
)

func main() {
	var (
		hcfg       hal.HeadlessConfig
		configPath string
		test       string
		metrics    string
		noScreen   bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (defaults apply when empty).")
	flag.StringVar(&test, "test", "", "Preselect a test ("+app.Tests+"); empty reads it from the console.")
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 0, "Tick rate (0 = config tickHz).")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run forever).")
	flag.StringVar(&metrics, "metrics", "", "Serve Prometheus metrics on this address.")
	flag.BoolVar(&noScreen, "no-screen", false, "Do not mirror the console onto the framebuffer.")
	flag.Parse()

	cfg := app.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = app.LoadConfig(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if test != "" {
		cfg.Test = test
	}
	if metrics != "" {
		cfg.MetricsAddr = metrics
	}
	if noScreen {
		cfg.Screen = false
	}
	if hcfg.Hz > 0 {
		cfg.TickHz = hcfg.Hz
	}
	hcfg.Hz = cfg.TickHz
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	newApp := func(h hal.HAL) func() error {
		sys, err := app.New(h, cfg)
		if err == nil {
			err = sys.Start(ctx)
		}
		if err != nil {
			return func() error { return err }
		}
		if cfg.MetricsAddr != "" {
			go func() {
				if err := sys.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
			}()
		}
		return sys.Step
	}

	if hcfg.Enabled {
		err := hal.RunHeadless(ctx, newApp, hcfg)
		switch {
		case err == nil, errors.Is(err, app.ErrFinished), errors.Is(err, context.Canceled):
		case errors.Is(err, app.ErrFatal):
			os.Exit(2)
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// The window stays open after the run ends so the last screen is visible.
	if err := hal.RunWindow(func(h hal.HAL) func() error {
		step := newApp(h)
		return func() error {
			if err := step(); err != nil && !errors.Is(err, app.ErrFinished) && !errors.Is(err, app.ErrFatal) {
				return err
			}
			return nil
		}
	}, cfg.TickHz); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
