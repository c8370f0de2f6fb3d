//go:build tinygo

package app

type metricsState struct{}

func (s *System) initMetrics() error { return nil }
