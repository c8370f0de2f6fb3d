//go:build !tinygo

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtguard/monitor/metrics"
)

type metricsState struct {
	reg *prom.Registry
}

func (s *System) initMetrics() error {
	s.metrics.reg = prom.NewRegistry()
	c := metrics.NewCollector("rtguard", s.m, prom.Labels{"run": s.runID})
	if _, err := metrics.Register(s.metrics.reg, c); err != nil {
		return fmt.Errorf("app: register monitor metrics: %w", err)
	}
	if err := s.metrics.reg.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("app: register go metrics: %w", err)
	}
	return nil
}

// Registry returns the metrics registry.
func (s *System) Registry() *prom.Registry { return s.metrics.reg }

// MetricsHandler serves the registry in the Prometheus exposition format.
func (s *System) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.reg, promhttp.HandlerOpts{}))
	return mux
}

// ServeMetrics serves /metrics on addr until ctx ends.
func (s *System) ServeMetrics(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.MetricsHandler()}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("app: metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: metrics shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: metrics server: %w", err)
	}
	return nil
}
