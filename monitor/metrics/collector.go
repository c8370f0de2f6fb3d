// Package metrics exports monitor state as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"rtguard/monitor"
)

// Source is the part of the monitor the collector reads.
type Source interface {
	Count() int
	CPUUsage(dst []monitor.Record) []monitor.Record
	RemainingHeap() int64
	Fatal() (monitor.Reason, bool)
}

var reasons = []monitor.Reason{
	monitor.ReasonStackOverflow,
	monitor.ReasonMallocFailed,
	monitor.ReasonInfiniteLoop,
	monitor.ReasonTooManyTasks,
}

// Collector snapshots a Source on every scrape.
type Collector struct {
	src Source

	tasks  *prom.Desc
	load   *prom.Desc
	cycles *prom.Desc
	heap   *prom.Desc
	fatal  *prom.Desc
}

// NewCollector creates a collector for src. Metric names are prefixed with
// namespace; constLabels are attached to every metric.
func NewCollector(namespace string, src Source, constLabels prom.Labels) *Collector {
	if namespace == "" {
		namespace = "rtguard"
	}
	return &Collector{
		src: src,
		tasks: prom.NewDesc(prom.BuildFQName(namespace, "", "tasks"),
			"Number of registered tasks.", nil, constLabels),
		load: prom.NewDesc(prom.BuildFQName(namespace, "task", "cpu_load_percent"),
			"CPU load per task over the last refreshed epoch.", []string{"task"}, constLabels),
		cycles: prom.NewDesc(prom.BuildFQName(namespace, "task", "run_time_cycles"),
			"Run-time counter cycles per task behind the CPU load.", []string{"task"}, constLabels),
		heap: prom.NewDesc(prom.BuildFQName(namespace, "", "heap_remaining_bytes"),
			"Estimated remaining heap.", nil, constLabels),
		fatal: prom.NewDesc(prom.BuildFQName(namespace, "", "fatal"),
			"Fatal state per reason (1=latched, 0=clear).", []string{"reason"}, constLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prom.Desc) {
	ch <- c.tasks
	ch <- c.load
	ch <- c.cycles
	ch <- c.heap
	ch <- c.fatal
}

func (c *Collector) Collect(ch chan<- prom.Metric) {
	ch <- prom.MustNewConstMetric(c.tasks, prom.GaugeValue, float64(c.src.Count()))

	seen := make(map[string]bool)
	for _, rec := range c.src.CPUUsage(nil) {
		// Duplicate label sets make the whole scrape fail.
		if seen[rec.Name] {
			continue
		}
		seen[rec.Name] = true
		ch <- prom.MustNewConstMetric(c.load, prom.GaugeValue, float64(rec.Load), rec.Name)
		ch <- prom.MustNewConstMetric(c.cycles, prom.GaugeValue, float64(rec.Cycles), rec.Name)
	}

	ch <- prom.MustNewConstMetric(c.heap, prom.GaugeValue, float64(c.src.RemainingHeap()))

	latched, ok := c.src.Fatal()
	for _, r := range reasons {
		v := 0.0
		if ok && r == latched {
			v = 1
		}
		ch <- prom.MustNewConstMetric(c.fatal, prom.GaugeValue, v, r.String())
	}
}

// Register registers c with reg, or returns the collector already registered
// under the same descriptors.
func Register(reg prom.Registerer, c *Collector) (*Collector, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(*Collector)
		if !ok {
			return c, fmt.Errorf("metrics: collector type mismatch for %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, err
}
