package memmonitor

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes the monitor's per-module warning counts as Prometheus
// counters.
type Collector struct {
	monitor *Monitor
	warns   *prometheus.Desc
}

// NewCollector wraps m for Prometheus registration.
func NewCollector(m *Monitor) *Collector {
	return &Collector{
		monitor: m,
		warns:   prometheus.NewDesc("kernel_memmonitor_warnings_total", "Times a module's estimated memory share exceeded its soft limit.", []string{"module_id"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.warns
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.monitor.mu.Lock()
	defer c.monitor.mu.Unlock()
	for id, count := range c.monitor.warningCounts {
		ch <- prometheus.MustNewConstMetric(c.warns, prometheus.CounterValue, float64(count), id)
	}
}
