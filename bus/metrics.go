package bus

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes Statistics() as Prometheus gauges/counters so a host can
// register the bus without this package depending on any particular metrics
// backend for its own logic.
type Collector struct {
	bus *Bus

	delivered *prometheus.Desc
	dropped   *prometheus.Desc
	evicted   *prometheus.Desc
	subs      *prometheus.Desc
	cached    *prometheus.Desc
}

// NewCollector wraps b for Prometheus registration.
func NewCollector(b *Bus) *Collector {
	return &Collector{
		bus:       b,
		delivered: prometheus.NewDesc("kernel_bus_delivered_total", "Messages delivered to immediate or async handlers.", nil, nil),
		dropped:   prometheus.NewDesc("kernel_bus_dropped_total", "Async publishes that failed to schedule.", nil, nil),
		evicted:   prometheus.NewDesc("kernel_bus_evicted_total", "Subscriptions removed after exceeding the failure threshold.", nil, nil),
		subs:      prometheus.NewDesc("kernel_bus_subscribers", "Current live subscription count.", nil, nil),
		cached:    prometheus.NewDesc("kernel_bus_cached_types", "Distinct message types held in the last-value cache.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.evicted
	ch <- c.subs
	ch <- c.cached
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.bus.Statistics()
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(s.Evicted))
	ch <- prometheus.MustNewConstMetric(c.subs, prometheus.GaugeValue, float64(s.Subscribers))
	ch <- prometheus.MustNewConstMetric(c.cached, prometheus.GaugeValue, float64(s.CachedTypes))
}
