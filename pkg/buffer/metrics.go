package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/krishna-esrlabs/flux-mcf/metric"
)

type bufferMetrics struct {
	writes prometheus.Counter
	reads  prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of buffer write operations",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Total number of items read from the buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in buffer",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordRead(n, size int) {
	if m == nil {
		return
	}
	m.reads.Add(float64(n))
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}
