package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the middleware-level metrics shared by every component
type Metrics struct {
	// Value store
	ValuesSet *prometheus.CounterVec

	// Component scheduler
	HandlerDuration *prometheus.HistogramVec
	HandlerErrors   *prometheus.CounterVec
	ComponentState  *prometheus.GaugeVec

	// Remote bridge
	RemoteSends     *prometheus.CounterVec
	RemoteReceived  *prometheus.CounterVec
	RemoteLinkState *prometheus.GaugeVec

	// Recorder
	RecorderBytes     prometheus.Counter
	RecorderDropped   prometheus.Counter
	RecorderQueueSize prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ValuesSet: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "valuestore",
				Name:      "values_set_total",
				Help:      "Total number of values written to the value store",
			},
			[]string{"topic"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"component", "handler"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "handler_errors_total",
				Help:      "Handler failures that aborted a component",
			},
			[]string{"component"},
		),

		ComponentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "component",
				Name:      "state",
				Help:      "Component state (0=registered, 1=configured, 2=running)",
			},
			[]string{"instance"},
		),

		RemoteSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "remote",
				Name:      "sends_total",
				Help:      "Messages sent to the remote peer by reply result",
			},
			[]string{"service", "result"},
		),

		RemoteReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "remote",
				Name:      "received_total",
				Help:      "Messages received from the remote peer by kind",
			},
			[]string{"service", "kind"},
		),

		RemoteLinkState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "remote",
				Name:      "link_state",
				Help:      "Remote link state (0=down, 1=unsure, 2=up)",
			},
			[]string{"service"},
		),

		RecorderBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "recorder",
				Name:      "written_bytes_total",
				Help:      "Bytes written to the record file",
			},
		),

		RecorderDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "recorder",
				Name:      "dropped_total",
				Help:      "Values dropped because the write queue was full",
			},
		),

		RecorderQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "recorder",
				Name:      "queue_size",
				Help:      "Current length of the recorder write queue",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ValuesSet,
		c.HandlerDuration,
		c.HandlerErrors,
		c.ComponentState,
		c.RemoteSends,
		c.RemoteReceived,
		c.RemoteLinkState,
		c.RecorderBytes,
		c.RecorderDropped,
		c.RecorderQueueSize,
	}
}

// All Record* helpers are no-ops on a nil receiver so callers can hold an
// optional *Metrics without guarding every call.

// RecordValueSet increments the value store write counter
func (c *Metrics) RecordValueSet(topic string) {
	if c == nil {
		return
	}
	c.ValuesSet.WithLabelValues(topic).Inc()
}

// RecordHandlerDuration records how long a handler ran
func (c *Metrics) RecordHandlerDuration(component, handler string, d time.Duration) {
	if c == nil {
		return
	}
	c.HandlerDuration.WithLabelValues(component, handler).Observe(d.Seconds())
}

// RecordHandlerError increments the handler failure counter
func (c *Metrics) RecordHandlerError(component string) {
	if c == nil {
		return
	}
	c.HandlerErrors.WithLabelValues(component).Inc()
}

// RecordComponentState updates the lifecycle state of a component instance
func (c *Metrics) RecordComponentState(instance string, state int) {
	if c == nil {
		return
	}
	c.ComponentState.WithLabelValues(instance).Set(float64(state))
}

// RecordRemoteSend counts a send by its reply result
func (c *Metrics) RecordRemoteSend(service, result string) {
	if c == nil {
		return
	}
	c.RemoteSends.WithLabelValues(service, result).Inc()
}

// RecordRemoteReceived counts a received message by its kind
func (c *Metrics) RecordRemoteReceived(service, kind string) {
	if c == nil {
		return
	}
	c.RemoteReceived.WithLabelValues(service, kind).Inc()
}

// RecordRemoteLinkState updates the link state gauge
func (c *Metrics) RecordRemoteLinkState(service string, state int) {
	if c == nil {
		return
	}
	c.RemoteLinkState.WithLabelValues(service).Set(float64(state))
}

// RecordRecorderWrite adds written bytes
func (c *Metrics) RecordRecorderWrite(n int) {
	if c == nil {
		return
	}
	c.RecorderBytes.Add(float64(n))
}

// RecordRecorderDrop increments the dropped value counter
func (c *Metrics) RecordRecorderDrop() {
	if c == nil {
		return
	}
	c.RecorderDropped.Inc()
}

// RecordRecorderQueueSize sets the current write queue length
func (c *Metrics) RecordRecorderQueueSize(n int) {
	if c == nil {
		return
	}
	c.RecorderQueueSize.Set(float64(n))
}
