package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// gathered returns the metric family names currently exported by r
func gathered(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_Register(t *testing.T) {
	var _ MetricsRegistrar = (*MetricsRegistry)(nil)

	tests := []struct {
		name     string
		register func(r MetricsRegistrar) error
	}{
		{"counter", func(r MetricsRegistrar) error {
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_frames_total", Help: "frames"})
			c.Inc()
			return r.RegisterCounter("bridge", "bridge_frames_total", c)
		}},
		{"gauge", func(r MetricsRegistrar) error {
			g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "depth"})
			g.Set(4)
			return r.RegisterGauge("recorder", "queue_depth", g)
		}},
		{"histogram", func(r MetricsRegistrar) error {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ping_rtt_seconds", Help: "rtt"})
			h.Observe(0.01)
			return r.RegisterHistogram("bridge", "ping_rtt_seconds", h)
		}},
		{"counter vec", func(r MetricsRegistrar) error {
			v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "topic_sets_total", Help: "sets"}, []string{"topic"})
			v.WithLabelValues("/camera").Inc()
			return r.RegisterCounterVec("store", "topic_sets_total", v)
		}},
		{"gauge vec", func(r MetricsRegistrar) error {
			v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "link_up", Help: "up"}, []string{"service"})
			v.WithLabelValues("bridge").Set(1)
			return r.RegisterGaugeVec("bridge", "link_up", v)
		}},
	}

	registry := NewMetricsRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.register(registry))
		})
	}

	names := gathered(t, registry)
	for _, want := range []string{"bridge_frames_total", "queue_depth", "ping_rtt_seconds", "topic_sets_total", "link_up"} {
		assert.True(t, names[want], want)
	}
}

func TestMetricsRegistry_Conflicts(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "sends_total", Help: "sends"})
	require.NoError(t, registry.RegisterCounter("link-a", "sends_total", first))

	// same key
	err := registry.RegisterCounter("link-a", "sends_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "sends_total_b", Help: "sends"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "already registered")

	// different key, same prometheus name
	err = registry.RegisterCounter("link-b", "sends_total",
		prometheus.NewCounter(prometheus.CounterOpts{Name: "sends_total", Help: "sends"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "replayed_total", Help: "replayed"})
	require.NoError(t, registry.RegisterCounter("player", "replayed_total", counter))
	assert.True(t, gathered(t, registry)["replayed_total"])

	assert.True(t, registry.Unregister("player", "replayed_total"))
	assert.False(t, gathered(t, registry)["replayed_total"])
	assert.False(t, registry.Unregister("player", "replayed_total"))

	// the name is free again
	require.NoError(t, registry.RegisterCounter("player", "replayed_total", counter))
}

func TestMetricsRegistry_ConcurrentRegister(t *testing.T) {
	registry := NewMetricsRegistry()

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("link_%d_sends_total", i)
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "sends"})
			assert.NoError(t, registry.RegisterCounter("links", name, c))
		}()
	}
	wg.Wait()

	count := 0
	for name := range gathered(t, registry) {
		if strings.HasPrefix(name, "link_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestMetricsRegistry_CoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	// vectors only show up in Gather once a label set exists
	m := registry.CoreMetrics()
	m.RecordValueSet("/camera/image")
	m.RecordHandlerDuration("Detector", "onImage", 2*time.Millisecond)
	m.RecordHandlerError("Detector")
	m.RecordComponentState("detector-1", 2)
	m.RecordRemoteSend("bridge", "INJECTED")
	m.RecordRemoteReceived("bridge", "value")
	m.RecordRemoteLinkState("bridge", 2)

	names := gathered(t, registry)
	for _, want := range []string{
		"mcf_valuestore_values_set_total",
		"mcf_component_handler_duration_seconds",
		"mcf_component_handler_errors_total",
		"mcf_component_state",
		"mcf_remote_sends_total",
		"mcf_remote_received_total",
		"mcf_remote_link_state",
		"mcf_recorder_written_bytes_total",
		"mcf_recorder_dropped_total",
		"mcf_recorder_queue_size",
		"go_goroutines",
	} {
		assert.True(t, names[want], want)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordValueSet("/t")
		m.RecordHandlerDuration("c", "h", time.Millisecond)
		m.RecordHandlerError("c")
		m.RecordComponentState("c", 1)
		m.RecordRemoteSend("s", "TIMEOUT")
		m.RecordRemoteReceived("s", "ping")
		m.RecordRemoteLinkState("s", 0)
		m.RecordRecorderWrite(10)
		m.RecordRecorderDrop()
		m.RecordRecorderQueueSize(3)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordValueSet("/t")

	healthy := true
	srv := NewServer(0, "", registry, func() (any, bool) {
		return map[string]bool{"healthy": healthy}, healthy
	})
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())

	h, err := srv.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcf_valuestore_values_set_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = NewServer(0, "", nil, nil).Handler()
	assert.Error(t, err)
}
