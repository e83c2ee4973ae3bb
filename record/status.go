package record

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/krishna-esrlabs/flux-mcf/value"
)

// Status topic and type
const (
	StatusTopic    = "/mcf/recorder/status"
	StatusTypeName = "msg::RecorderStatus"
)

const (
	statusInterval  = time.Second
	latencyWarnMs   = 1000
	maxErrorEntries = 16
)

// Status is published on StatusTopic while the recorder runs
type Status struct {
	value.Base `cbor:"-"`
	_          struct{} `cbor:",toarray"`

	OutputBps    float64
	AvgLatencyMs uint64
	MaxLatencyMs uint64
	AvgQueueSize uint64
	MaxQueueSize uint64
	CPUUser      float64 // percent of one core
	CPUSystem    float64
	DropFlag     bool
	ErrorFlag    bool
	ErrorDescs   []string
}

func (*Status) TypeName() string { return StatusTypeName }

// StatusMonitor accumulates write statistics and produces a Status at most
// once per second
type StatusMonitor struct {
	logger *slog.Logger
	emit   rate.Sometimes

	mu           sync.Mutex
	lastOutput   time.Time
	lastUser     time.Duration
	lastSystem   time.Duration
	bytes        uint64
	totalLatency uint64
	totalQueue   uint64
	writes       uint64
	maxLatency   uint64
	maxQueue     uint64
	dropCount    uint32
	errors       []string
}

// NewStatusMonitor creates a monitor; Start resets it
func NewStatusMonitor(logger *slog.Logger) *StatusMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusMonitor{logger: logger, emit: rate.Sometimes{Interval: statusInterval}}
}

// Start begins a new measurement period
func (m *StatusMonitor) Start() {
	m.emit = rate.Sometimes{Interval: statusInterval}
	m.emit.Do(func() {})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOutput = time.Now()
	m.lastUser, m.lastSystem = cpuTimes()
	m.dropCount = 0
	m.resetLocked()
}

func (m *StatusMonitor) resetLocked() {
	m.bytes, m.totalLatency, m.totalQueue, m.writes = 0, 0, 0, 0
	m.maxLatency, m.maxQueue = 0, 0
	m.errors = nil
}

// SerializeBegin records the latency of a value received at received and
// the queue size at the time it is written
func (m *StatusMonitor) SerializeBegin(queueSize int, received time.Time) {
	latency := uint64(max(time.Since(received).Milliseconds(), 0))
	q := uint64(max(queueSize, 0))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLatency += latency
	m.writes++
	m.maxLatency = max(m.maxLatency, latency)
	m.totalQueue += q
	m.maxQueue = max(m.maxQueue, q)
}

// AddBytesWritten counts written bytes
func (m *StatusMonitor) AddBytesWritten(n int) {
	m.mu.Lock()
	m.bytes += uint64(max(n, 0))
	m.mu.Unlock()
}

// ReportDropped counts a dropped value
func (m *StatusMonitor) ReportDropped() {
	m.mu.Lock()
	if m.dropCount < math.MaxUint32 {
		m.dropCount++
	}
	m.mu.Unlock()
}

// ReportWriteError records a write error. Identical descriptions are kept
// once.
func (m *StatusMonitor) ReportWriteError(desc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.errors, desc) && len(m.errors) < maxErrorEntries {
		m.errors = append(m.errors, desc)
	}
}

// SerializeEnd returns the status of the period that just ended, or nil
// when the last status is less than a second old
func (m *StatusMonitor) SerializeEnd() *Status {
	var st *Status
	m.emit.Do(func() { st = m.output() })
	return st
}

func (m *StatusMonitor) output() *Status {
	user, system := cpuTimes()

	m.mu.Lock()
	now := time.Now()
	dt := now.Sub(m.lastOutput).Seconds()
	if dt <= 0 {
		dt = statusInterval.Seconds()
	}
	st := &Status{
		OutputBps:    float64(m.bytes) / dt,
		MaxLatencyMs: m.maxLatency,
		MaxQueueSize: m.maxQueue,
		CPUUser:      (user - m.lastUser).Seconds() * 100 / dt,
		CPUSystem:    (system - m.lastSystem).Seconds() * 100 / dt,
		DropFlag:     m.dropCount > 0,
		ErrorFlag:    len(m.errors) > 0,
		ErrorDescs:   m.errors,
	}
	if m.writes > 0 {
		st.AvgLatencyMs = m.totalLatency / m.writes
		st.AvgQueueSize = m.totalQueue / m.writes
	}
	dropped := m.dropCount

	m.lastOutput = now
	m.lastUser, m.lastSystem = user, system
	m.dropCount = 0
	m.resetLocked()
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Error("Recorder dropped values it could not write fast enough", "count", dropped)
	}
	if st.AvgLatencyMs > latencyWarnMs {
		m.logger.Warn("Recorder writes are delayed, values are piling up", "avg_latency_ms", st.AvgLatencyMs)
	}
	return st
}
