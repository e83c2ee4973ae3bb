package record

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/pkg/buffer"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
)

// DefaultWriteQueueSizeLimit is the pending-write depth above which values
// are dropped
const DefaultWriteQueueSizeLimit = 1000

const (
	// room above the limit so that status values are never dropped
	statusReserve = 64
	writeBatch    = 64

	dropWarnInterval = 5 * time.Second
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// DefaultFilename returns a unique, time-sortable record file name in dir
func DefaultFilename(dir string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return filepath.Join(dir, "record-"+id.String()+".bin")
}

type entry struct {
	received time.Time
	topic    string
	value    value.Value
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records written bytes, drops and queue depth on m
func WithMetrics(m *metric.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// Recorder writes every value set on a store to a record file. Values are
// handed to a writer goroutine; once more than the write queue size limit
// are pending, new values are dropped, except status values.
type Recorder struct {
	store    *valuestore.Store
	codec    *value.Codec
	logger   *slog.Logger
	metrics  *metric.Metrics
	monitor  *StatusMonitor
	dropWarn rate.Sometimes

	mu       sync.Mutex
	extMem   map[string]bool
	compress map[string]bool
	disabled map[string]bool
	limit    int

	// set while running
	file   *os.File
	queue  buffer.Buffer[entry]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates a stopped recorder for store. The status type is
// registered on the codec's registry if missing.
func NewRecorder(store *valuestore.Store, codec *value.Codec, opts ...RecorderOption) (*Recorder, error) {
	reg := codec.Registry()
	if !reg.Has(StatusTypeName) {
		if err := value.RegisterType[Status](reg); err != nil {
			return nil, errors.Wrap(err, "Recorder", "NewRecorder", "register status type")
		}
	}

	r := &Recorder{
		store:    store,
		codec:    codec,
		logger:   slog.Default(),
		extMem:   make(map[string]bool),
		compress: make(map[string]bool),
		disabled: make(map[string]bool),
		limit:    DefaultWriteQueueSizeLimit,
		dropWarn: rate.Sometimes{First: 1, Interval: dropWarnInterval},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	r.monitor = NewStatusMonitor(r.logger)
	return r, nil
}

// EnableExtMemSerialization records the ExtMem of values on topic
func (r *Recorder) EnableExtMemSerialization(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extMem[topic] = true
}

// EnableExtMemCompression deflates the recorded ExtMem of topic. It has no
// effect unless ExtMem serialization is enabled for the topic.
func (r *Recorder) EnableExtMemCompression(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compress[topic] = true
	if !r.extMem[topic] {
		r.logger.Warn("ExtMem compression has no effect, ExtMem is not recorded", "topic", topic)
	}
}

// DisableSerialization stops recording topic
func (r *Recorder) DisableSerialization(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[topic] = true
}

// SetWriteQueueSizeLimit sets the pending-write depth above which values are
// dropped. It takes effect on the next Start.
func (r *Recorder) SetWriteQueueSizeLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	r.limit = n
}

func (r *Recorder) options(topic string) (opts WriteOptions, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts.ExtMem = r.extMem[topic]
	opts.Compress = opts.ExtMem && r.compress[topic]
	return opts, !r.disabled[topic]
}

// Running reports whether the recorder is started
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Start creates filename and starts recording
func (r *Recorder) Start(filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return errors.WrapInvalid(fmt.Errorf("already recording to %s", r.file.Name()),
			"Recorder", "Start", "start recording")
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "Start", "open record file")
	}

	queue, err := buffer.NewCircularBuffer[entry](r.limit+statusReserve,
		buffer.WithOverflowPolicy[entry](buffer.DropNewest),
		buffer.WithDropCallback[entry](func(e entry) { r.dropped(e.topic) }))
	if err != nil {
		_ = f.Close()
		return errors.WrapFatal(err, "Recorder", "Start", "create write queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.file, r.queue, r.cancel = f, queue, cancel
	r.done = make(chan struct{})
	r.monitor.Start()

	go r.writeLoop(ctx, f, queue, r.done)
	r.store.AddAllTopicReceiver(r)
	r.logger.Info("Recording started", "file", filename)
	return nil
}

// Stop stops recording, writes the values still pending and closes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	f, cancel, done := r.file, r.cancel, r.done
	r.mu.Unlock()
	if f == nil {
		return nil
	}

	r.store.RemoveAllTopicReceiver(r)
	cancel()
	<-done

	r.mu.Lock()
	r.file, r.queue, r.cancel, r.done = nil, nil, nil, nil
	r.mu.Unlock()

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "Recorder", "Stop", "close record file")
	}
	r.logger.Info("Recording stopped", "file", f.Name())
	return nil
}

// Receive implements valuestore.Receiver
func (r *Recorder) Receive(topic string, v value.Value) bool {
	r.mu.Lock()
	queue, limit := r.queue, r.limit
	r.mu.Unlock()
	if queue == nil {
		return false
	}

	if topic != StatusTopic && queue.Size() >= limit {
		r.dropped(topic)
		return false
	}
	_ = queue.Write(entry{received: time.Now(), topic: topic, value: v})
	r.metrics.RecordRecorderQueueSize(queue.Size())
	return false
}

func (r *Recorder) dropped(topic string) {
	r.monitor.ReportDropped()
	r.metrics.RecordRecorderDrop()
	r.dropWarn.Do(func() {
		r.logger.Warn("Write queue full, dropping values", "topic", topic)
	})
}

func (r *Recorder) writeLoop(ctx context.Context, f *os.File, queue buffer.Buffer[entry], done chan<- struct{}) {
	defer close(done)
	bw := bufio.NewWriter(f)
	w := NewWriter(bw, r.codec)

	flush := func() {
		if err := bw.Flush(); err != nil {
			r.monitor.ReportWriteError(err.Error())
			r.logger.Error("Cannot flush record file", "error", err)
		}
	}

	for {
		if err := queue.Wait(ctx); err != nil {
			break
		}
		for _, e := range queue.ReadBatch(writeBatch) {
			r.serialize(w, e, queue.Size())
		}
		flush()
	}

	_ = queue.Close()
	for !queue.IsEmpty() {
		for _, e := range queue.ReadBatch(writeBatch) {
			r.serialize(w, e, queue.Size())
		}
	}
	flush()
}

func (r *Recorder) serialize(w *Writer, e entry, queueSize int) {
	opts, enabled := r.options(e.topic)
	if !enabled {
		return
	}

	r.monitor.SerializeBegin(queueSize, e.received)
	n, err := w.WriteValue(e.received, e.topic, e.value, opts)
	r.monitor.AddBytesWritten(n)
	if n > 0 {
		r.metrics.RecordRecorderWrite(n)
	}
	if err != nil {
		r.monitor.ReportWriteError(err.Error())
		r.logger.Warn("Record write failed", "topic", e.topic, "error", err)
	}

	if st := r.monitor.SerializeEnd(); st != nil {
		value.EnsureID(st)
		if err := r.store.SetValue(StatusTopic, st); err != nil {
			r.logger.Warn("Cannot publish recorder status", "error", err)
		}
	}
}
