package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
)

// Option configures a Component
type Option func(*Component)

// WithConfigure sets the hook run once by the manager before the first start
func WithConfigure(fn func() error) Option {
	return func(c *Component) {
		c.configure = fn
	}
}

// WithStartup sets the hook run on the component goroutine before it waits
// for the run request
func WithStartup(fn HandlerFunc) Option {
	return func(c *Component) {
		c.startup = fn
	}
}

// WithShutdown sets the hook run on the component goroutine when it exits
func WithShutdown(fn HandlerFunc) Option {
	return func(c *Component) {
		c.shutdown = fn
	}
}

// WithLogger sets the base logger. Component and instance attributes are
// added automatically.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		if logger != nil {
			c.baseLogger = logger
		}
	}
}

// WithMetrics records handler timing and failures on m
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Component) {
		c.metrics = m
	}
}

// Component is a unit of work with its own goroutine. It sleeps on a single
// trigger event and, when woken, runs its trigger handlers followed by the
// handlers of every non-empty value queue. Handlers of one component never
// run concurrently.
type Component struct {
	name  string
	store *valuestore.Store

	configure func() error
	startup   HandlerFunc
	shutdown  HandlerFunc

	baseLogger *slog.Logger
	metrics    *metric.Metrics

	trigger *valuestore.Event

	mu            sync.Mutex
	instance      string
	logger        *slog.Logger
	handlers      []*handler
	valueHandlers []*handler

	// lifecycle of the current start; replaced on every Start
	ctx     context.Context
	cancel  context.CancelFunc
	runCh   chan struct{}
	runOnce *sync.Once
	done    chan struct{}

	runRequested      atomic.Bool
	shutdownRequested atomic.Bool
	running           atomic.Bool
}

// New creates a component bound to store
func New(name string, store *valuestore.Store, opts ...Option) *Component {
	c := &Component{
		name:       name,
		store:      store,
		instance:   name,
		baseLogger: slog.Default(),
		trigger:    valuestore.NewEvent(),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.baseLogger.With("component", name, "instance", name)
	return c
}

// Name returns the component name
func (c *Component) Name() string { return c.name }

// InstanceName returns the name assigned by the manager
func (c *Component) InstanceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// SetInstanceName sets the instance name. Called by the manager on
// registration.
func (c *Component) SetInstanceName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance = name
	c.logger = c.baseLogger.With("component", c.name, "instance", name)
}

// Logger returns the component logger
func (c *Component) Logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// Store returns the value store the component publishes to
func (c *Component) Store() *valuestore.Store { return c.store }

// Context returns the context of the current start. It is cancelled on
// Stop and Abort.
func (c *Component) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// RegisterHandler adds a handler run on every trigger, in registration order
func (c *Component) RegisterHandler(name string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, &handler{name: name, fn: fn})
}

// RegisterValueHandler runs fn whenever q holds values. The component
// trigger is attached to q so that every received value wakes the
// component.
func (c *Component) RegisterValueHandler(q *valuestore.Queue, name string, fn HandlerFunc) {
	h := &handler{name: name, fn: fn, queue: q, event: valuestore.NewEvent()}
	q.AddEvent(h.event)
	q.AddEvent(c.trigger)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.valueHandlers = append(c.valueHandlers, h)
}

// CreateAndRegisterValueQueue creates a queue on topic and registers fn for
// it. A maxLen of 0 gives an unbounded queue.
func (c *Component) CreateAndRegisterValueQueue(maxLen int, topic, name string, fn HandlerFunc) *valuestore.Queue {
	q := valuestore.NewQueue(maxLen)
	c.store.AddReceiver(topic, q)
	c.RegisterValueHandler(q, name, fn)
	return q
}

// SetValue writes v to topic, assigning an id if it has none
func (c *Component) SetValue(topic string, v value.Value) error {
	if v == nil {
		return errors.WrapInvalid(errors.ErrNilValue, "Component", "SetValue",
			fmt.Sprintf("set value on %s", topic))
	}
	value.EnsureID(v)
	return c.store.SetValue(topic, v)
}

// GetValue returns the latest value of topic
func (c *Component) GetValue(topic string) (value.Value, bool) {
	return c.store.Value(topic)
}

// Trigger wakes the component goroutine
func (c *Component) Trigger() {
	c.trigger.Trigger()
}

// Abort requests the component goroutine to exit. The shutdown hook still
// runs and Stop returns normally.
func (c *Component) Abort() {
	c.shutdownRequested.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.trigger.Trigger()
}

// RunRequested reports whether Run was called for the current start
func (c *Component) RunRequested() bool { return c.runRequested.Load() }

// ShutdownRequested reports whether Stop or Abort was called
func (c *Component) ShutdownRequested() bool { return c.shutdownRequested.Load() }

// IsRunning reports whether the goroutine finished its startup hook and has
// not exited yet
func (c *Component) IsRunning() bool { return c.running.Load() }

// WaitRunRequested blocks until Run is called or ctx is done
func (c *Component) WaitRunRequested(ctx context.Context) error {
	c.mu.Lock()
	runCh := c.runCh
	c.mu.Unlock()
	if runCh == nil {
		return errors.WrapInvalid(errors.ErrNotRunning, "Component", "WaitRunRequested", "wait for run")
	}

	select {
	case <-runCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlerStats returns timing statistics for all handlers, trigger
// handlers first
func (c *Component) HandlerStats() []HandlerStats {
	c.mu.Lock()
	all := make([]*handler, 0, len(c.handlers)+len(c.valueHandlers))
	all = append(all, c.handlers...)
	all = append(all, c.valueHandlers...)
	c.mu.Unlock()

	stats := make([]HandlerStats, len(all))
	for i, h := range all {
		stats[i] = h.snapshot()
	}
	return stats
}

// Configure runs the configure hook
func (c *Component) Configure() error {
	if c.configure == nil {
		return nil
	}
	if err := c.configure(); err != nil {
		return errors.WrapFatal(err, "Component", "Configure", fmt.Sprintf("configure %s", c.InstanceName()))
	}
	return nil
}

// Start launches the component goroutine. A stopped component can be
// started again.
func (c *Component) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return errors.WrapInvalid(fmt.Errorf("goroutine still active"),
				"Component", "Start", fmt.Sprintf("start %s", c.instance))
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.runCh = make(chan struct{})
	c.runOnce = &sync.Once{}
	c.done = make(chan struct{})
	c.runRequested.Store(false)
	c.shutdownRequested.Store(false)
	c.trigger.Clear()

	go c.loop(c.ctx, c.runCh, c.done)
	return nil
}

// Run releases the goroutine from waiting and triggers it once
func (c *Component) Run() {
	c.mu.Lock()
	runCh, once := c.runCh, c.runOnce
	c.mu.Unlock()
	if once == nil {
		return
	}

	c.runRequested.Store(true)
	once.Do(func() { close(runCh) })
	c.trigger.Trigger()
}

// Stop requests shutdown and waits for the goroutine to exit
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	done, cancel := c.done, c.cancel
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	c.shutdownRequested.Store(true)
	cancel()
	c.trigger.Trigger()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Component", "Stop",
			fmt.Sprintf("wait for %s to exit", c.InstanceName()))
	}
}

// Done is closed when the goroutine of the current start has exited
func (c *Component) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Component) loop(ctx context.Context, runCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer c.running.Store(false)
	defer c.runShutdownHook(ctx)

	if c.startup != nil {
		if err := c.startup(ctx); err != nil {
			c.Logger().Error("Startup hook failed, aborting component", "error", err)
			c.metrics.RecordHandlerError(c.name)
			c.Abort()
		}
	}
	c.running.Store(true)

	select {
	case <-runCh:
	case <-ctx.Done():
		return
	}

	for !c.shutdownRequested.Load() {
		if err := c.trigger.WaitAndClear(ctx); err != nil {
			return
		}
		if c.shutdownRequested.Load() {
			return
		}
		c.dispatch(ctx)
	}
}

func (c *Component) dispatch(ctx context.Context) {
	c.mu.Lock()
	handlers := append([]*handler(nil), c.handlers...)
	valueHandlers := append([]*handler(nil), c.valueHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		if !c.invoke(ctx, h) {
			return
		}
	}
	for _, h := range valueHandlers {
		if h.queue.Empty() {
			continue
		}
		h.event.Clear()
		if !c.invoke(ctx, h) {
			return
		}
	}
}

// invoke runs h and reports whether dispatching may continue
func (c *Component) invoke(ctx context.Context, h *handler) bool {
	start := time.Now()
	err := h.call(ctx)
	d := time.Since(start)
	h.record(d)
	c.metrics.RecordHandlerDuration(c.name, h.name, d)

	if err == nil {
		return !c.shutdownRequested.Load()
	}
	if c.shutdownRequested.Load() && stderrors.Is(err, context.Canceled) {
		return false
	}

	c.Logger().Error("Handler failed, aborting component", "handler", h.name, "error", err)
	c.metrics.RecordHandlerError(c.name)
	c.Abort()
	return false
}

func (c *Component) runShutdownHook(ctx context.Context) {
	if c.shutdown == nil {
		return
	}
	if err := c.shutdown(context.WithoutCancel(ctx)); err != nil {
		c.Logger().Error("Shutdown hook failed", "error", err)
	}
}
