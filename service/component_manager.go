package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krishna-esrlabs/flux-mcf/component"
	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
)

const (
	// startupPollInterval is how often Startup checks whether components are up
	startupPollInterval = 10 * time.Millisecond
	// startupAbortTimeout bounds stopping the components of a failed Startup
	startupAbortTimeout = 5 * time.Second
)

// Managed is the lifecycle surface the manager drives. *component.Component
// and every type embedding it satisfy it.
type Managed interface {
	Name() string
	SetInstanceName(name string)
	Configure() error
	Start() error
	IsRunning() bool
	Done() <-chan struct{}
	Run()
	Stop(ctx context.Context) error
}

// Entry describes one registered component instance
type Entry struct {
	ID           int             `json:"id"`
	InstanceName string          `json:"instance_name"`
	Name         string          `json:"name"`
	State        component.State `json:"state"`
	Component    Managed         `json:"-"`
}

// Option configures a ComponentManager
type Option func(*ComponentManager)

// WithLogger sets a custom logger for the manager
func WithLogger(logger *slog.Logger) Option {
	return func(m *ComponentManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records component state transitions on the given metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *ComponentManager) {
		m.metrics = metrics
	}
}

// ComponentManager registers components and moves them through their
// lifecycle together.
//
//	Register()  - Registered
//	Configure() - Registered  -> Configured
//	Startup()   - Configured  -> Running
//	Shutdown()  - Running     -> Configured
type ComponentManager struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int

	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewComponentManager creates an empty manager
func NewComponentManager(opts ...Option) *ComponentManager {
	m := &ComponentManager{
		nextID: 1,
		logger: slog.Default().With("service", "component-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds c under instanceName, which defaults to c.Name(). It returns
// the new id, or -1 if the component or the instance name is already
// registered.
func (m *ComponentManager) Register(c Managed, instanceName string) (int, error) {
	if c == nil {
		return -1, errors.WrapInvalid(errors.ErrNilValue, "ComponentManager", "Register", "register component")
	}
	if instanceName == "" {
		instanceName = c.Name()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Component == c || e.InstanceName == instanceName {
			err := errors.WrapInvalid(errors.ErrAlreadyRegistered, "ComponentManager", "Register",
				fmt.Sprintf("register %s as %s", c.Name(), instanceName))
			m.logger.Error("Component registration rejected",
				"component", c.Name(), "instance", instanceName, "error", err)
			return -1, err
		}
	}

	c.SetInstanceName(instanceName)
	e := &Entry{
		ID:           m.nextID,
		InstanceName: instanceName,
		Name:         c.Name(),
		State:        component.StateRegistered,
		Component:    c,
	}
	m.nextID++
	m.entries = append(m.entries, e)
	m.metrics.RecordComponentState(instanceName, int(e.State))

	m.logger.Debug("Component registered", "component", e.Name, "instance", instanceName, "id", e.ID)
	return e.ID, nil
}

func (m *ComponentManager) inState(state component.State) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.State == state {
			out = append(out, e)
		}
	}
	return out
}

func (m *ComponentManager) setState(e *Entry, state component.State) {
	m.mu.Lock()
	e.State = state
	m.mu.Unlock()
	m.metrics.RecordComponentState(e.InstanceName, int(state))
}

// Configure configures every registered component once
func (m *ComponentManager) Configure() error {
	for _, e := range m.inState(component.StateRegistered) {
		if err := e.Component.Configure(); err != nil {
			m.logger.Error("Component configuration failed", "instance", e.InstanceName, "error", err)
			return err
		}
		m.setState(e, component.StateConfigured)
	}
	return nil
}

// Startup starts every configured component, waits until all of them are
// up and then releases them to run.
func (m *ComponentManager) Startup(ctx context.Context) error {
	pending := m.inState(component.StateConfigured)

	for i, e := range pending {
		if err := e.Component.Start(); err != nil {
			m.abortStartup(ctx, pending[:i])
			return errors.Wrap(err, "ComponentManager", "Startup", fmt.Sprintf("start %s", e.InstanceName))
		}
	}

	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()
	for !allUp(pending) {
		select {
		case <-ctx.Done():
			m.abortStartup(ctx, pending)
			return errors.WrapTransient(ctx.Err(), "ComponentManager", "Startup", "wait for components")
		case <-ticker.C:
		}
	}

	for _, e := range pending {
		e.Component.Run()
		m.setState(e, component.StateRunning)
	}

	m.logger.Info("Components running", "count", len(pending))
	return nil
}

// abortStartup stops the components a failed Startup already started
func (m *ComponentManager) abortStartup(ctx context.Context, started []*Entry) {
	if len(started) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startupAbortTimeout)
	defer cancel()
	if err := m.stopAll(sctx, started); err != nil {
		m.logger.Warn("Stopping started components after failed startup", "error", err)
	}
}

// allUp reports whether every component finished its startup hook. A
// component that already exited counts as up so that one failing component
// does not block the others.
func allUp(entries []*Entry) bool {
	for _, e := range entries {
		if e.Component.IsRunning() {
			continue
		}
		select {
		case <-e.Component.Done():
		default:
			return false
		}
	}
	return true
}

// Shutdown stops every running component concurrently and waits for them
func (m *ComponentManager) Shutdown(ctx context.Context) error {
	running := m.inState(component.StateRunning)
	if err := m.stopAll(ctx, running); err != nil {
		return errors.Wrap(err, "ComponentManager", "Shutdown", "stop components")
	}

	m.logger.Info("Components stopped", "count", len(running))
	return nil
}

// stopAll stops entries concurrently and leaves them configured
func (m *ComponentManager) stopAll(ctx context.Context, entries []*Entry) error {
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			if err := e.Component.Stop(ctx); err != nil {
				m.logger.Error("Component did not stop", "instance", e.InstanceName, "error", err)
				return err
			}
			m.setState(e, component.StateConfigured)
			return nil
		})
	}
	return g.Wait()
}

// Components returns a snapshot of all entries in registration order
func (m *ComponentManager) Components() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// Component returns the component registered under instanceName
func (m *ComponentManager) Component(instanceName string) (Managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.InstanceName == instanceName {
			return e.Component, true
		}
	}
	return nil, false
}
