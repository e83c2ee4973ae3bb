package health

import (
	"slices"
	"sync"
)

// Source produces the current status of one part of the process
type Source func() Status

// Monitor aggregates named health sources
type Monitor struct {
	mu      sync.RWMutex
	name    string
	sources map[string]Source
}

// NewMonitor creates a monitor whose aggregate status is named name
func NewMonitor(name string) *Monitor {
	return &Monitor{name: name, sources: make(map[string]Source)}
}

// Register adds or replaces the source reported under name
func (m *Monitor) Register(name string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = src
}

// Remove removes a source
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// Names returns the registered source names in order
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Check polls every source and aggregates the results, ordered by name
func (m *Monitor) Check() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	sources := make([]Source, len(names))
	for i, name := range names {
		sources[i] = m.sources[name]
	}
	m.mu.RUnlock()

	subs := make([]Status, len(sources))
	for i, src := range sources {
		subs[i] = src()
		subs[i].Component = names[i]
	}
	return Aggregate(m.name, subs)
}

// Report adapts Check to the metrics server health endpoint
func (m *Monitor) Report() (any, bool) {
	st := m.Check()
	return st, !st.IsUnhealthy()
}
