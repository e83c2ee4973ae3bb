package value

import (
	"fmt"
	"sort"
	"sync"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// Factory returns a new zero value of a registered type.
type Factory func() Value

// Registry maps wire type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under typeName.
func (r *Registry) Register(typeName string, f Factory) error {
	if typeName == "" || f == nil {
		return errors.WrapInvalid(fmt.Errorf("empty type name or nil factory"),
			"Registry", "Register", "register value type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyRegistered, "Registry", "Register",
			fmt.Sprintf("register value type %s", typeName))
	}
	r.factories[typeName] = f
	return nil
}

// RegisterType registers the pointer type *T under the name it reports.
func RegisterType[T any, P interface {
	*T
	Value
}](r *Registry) error {
	name := P(new(T)).TypeName()
	return r.Register(name, func() Value { return P(new(T)) })
}

// MustRegisterType is like RegisterType but panics on error. It is intended
// for setup code that registers a fixed set of types.
func MustRegisterType[T any, P interface {
	*T
	Value
}](r *Registry) {
	if err := RegisterType[T, P](r); err != nil {
		panic(err)
	}
}

// New creates a zero value of the named type.
func (r *Registry) New(typeName string) (Value, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownType, "Registry", "New",
			fmt.Sprintf("create value of type %q", typeName))
	}
	return f(), nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// TypeNames returns the registered type names in sorted order.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
