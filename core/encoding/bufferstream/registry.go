package bufferstream

import (
	"fmt"
	"sync"
)

// Registry maps type names found in records back to constructors. A
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]func() Object
	enums   map[string]func(ordinal int) (Enum, bool)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[string]func() Object),
		enums:   make(map[string]func(int) (Enum, bool)),
	}
}

// DefaultRegistry backs the package-level Serialize and Deserialize.
var DefaultRegistry = NewRegistry()

// Register makes objects built by factory decodable. The type name is taken
// from a freshly constructed instance.
func (r *Registry) Register(factory func() Object) {
	name := factory().TypeName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.objects[name]; dup {
		panic(fmt.Sprintf("bufferstream: object type %q registered twice", name))
	}
	r.objects[name] = factory
}

// RegisterEnum makes the enum called name decodable. byOrdinal must return
// false for ordinals outside the enum.
func (r *Registry) RegisterEnum(name string, byOrdinal func(ordinal int) (Enum, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.enums[name]; dup {
		panic(fmt.Sprintf("bufferstream: enum %q registered twice", name))
	}
	r.enums[name] = byOrdinal
}

func (r *Registry) newObject(name string) (Object, error) {
	r.mu.RLock()
	factory, ok := r.objects[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: object %q", ErrUnknownType, name)
	}
	return factory(), nil
}

func (r *Registry) enum(name string, ordinal int) (Enum, error) {
	r.mu.RLock()
	byOrdinal, ok := r.enums[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: enum %q", ErrUnknownType, name)
	}
	e, ok := byOrdinal(ordinal)
	if !ok {
		return nil, fmt.Errorf("%w: enum %q has no ordinal %d", ErrUnknownType, name, ordinal)
	}
	return e, nil
}

// Register adds factory to DefaultRegistry.
func Register(factory func() Object) { DefaultRegistry.Register(factory) }

// RegisterEnum adds an enum to DefaultRegistry.
func RegisterEnum(name string, byOrdinal func(ordinal int) (Enum, bool)) {
	DefaultRegistry.RegisterEnum(name, byOrdinal)
}
