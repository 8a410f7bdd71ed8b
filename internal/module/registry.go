package module

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Module is the entry point of a loadable code module
type Module interface {
	// OnLoad is called once per instance before any capability is used
	OnLoad() error
	// OnUnload releases whatever OnLoad acquired
	OnUnload()
	// Capabilities maps job kinds to the factories that build them
	Capabilities() map[string]JobFactory
}

// ModuleFactory creates a fresh, unloaded module instance
type ModuleFactory func() Module

// JobFactory binds a serialized payload to runnable job code
type JobFactory func(payload []byte) (Runnable, error)

// Runnable is job code hosted by an execution context
type Runnable interface {
	// Run executes until the job is done or ctx is cancelled and returns
	// the serialized finished job.
	Run(ctx context.Context, env Environment) ([]byte, error)
}

// Environment is the view job code has of its execution context
type Environment interface {
	// SetProgress reports percentage complete, 0..100
	SetProgress(percent float64)
	// Checkpoint marks a point where the job state is consistent.
	// state is invoked only when a snapshot has been requested.
	Checkpoint(state func() ([]byte, error))
}

// Registry maps library names to module factories.
// It is populated at build time; nothing is discovered by reflection.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ModuleFactory)}
}

// Register adds a factory; registering a library twice panics
func (r *Registry) Register(library string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if library == "" || factory == nil {
		panic("module: Register with empty library or nil factory")
	}
	if _, exists := r.factories[library]; exists {
		panic(fmt.Sprintf("module: library %q registered twice", library))
	}
	r.factories[library] = factory
}

// Has implements LibraryChecker
func (r *Registry) Has(library string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[library]
	return ok
}

// New instantiates the module registered for library
func (r *Registry) New(library string) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[library]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLibrary, library)
	}
	return factory(), nil
}

// Libraries returns the registered library names, sorted
func (r *Registry) Libraries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
