package module

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/log"
)

// Loader loads ordered descriptors into the running process: one instance per
// descriptor is created from the registry and its OnLoad hook is called.
type Loader struct {
	registry  *Registry
	instances map[*Descriptor]Module
	logger    zerolog.Logger
}

// NewLoader creates a loader backed by registry
func NewLoader(registry *Registry) *Loader {
	return &Loader{
		registry:  registry,
		instances: make(map[*Descriptor]Module),
		logger:    log.WithComponent("module-loader"),
	}
}

// Load walks order (which must be bottom-up) and loads every usable
// descriptor that is not loaded yet. A descriptor whose dependency did not
// load, or whose hook fails, is disabled; loading continues with the rest.
func (l *Loader) Load(order []*Descriptor) error {
	var errs []error

	for _, d := range order {
		if d.State == StateLoaded || !d.Usable() {
			continue
		}

		if dep := firstUnloaded(d); dep != nil {
			err := &ResolutionError{Module: d.ID(), Dependency: dep.ID(), Err: ErrDependencyDisabled}
			d.Disable(err)
			errs = append(errs, err)
			continue
		}

		instance, err := l.registry.New(d.Library)
		if err != nil {
			rerr := &ResolutionError{Module: d.ID(), Dependency: d.Library, Err: ErrUnknownLibrary}
			d.Disable(rerr)
			errs = append(errs, rerr)
			continue
		}

		if err := safeOnLoad(instance); err != nil {
			rerr := &ResolutionError{Module: d.ID(), Err: fmt.Errorf("%w: %v", ErrLoadFailed, err)}
			d.Disable(rerr)
			errs = append(errs, rerr)
			continue
		}

		l.instances[d] = instance
		d.State = StateLoaded
		l.logger.Info().Str("module", d.ID()).Msg("Module loaded")
	}

	return errors.Join(errs...)
}

// Unload calls OnUnload for every instance whose descriptor is not in keep
func (l *Loader) Unload(keep map[*Descriptor]bool) {
	for d, instance := range l.instances {
		if keep[d] {
			continue
		}
		instance.OnUnload()
		delete(l.instances, d)
		l.logger.Info().Str("module", d.ID()).Msg("Module unloaded")
	}
}

// Instance returns the process level instance of a loaded descriptor
func (l *Loader) Instance(d *Descriptor) (Module, bool) {
	m, ok := l.instances[d]
	return m, ok
}

func firstUnloaded(d *Descriptor) *Descriptor {
	for _, dep := range d.Dependencies {
		if dep.State != StateLoaded {
			return dep
		}
	}
	return nil
}

// safeOnLoad converts a panicking hook into an error
func safeOnLoad(m Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in OnLoad: %v", r)
		}
	}()
	return m.OnLoad()
}
