package module

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingDependency: no discovered module satisfies a declared dependency
	ErrMissingDependency = errors.New("module: missing or incompatible dependency")

	// ErrDependencyCycle: the module takes part in or reaches a dependency cycle
	ErrDependencyCycle = errors.New("module: dependency cycle")

	// ErrDependencyDisabled: a direct or indirect dependency is disabled
	ErrDependencyDisabled = errors.New("module: dependency disabled")

	// ErrMissingFile: a declared file does not exist or lies outside the module directory
	ErrMissingFile = errors.New("module: declared file missing")

	// ErrUnknownLibrary: no entry point is registered for the module's library
	ErrUnknownLibrary = errors.New("module: library not registered")

	// ErrLoadFailed: the module's load hook returned an error
	ErrLoadFailed = errors.New("module: load hook failed")

	// ErrInvalidManifest: the manifest cannot describe a loadable module
	ErrInvalidManifest = errors.New("module: invalid manifest")

	// ErrNotAvailable: a job references a module that is not enabled
	ErrNotAvailable = errors.New("module: not available")
)

// ResolutionError attributes a resolution failure to one module
type ResolutionError struct {
	Module     string // module that is disabled or unavailable
	Dependency string // offending dependency, if any
	Err        error
}

func (e *ResolutionError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("module %s: %v (%s)", e.Module, e.Err, e.Dependency)
	}
	return fmt.Sprintf("module %s: %v", e.Module, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ManifestError attributes a discovery failure to one manifest file
type ManifestError struct {
	Path   string
	Module string // empty when the name itself could not be read
	Err    error
}

func (e *ManifestError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("manifest %s (module %s): %v", e.Path, e.Module, e.Err)
	}
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}
