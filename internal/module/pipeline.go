// ============================================================================
// hive-exec Module Pipeline
// ============================================================================
//
// Package: internal/module
// File: pipeline.go
// Purpose: discovery -> resolution -> loading, owned by the worker control loop
//
// The pipeline is the only code that mutates descriptor state. It is not safe
// for concurrent use; the worker calls it exclusively from its control loop.
//
// Require(refs) answers "may a job that declares these modules run?":
//   - every ref must match a usable descriptor (name + compatible version)
//   - a ref that matches nothing triggers one rediscovery pass
//   - the closure of the matched descriptors is loaded bottom-up
//
// ============================================================================

package module

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Pipeline combines a discovery source, the resolver and the loader
type Pipeline struct {
	source   Source
	registry *Registry
	resolver *Resolver
	loader   *Loader
	logger   zerolog.Logger

	result *Result
	report *Report
}

// NewPipeline creates a pipeline; nothing is discovered until first use
func NewPipeline(source Source, registry *Registry) *Pipeline {
	return &Pipeline{
		source:   source,
		registry: registry,
		resolver: NewResolver(registry),
		loader:   NewLoader(registry),
		logger:   log.WithComponent("module-pipeline"),
	}
}

// Registry returns the registry contexts instantiate modules from
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Refresh runs a discovery pass and resolves the result. Descriptors loaded
// by an earlier pass are carried over when the same module version is
// discovered again.
func (p *Pipeline) Refresh() (*Result, error) {
	report, err := p.source.Discover()
	if err != nil {
		return nil, fmt.Errorf("discover modules: %w", err)
	}
	for _, merr := range report.Errors {
		p.logger.Warn().Err(merr).Msg("Module manifest rejected")
	}

	descs := report.Descriptors
	if p.result != nil {
		loaded := make(map[string]*Descriptor)
		for _, d := range p.result.Descriptors {
			if d.State == StateLoaded {
				loaded[d.ID()] = d
			}
		}
		for i, d := range descs {
			if old, ok := loaded[d.ID()]; ok && !d.Disabled() {
				descs[i] = old
			}
		}
	}

	result := p.resolver.Resolve(descs)

	keep := make(map[*Descriptor]bool)
	for _, d := range result.Descriptors {
		if d.State == StateLoaded {
			keep[d] = true
		}
	}
	p.loader.Unload(keep)

	for _, d := range result.Disabled {
		p.logger.Warn().Str("module", d.ID()).Err(d.Reason).Msg("Module disabled")
	}
	p.logger.Info().
		Int("enabled", len(result.Enabled)).
		Int("disabled", len(result.Disabled)).
		Int("rejected", len(report.Errors)).
		Msg("Module resolution completed")

	p.report = report
	p.result = result
	return result, nil
}

// Result returns the latest resolution result, or nil before the first pass
func (p *Pipeline) Result() *Result {
	return p.result
}

// Report returns the latest discovery report, or nil before the first pass
func (p *Pipeline) Report() *Report {
	return p.report
}

// Require makes sure the declared modules are usable and loaded and returns
// their bottom-up load order. Errors are *ResolutionError: ErrNotAvailable
// when nothing matches a ref, the disabling reason when a match is disabled,
// the discovery failure when the source cannot be read.
func (p *Pipeline) Require(refs []types.ModuleRef) ([]*Descriptor, error) {
	if p.result == nil {
		if _, err := p.Refresh(); err != nil {
			return nil, &ResolutionError{Module: refList(refs), Err: err}
		}
	}

	roots, err := p.match(refs)
	if err != nil && isNotAvailable(err) {
		// a module may have been installed since the last pass
		if _, rerr := p.Refresh(); rerr != nil {
			return nil, &ResolutionError{Module: refList(refs), Err: rerr}
		}
		roots, err = p.match(refs)
	}
	if err != nil {
		return nil, err
	}

	order := Closure(roots)
	if err := p.loader.Load(order); err != nil {
		p.logger.Warn().Err(err).Msg("Module load failed")
	}
	for _, d := range order {
		if d.State != StateLoaded {
			return nil, &ResolutionError{Module: d.ID(), Err: d.Reason}
		}
	}
	return order, nil
}

func (p *Pipeline) match(refs []types.ModuleRef) ([]*Descriptor, error) {
	roots := make([]*Descriptor, 0, len(refs))
	for _, ref := range refs {
		requested := Version{}
		if ref.Version != "" {
			v, err := ParseVersion(ref.Version)
			if err != nil {
				return nil, &ResolutionError{Module: ref.String(), Err: fmt.Errorf("%w: %v", ErrNotAvailable, err)}
			}
			requested = v
		}

		var usable, disabled *Descriptor
		for _, d := range p.result.Descriptors {
			if d.Name != ref.Name || !Compatible(d.Version, requested) {
				continue
			}
			if d.Usable() {
				if usable == nil || usable.Version.Less(d.Version) {
					usable = d
				}
			} else if disabled == nil {
				disabled = d
			}
		}

		switch {
		case usable != nil:
			roots = append(roots, usable)
		case disabled != nil:
			return nil, &ResolutionError{Module: disabled.ID(), Err: disabled.Reason}
		default:
			return nil, &ResolutionError{Module: ref.String(), Err: ErrNotAvailable}
		}
	}
	return roots, nil
}

func isNotAvailable(err error) bool {
	rerr, ok := err.(*ResolutionError)
	return ok && rerr.Err == ErrNotAvailable
}

func refList(refs []types.ModuleRef) string {
	if len(refs) == 0 {
		return "(none)"
	}
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.String()
	}
	return strings.Join(names, ", ")
}
