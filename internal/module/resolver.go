// ============================================================================
// hive-exec Module Dependency Resolver
// ============================================================================
//
// Package: internal/module
// File: resolver.go
// Purpose: Decide which discovered modules are safe to load, and in what order
//
// Passes (each operates on the full descriptor set):
//   1. checkLibraries   - a module whose library has no registered entry point is disabled
//   2. buildTree        - resolve declared dependencies by name + compatible version;
//                         an unresolvable dependency disables the module at once
//   3. checkCycles      - independent DFS per module; revisiting the origin or reaching
//                         any cycle disables the origin
//   4. checkDisabled    - "any dependency disabled => disabled" to a fixed point
//   5. enable           - everything not disabled is Enabled
//   6. loadOrder        - bottom-up topological order over Enabled modules
//
// Cycle walks keep a per-origin on-path set so a cycle that does not contain
// the origin terminates and still disables the origin. Results are not shared
// between origins; only the monotonic "already disabled" state is.
//
// ============================================================================

package module

import (
	"sort"
)

// LibraryChecker reports whether an entry point exists for a library name.
// The Registry implements it.
type LibraryChecker interface {
	Has(library string) bool
}

// Result is the outcome of one resolution pass
type Result struct {
	Descriptors []*Descriptor // every descriptor that entered the graph
	Enabled     []*Descriptor // usable descriptors, sorted by name
	Disabled    []*Descriptor // disabled descriptors, sorted by name
	LoadOrder   []*Descriptor // bottom-up: dependencies precede dependents
}

// Resolver computes the safe load set of a descriptor set
type Resolver struct {
	libraries LibraryChecker // nil skips the library check
}

// NewResolver creates a resolver; libraries may be nil
func NewResolver(libraries LibraryChecker) *Resolver {
	return &Resolver{libraries: libraries}
}

// Resolve runs all passes over descs and mutates their State.
// Descriptors already Disabled (for example by file checks during discovery)
// stay disabled; descriptors already Loaded keep their state.
func (r *Resolver) Resolve(descs []*Descriptor) *Result {
	for _, d := range descs {
		d.Dependencies = nil
		if d.State == StateEnabled {
			d.State = StateDiscovered
		}
	}

	r.checkLibraries(descs)
	buildTree(descs)
	checkCycles(descs)
	checkDisabled(descs)

	for _, d := range descs {
		if d.State == StateDiscovered {
			d.State = StateEnabled
		}
	}

	res := &Result{Descriptors: descs}
	for _, d := range descs {
		if d.Usable() {
			res.Enabled = append(res.Enabled, d)
		} else {
			res.Disabled = append(res.Disabled, d)
		}
	}
	sortDescriptors(res.Enabled)
	sortDescriptors(res.Disabled)
	res.LoadOrder = bottomUp(res.Enabled)
	return res
}

func (r *Resolver) checkLibraries(descs []*Descriptor) {
	if r.libraries == nil {
		return
	}
	for _, d := range descs {
		if d.Disabled() {
			continue
		}
		if !r.libraries.Has(d.Library) {
			d.Disable(&ResolutionError{Module: d.ID(), Dependency: d.Library, Err: ErrUnknownLibrary})
		}
	}
}

// buildTree resolves every declared dependency to a concrete descriptor.
// A disabled candidate matches only when no compatible one is left; the
// transitive pass then disables its dependents.
func buildTree(descs []*Descriptor) {
	for _, d := range descs {
		for _, req := range d.Requires {
			dep := bestMatch(descs, req.Name, req.Version)
			if dep == nil {
				d.Disable(&ResolutionError{Module: d.ID(), Dependency: req.String(), Err: ErrMissingDependency})
				break
			}
			d.Dependencies = append(d.Dependencies, dep)
		}
	}
}

// bestMatch returns the highest compatible version of name that is not
// disabled, else the highest disabled one, or nil
func bestMatch(descs []*Descriptor, name string, requested Version) *Descriptor {
	var best, disabled *Descriptor
	for _, c := range descs {
		if c.Name != name || !Compatible(c.Version, requested) {
			continue
		}
		if c.Disabled() {
			if disabled == nil || disabled.Version.Less(c.Version) {
				disabled = c
			}
			continue
		}
		if best == nil || best.Version.Less(c.Version) {
			best = c
		}
	}
	if best == nil {
		return disabled
	}
	return best
}

// checkCycles disables every module that reaches a cycle. All origins are
// walked before anything is disabled so each member of a cycle gets the cycle
// as its reason. Modules disabled by earlier passes are not walked; the
// transitive pass handles their dependents.
func checkCycles(descs []*Descriptor) {
	var cyclic []*Descriptor
	for _, d := range descs {
		if d.Disabled() {
			continue
		}
		onPath := map[*Descriptor]bool{d: true}
		done := make(map[*Descriptor]bool)
		if hasCycle(d, d.Dependencies, onPath, done) {
			cyclic = append(cyclic, d)
		}
	}
	for _, d := range cyclic {
		d.Disable(&ResolutionError{Module: d.ID(), Err: ErrDependencyCycle})
	}
}

// hasCycle walks the dependency edges reachable from origin.
// onPath holds the descriptors of the current DFS path; done holds
// descriptors fully explored for this origin without finding anything.
func hasCycle(origin *Descriptor, deps []*Descriptor, onPath, done map[*Descriptor]bool) bool {
	for _, dep := range deps {
		if dep == origin || onPath[dep] {
			return true
		}
		if dep.Disabled() || done[dep] {
			continue
		}
		onPath[dep] = true
		found := hasCycle(origin, dep.Dependencies, onPath, done)
		delete(onPath, dep)
		if found {
			return true
		}
		done[dep] = true
	}
	return false
}

// checkDisabled propagates disabling until nothing changes
func checkDisabled(descs []*Descriptor) {
	for changed := true; changed; {
		changed = false
		for _, d := range descs {
			if d.Disabled() {
				continue
			}
			for _, dep := range d.Dependencies {
				if dep.Disabled() {
					d.Disable(&ResolutionError{Module: d.ID(), Dependency: dep.ID(), Err: ErrDependencyDisabled})
					changed = true
					break
				}
			}
		}
	}
}

// bottomUp orders descriptors so that every dependency precedes its dependents.
// Input must be cycle free, which the cycle pass guarantees for usable descriptors.
func bottomUp(descs []*Descriptor) []*Descriptor {
	order := make([]*Descriptor, 0, len(descs))
	seen := make(map[*Descriptor]bool, len(descs))

	var visit func(d *Descriptor)
	visit = func(d *Descriptor) {
		if seen[d] {
			return
		}
		seen[d] = true
		deps := append([]*Descriptor(nil), d.Dependencies...)
		sortDescriptors(deps)
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, d)
	}

	for _, d := range descs {
		visit(d)
	}
	return order
}

// Closure returns the bottom-up load order of roots and everything they depend on
func Closure(roots []*Descriptor) []*Descriptor {
	sorted := append([]*Descriptor(nil), roots...)
	sortDescriptors(sorted)
	return bottomUp(sorted)
}

func sortDescriptors(descs []*Descriptor) {
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Name != descs[j].Name {
			return descs[i].Name < descs[j].Name
		}
		return descs[i].Version.Less(descs[j].Version)
	})
}
