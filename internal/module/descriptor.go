// ============================================================================
// hive-exec Module Descriptors
// ============================================================================
//
// Package: internal/module
// File: descriptor.go
// Purpose: Metadata of one loadable code module and its resolution state
//
// State machine:
//   Discovered ──Resolve()──> Enabled ──Loader.Load()──> Loaded
//        │                       │
//        └────────> Disabled <───┘  (missing file, unknown library,
//                                    missing/incompatible/cyclic/disabled dependency,
//                                    load hook failure)
//
// Disabling is monotonic: once Disabled, a descriptor never becomes Enabled
// again within the same discovery pass.
//
// ============================================================================

package module

import (
	"fmt"
	"sort"
	"strings"
)

// State of a descriptor within one discovery pass
type State int

const (
	StateDiscovered State = iota
	StateDisabled
	StateEnabled
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FileKind distinguishes the code file of a module from its data files
type FileKind string

const (
	FileLibrary FileKind = "library"
	FileData    FileKind = "data"
)

// File is one file a module declares
type File struct {
	Name string   // absolute path after discovery
	Kind FileKind // library or data
}

// Dependency is a declared (name, minimum version) requirement
type Dependency struct {
	Name    string
	Version Version
}

func (d Dependency) String() string {
	return d.Name + " v" + d.Version.String()
}

// Descriptor describes one discovered module
type Descriptor struct {
	Name        string
	Description string
	Version     Version
	Library     string   // registry key of the module's entry point
	Dir         string   // directory the manifest was found in
	Files       []File   // declared files
	Requires    []Dependency
	Provides    []string // capability names the module declares

	// Filled by the resolver
	Dependencies []*Descriptor
	State        State
	Reason       error // first cause of disabling, nil otherwise
}

// ID returns "name v1.2.3.4"
func (d *Descriptor) ID() string {
	return d.Name + " v" + d.Version.String()
}

// Disable marks the descriptor disabled and records the first reason.
func (d *Descriptor) Disable(reason error) {
	if d.State == StateDisabled {
		return
	}
	d.State = StateDisabled
	d.Reason = reason
}

// Disabled reports whether the descriptor is disabled
func (d *Descriptor) Disabled() bool {
	return d.State == StateDisabled
}

// Usable reports whether jobs may use the descriptor
func (d *Descriptor) Usable() bool {
	return d.State == StateEnabled || d.State == StateLoaded
}

// LibraryFiles returns the declared library files
func (d *Descriptor) LibraryFiles() []File {
	var files []File
	for _, f := range d.Files {
		if f.Kind == FileLibrary {
			files = append(files, f)
		}
	}
	return files
}

// Summary is a one line, human readable description used by the CLI
func (d *Descriptor) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %-10s", d.ID(), d.State)
	if len(d.Requires) > 0 {
		deps := make([]string, len(d.Requires))
		for i, r := range d.Requires {
			deps[i] = r.String()
		}
		sort.Strings(deps)
		fmt.Fprintf(&b, " requires [%s]", strings.Join(deps, ", "))
	}
	if d.Reason != nil {
		fmt.Fprintf(&b, " (%v)", d.Reason)
	}
	return b.String()
}
