// ============================================================================
// hive-exec Module Discovery
// ============================================================================
//
// Package: internal/module
// File: discovery.go
// Purpose: Turn module manifests into descriptors for the resolver
//
// Manifest format (module.yaml, one per module directory):
//
//   name: Algorithms.RandomSearch
//   version: 3.3.0.0
//   description: Random search over real vectors
//   library: Algorithms.RandomSearch        # registry key, defaults to name
//   files:
//     - name: randomsearch.lib
//       kind: library
//   dependencies:
//     - name: Problems.TestFunctions
//       version: 3.3
//   provides: [randomsearch.run]
//
// Rejected outright (never enter the graph, reported as ManifestError):
//   - no name, zero files, no library file, unknown file kind
//   - unparsable module or dependency version
//
// Entering the graph Disabled:
//   - a declared file outside the module root or missing on disk
//
// A bad manifest never aborts the pass; its error is collected in the report.
//
// ============================================================================

package module

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the file a directory scan looks for
const ManifestFileName = "module.yaml"

// Manifest is the on-disk description of a module
type Manifest struct {
	Name         string               `yaml:"name"`
	Version      string               `yaml:"version"`
	Description  string               `yaml:"description"`
	Library      string               `yaml:"library"`
	Files        []ManifestFile       `yaml:"files"`
	Dependencies []ManifestDependency `yaml:"dependencies"`
	Provides     []string             `yaml:"provides"`
}

type ManifestFile struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type ManifestDependency struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Report is the outcome of one discovery pass
type Report struct {
	Descriptors []*Descriptor
	Errors      []error // one ManifestError per rejected manifest
}

// Source produces a discovery report
type Source interface {
	Discover() (*Report, error)
}

// Descriptor validates m and builds its descriptor; dir is the directory the
// manifest lives in and is used to resolve file names.
func (m Manifest) Descriptor(dir string) (*Descriptor, error) {
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%w: no name", ErrInvalidManifest)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: no files declared", ErrInvalidManifest)
	}

	version := Version{}
	if m.Version != "" {
		v, err := ParseVersion(m.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		version = v
	}

	d := &Descriptor{
		Name:        m.Name,
		Description: m.Description,
		Version:     version,
		Library:     m.Library,
		Dir:         dir,
		Provides:    append([]string(nil), m.Provides...),
		State:       StateDiscovered,
	}
	if d.Library == "" {
		d.Library = m.Name
	}
	if d.Description == "" {
		d.Description = m.Name
	}

	hasLibrary := false
	for _, f := range m.Files {
		kind := FileKind(f.Kind)
		switch kind {
		case FileLibrary:
			hasLibrary = true
		case FileData:
		default:
			return nil, fmt.Errorf("%w: file %q has unknown kind %q", ErrInvalidManifest, f.Name, f.Kind)
		}
		name := f.Name
		if dir != "" && !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		d.Files = append(d.Files, File{Name: filepath.Clean(name), Kind: kind})
	}
	if !hasLibrary {
		return nil, fmt.Errorf("%w: no library file declared", ErrInvalidManifest)
	}

	for _, dep := range m.Dependencies {
		if dep.Name == "" {
			return nil, fmt.Errorf("%w: dependency without name", ErrInvalidManifest)
		}
		v := Version{}
		if dep.Version != "" {
			parsed, err := ParseVersion(dep.Version)
			if err != nil {
				return nil, fmt.Errorf("%w: dependency %s: %v", ErrInvalidManifest, dep.Name, err)
			}
			v = parsed
		}
		d.Requires = append(d.Requires, Dependency{Name: dep.Name, Version: v})
	}

	return d, nil
}

// ParseManifest decodes a YAML manifest
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}

// DirSource scans a module root directory for manifests
type DirSource struct {
	Root string
}

// NewDirSource creates a directory scanning source
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

// Discover walks Root recursively. Only an unreadable root is an error;
// problems with individual manifests are collected in the report.
func (s *DirSource) Discover() (*Report, error) {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve module root: %w", err)
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("module root: %w", err)
	}

	report := &Report{}
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			report.Errors = append(report.Errors, &ManifestError{Path: path, Err: err})
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || entry.Name() != ManifestFileName {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, &ManifestError{Path: path, Err: err})
			return nil
		}
		m, err := ParseManifest(data)
		if err != nil {
			report.Errors = append(report.Errors, &ManifestError{Path: path, Err: err})
			return nil
		}
		d, err := m.Descriptor(filepath.Dir(path))
		if err != nil {
			report.Errors = append(report.Errors, &ManifestError{Path: path, Module: m.Name, Err: err})
			return nil
		}

		checkFiles(root, d)
		report.Descriptors = append(report.Descriptors, d)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scan module root: %w", walkErr)
	}

	sortDescriptors(report.Descriptors)
	return report, nil
}

// checkFiles disables d when a declared file is missing or escapes root
func checkFiles(root string, d *Descriptor) {
	for _, f := range d.Files {
		if !liesIn(root, f.Name) {
			d.Disable(&ResolutionError{Module: d.ID(), Dependency: f.Name, Err: ErrMissingFile})
			return
		}
		info, err := os.Stat(f.Name)
		if err != nil || info.IsDir() {
			d.Disable(&ResolutionError{Module: d.ID(), Dependency: f.Name, Err: ErrMissingFile})
			return
		}
	}
}

func liesIn(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// StaticSource serves an explicit descriptor table, such as the modules
// compiled into the binary. Files are declarations only and are not checked
// on disk.
type StaticSource struct {
	Manifests []Manifest
}

// Discover builds fresh descriptors from the table on every call
func (s *StaticSource) Discover() (*Report, error) {
	report := &Report{}
	for _, m := range s.Manifests {
		d, err := m.Descriptor("")
		if err != nil {
			report.Errors = append(report.Errors, &ManifestError{Path: "static", Module: m.Name, Err: err})
			continue
		}
		report.Descriptors = append(report.Descriptors, d)
	}
	sortDescriptors(report.Descriptors)
	return report, nil
}

// MultiSource concatenates the reports of several sources
type MultiSource []Source

func (ms MultiSource) Discover() (*Report, error) {
	merged := &Report{}
	var errs []error
	for _, s := range ms {
		r, err := s.Discover()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		merged.Descriptors = append(merged.Descriptors, r.Descriptors...)
		merged.Errors = append(merged.Errors, r.Errors...)
	}
	if len(errs) == len(ms) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	merged.Errors = append(merged.Errors, errs...)
	sortDescriptors(merged.Descriptors)
	return merged, nil
}
