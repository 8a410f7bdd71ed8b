package module

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, root, dir, manifest string, files ...string) {
	t.Helper()
	moduleDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(moduleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, ManifestFileName), []byte(manifest), 0o644))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(moduleDir, f), []byte("x"), 0o644))
	}
}

func findDescriptor(descs []*Descriptor, name string) *Descriptor {
	for _, d := range descs {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func TestDirSourceDiscover(t *testing.T) {
	root := t.TempDir()

	writeModule(t, root, "core", `
name: Core
version: 1.0.2
files:
  - name: core.lib
    kind: library
`, "core.lib")

	writeModule(t, root, "algo", `
name: Algo
version: 2.1
description: An algorithm
files:
  - name: algo.lib
    kind: library
  - name: algo.dat
    kind: data
dependencies:
  - name: Core
    version: 1.0
provides: [algo.run]
`, "algo.lib", "algo.dat")

	report, err := NewDirSource(root).Discover()
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Descriptors, 2)

	algo := findDescriptor(report.Descriptors, "Algo")
	require.NotNil(t, algo)
	assert.Equal(t, StateDiscovered, algo.State)
	assert.Equal(t, "Algo", algo.Library)
	assert.Equal(t, "An algorithm", algo.Description)
	assert.Equal(t, Version{Major: 2, Minor: 1}, algo.Version)
	assert.Equal(t, []string{"algo.run"}, algo.Provides)
	require.Len(t, algo.Requires, 1)
	assert.Equal(t, "Core", algo.Requires[0].Name)
	assert.Len(t, algo.LibraryFiles(), 1)

	// sorted by name
	assert.Equal(t, "Algo", report.Descriptors[0].Name)
	assert.Equal(t, "Core", report.Descriptors[1].Name)
}

func TestDirSourceRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"no name", "version: 1.0\nfiles:\n  - name: a.lib\n    kind: library\n"},
		{"no files", "name: A\nversion: 1.0\n"},
		{"no library", "name: A\nfiles:\n  - name: a.dat\n    kind: data\n"},
		{"bad version", "name: A\nversion: one\nfiles:\n  - name: a.lib\n    kind: library\n"},
		{"bad dependency version", "name: A\nfiles:\n  - name: a.lib\n    kind: library\ndependencies:\n  - name: B\n    version: 1.x\n"},
		{"unknown kind", "name: A\nfiles:\n  - name: a.lib\n    kind: script\n"},
		{"not yaml", "name: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeModule(t, root, "bad", tt.manifest, "a.lib", "a.dat")

			report, err := NewDirSource(root).Discover()
			require.NoError(t, err)
			assert.Empty(t, report.Descriptors)
			require.Len(t, report.Errors, 1)

			var merr *ManifestError
			require.True(t, errors.As(report.Errors[0], &merr))
			assert.True(t, errors.Is(report.Errors[0], ErrInvalidManifest))
		})
	}
}

func TestDirSourceMissingFileDisables(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "partial", `
name: Partial
files:
  - name: partial.lib
    kind: library
  - name: missing.dat
    kind: data
`, "partial.lib")

	report, err := NewDirSource(root).Discover()
	require.NoError(t, err)
	require.Len(t, report.Descriptors, 1)

	d := report.Descriptors[0]
	assert.True(t, d.Disabled())
	assert.True(t, errors.Is(d.Reason, ErrMissingFile))
}

func TestDirSourceFileOutsideRootDisables(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "evil.lib"), []byte("x"), 0o644))

	writeModule(t, root, "escape", `
name: Escape
files:
  - name: `+filepath.Join(outside, "evil.lib")+`
    kind: library
`)

	report, err := NewDirSource(root).Discover()
	require.NoError(t, err)
	require.Len(t, report.Descriptors, 1)
	assert.True(t, report.Descriptors[0].Disabled())
}

func TestDirSourceMissingRoot(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).Discover()
	assert.Error(t, err)
}

func TestStaticSourceSkipsFileChecks(t *testing.T) {
	src := &StaticSource{Manifests: []Manifest{
		{Name: "B", Version: "1.0", Files: []ManifestFile{{Name: "b.lib", Kind: "library"}}},
		{Name: "A", Version: "1.0", Files: []ManifestFile{{Name: "a.lib", Kind: "library"}}},
		{Name: "", Files: []ManifestFile{{Name: "x.lib", Kind: "library"}}},
	}}

	report, err := src.Discover()
	require.NoError(t, err)
	require.Len(t, report.Descriptors, 2)
	assert.Equal(t, "A", report.Descriptors[0].Name)
	assert.Equal(t, StateDiscovered, report.Descriptors[0].State)
	assert.Len(t, report.Errors, 1)
}

func TestMultiSourceMerges(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "disk", "name: Disk\nfiles:\n  - name: d.lib\n    kind: library\n", "d.lib")

	multi := MultiSource{
		NewDirSource(root),
		&StaticSource{Manifests: []Manifest{{Name: "Builtin", Files: []ManifestFile{{Name: "b.lib", Kind: "library"}}}}},
		NewDirSource(filepath.Join(root, "missing")),
	}

	report, err := multi.Discover()
	require.NoError(t, err)
	require.Len(t, report.Descriptors, 2)
	assert.Equal(t, "Builtin", report.Descriptors[0].Name)
	assert.Equal(t, "Disk", report.Descriptors[1].Name)
	assert.Len(t, report.Errors, 1, "the unreadable root is reported, not fatal")
}
