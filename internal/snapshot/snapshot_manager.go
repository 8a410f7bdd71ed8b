package snapshot

// ============================================================================
// Responsibilities:
// 1. Persist the latest intermediate snapshot of every running job
// 2. Atomic writes (temp file + rename) so a crash never leaves a torn file
// 3. Validate the schema version on load
// 4. One file per job: <dir>/<job id>.snapshot.json
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
	ErrInvalidJobID        = errors.New("job id cannot be used as a file name")
)

const (
	schemaVersion = 1
	fileSuffix    = ".snapshot.json"
)

// ============================================================================
// Data structures
// ============================================================================

// Record is one persisted job snapshot
type Record struct {
	JobID     types.JobID `json:"job_id"`
	SchemaVer int         `json:"schema_ver"`
	Progress  float64     `json:"progress"`
	TakenAt   int64       `json:"taken_at"` // Unix ms
	Data      []byte      `json:"data"`
}

// Manager stores job snapshots below a directory
type Manager struct {
	dir string
	mu  sync.Mutex // serializes file operations
}

// ============================================================================
// Core methods
// ============================================================================

// NewManager creates a manager; the directory is created on first write
func NewManager(dir string) *Manager {
	return &Manager{
		dir: dir,
	}
}

// Write atomically replaces the snapshot of a job
//
// Steps:
// 1. write <file>.tmp
// 2. os.Rename over the real file
func (m *Manager) Write(jobID types.JobID, progress float64, data []byte) error {
	path, err := m.path(jobID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := Record{
		JobID:     jobID,
		SchemaVer: schemaVersion,
		Progress:  progress,
		TakenAt:   time.Now().UnixMilli(),
		Data:      data,
	}

	// indented for easier manual inspection
	jsonBytes, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load returns the latest snapshot of a job
func (m *Manager) Load(jobID types.JobID) (Record, error) {
	path, err := m.path(jobID)
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var record Record
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record, fmt.Errorf("%w: %s", ErrSnapshotNotFound, jobID)
		}
		return record, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &record); err != nil {
		return record, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if record.SchemaVer != schemaVersion {
		return record, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, record.SchemaVer, schemaVersion)
	}

	return record, nil
}

// Delete removes the snapshot of a job; a missing file is not an error
func (m *Manager) Delete(jobID types.JobID) error {
	path, err := m.path(jobID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List returns the ids of all jobs with a stored snapshot, sorted
func (m *Manager) List() ([]types.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var ids []types.JobID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, types.JobID(strings.TrimSuffix(name, fileSuffix)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Exists reports whether a job has a stored snapshot
func (m *Manager) Exists(jobID types.JobID) bool {
	path, err := m.path(jobID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// GetDir returns the snapshot directory (tests and debugging)
func (m *Manager) GetDir() string {
	return m.dir
}

func (m *Manager) path(jobID types.JobID) (string, error) {
	id := string(jobID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return filepath.Join(m.dir, id+fileSuffix), nil
}
