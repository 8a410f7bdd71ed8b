// Package types defines the core domain model shared by the coordinator and the workers
package types

import (
	"fmt"
	"time"
)

// JobID is the opaque unique identifier of a job
type JobID string

// JobStatus is the coordinator's view of a job
type JobStatus string

const (
	StatusWaiting     JobStatus = "waiting"     // submitted, not yet assigned to a worker
	StatusCalculating JobStatus = "calculating" // assigned to a worker and running there
	StatusFinished    JobStatus = "finished"    // final result reported
	StatusAborted     JobStatus = "aborted"     // aborted on request, acknowledged by the worker
	StatusFailed      JobStatus = "failed"      // load error or execution fault reported
)

// Terminal reports whether no further transitions are expected for the status
func (s JobStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAborted || s == StatusFailed
}

// JobState is the worker-local lifecycle state of a job
type JobState int

const (
	StateIdle JobState = iota
	StateFetched
	StateLoading
	StateRunning
	StateFinished
	StateAborted
	StateFailed
	StateReported
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetched:
		return "fetched"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	case StateReported:
		return "reported"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Terminal reports whether the job has left the running part of its lifecycle
func (s JobState) Terminal() bool {
	return s >= StateFinished
}

// ErrorKind classifies a failure so operators can tell load problems from job faults
type ErrorKind string

const (
	ErrorNone             ErrorKind = ""
	ErrorModuleResolution ErrorKind = "module_resolution"
	ErrorJobLoad          ErrorKind = "job_load"
	ErrorExecutionFault   ErrorKind = "execution_fault"
	ErrorCommunication    ErrorKind = "communication"
)

// ModuleRef names a code module and the minimum version a job needs
type ModuleRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (r ModuleRef) String() string {
	return r.Name + " v" + r.Version
}

// Job is one unit of submitted optimization work
type Job struct {
	// Identity and payload
	ID      JobID       `json:"id"`
	Payload []byte      `json:"payload"`           // opaque, interpreted by the loaded modules
	Entry   string      `json:"entry"`             // capability name of the job kind
	Modules []ModuleRef `json:"modules,omitempty"` // modules the payload needs

	// Progress and assignment
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`            // percentage complete, 0..100
	WorkerID string    `json:"worker_id,omitempty"` // empty while unassigned
	Attempt  int       `json:"attempt"`

	// Outcome
	Result    []byte    `json:"result,omitempty"`
	Snapshot  []byte    `json:"snapshot,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	CreatedAt int64 `json:"created_at"` // Unix ms
	UpdatedAt int64 `json:"updated_at"` // Unix ms
}

// Resource is a worker known to the coordinator
type Resource struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Cores         int    `json:"cores"`
	MemoryMB      int64  `json:"memory_mb"`
	MaxJobs       int    `json:"max_jobs"`
	JobCount      int    `json:"job_count"`
	LastHeartbeat int64  `json:"last_heartbeat"` // Unix ms
	LoginAt       int64  `json:"login_at"`       // Unix ms
	Online        bool   `json:"online"`
}

// HeartbeatAge returns how long ago the resource was last heard from
func (r *Resource) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.LastHeartbeat))
}

// WorkerInfo is what a worker presents at login
type WorkerInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Cores    int    `json:"cores"`
	MemoryMB int64  `json:"memory_mb"`
	MaxJobs  int    `json:"max_jobs"`
}

// JobReport is sent by a worker for a running or terminal job
type JobReport struct {
	WorkerID  string    `json:"worker_id"`
	JobID     JobID     `json:"job_id"`
	Payload   []byte    `json:"payload,omitempty"`
	Final     bool      `json:"final"`
	Status    JobStatus `json:"status"` // calculating for snapshots, terminal otherwise
	Progress  float64   `json:"progress"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ActionKind is a coordinator push instruction delivered with heartbeat responses
type ActionKind string

const (
	ActionFetchJob        ActionKind = "fetch_job"
	ActionAbortJob        ActionKind = "abort_job"
	ActionRequestSnapshot ActionKind = "request_snapshot"
)

// Action is one coordinator push instruction
type Action struct {
	Kind  ActionKind `json:"kind"`
	JobID JobID      `json:"job_id,omitempty"`
}

// Heartbeat is the periodic liveness signal of a worker
type Heartbeat struct {
	WorkerID   string            `json:"worker_id"`
	ActiveJobs []JobID           `json:"active_jobs"`
	Progress   map[JobID]float64 `json:"progress,omitempty"`
	FreeSlots  int               `json:"free_slots"`
	Timestamp  int64             `json:"timestamp"` // Unix ms
}
