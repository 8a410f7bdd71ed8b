// ============================================================================
// hive-exec Coordinator - job bookkeeping
// ============================================================================
//
// Package: internal/coordinator
// File: job_manager.go
// Purpose: Track every submitted job from waiting to a terminal status
//
// Status transitions (coordinator view):
//   Waiting
//      ↓ Assign()
//   Calculating ── Report(final) ──→ Finished / Aborted / Failed
//      ↓ Requeue() when the worker is lost
//   Waiting (Attempt+1), or Failed once MaxAttempts is exceeded
//
//   Waiting ── RequestAbort() ──→ Aborted (no worker involved)
//
// Data structures:
//   jobs    map[JobID]*Job   single source of truth, Status field is authoritative
//   queue   []JobID          waiting jobs, FIFO
//   actions map[worker][]Action  push instructions delivered with the next heartbeat
//
// Every mutation is written through to the Store before the call returns.
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
	ErrNotAssigned  = errors.New("job not assigned to this worker")
	ErrJobTerminal  = errors.New("job already in a terminal status")
)

// JobManager owns the job records of the coordinator
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[types.JobID]*types.Job
	queue       []types.JobID
	actions     map[string][]types.Action
	store       Store
	maxAttempts int
}

// NewJobManager creates a manager and restores the jobs found in store.
// Jobs that were calculating when the coordinator went down are requeued.
func NewJobManager(store Store, maxAttempts int) (*JobManager, error) {
	jm := &JobManager{
		jobs:        make(map[types.JobID]*types.Job),
		queue:       make([]types.JobID, 0),
		actions:     make(map[string][]types.Action),
		store:       store,
		maxAttempts: maxAttempts,
	}

	saved, err := store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("restore jobs: %w", err)
	}
	for _, job := range saved {
		jm.jobs[job.ID] = job
		if job.Status == types.StatusCalculating {
			job.Status = types.StatusWaiting
			job.WorkerID = ""
			if err := store.SaveJob(job); err != nil {
				return nil, fmt.Errorf("restore job %s: %w", job.ID, err)
			}
		}
		if job.Status == types.StatusWaiting {
			jm.queue = append(jm.queue, job.ID)
		}
	}
	return jm, nil
}

// Submit adds a new waiting job and returns its id; an empty id gets a uuid
func (jm *JobManager) Submit(job types.Job) (types.JobID, error) {
	if job.Entry == "" {
		return "", errors.New("job has no entry")
	}
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return "", ErrDuplicateJob
	}

	now := time.Now().UnixMilli()
	job.Status = types.StatusWaiting
	job.WorkerID = ""
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := jm.store.SaveJob(&job); err != nil {
		return "", fmt.Errorf("save job: %w", err)
	}
	jm.jobs[job.ID] = &job
	jm.queue = append(jm.queue, job.ID)
	return job.ID, nil
}

// Assign hands the oldest waiting job to workerID and returns a copy of it,
// or nil when nothing is waiting
func (jm *JobManager) Assign(workerID string) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]

		job, ok := jm.jobs[id]
		if !ok || job.Status != types.StatusWaiting {
			continue
		}

		job.Status = types.StatusCalculating
		job.WorkerID = workerID
		job.Attempt++
		job.UpdatedAt = time.Now().UnixMilli()
		if err := jm.store.SaveJob(job); err != nil {
			// put it back, the caller may retry
			job.Status = types.StatusWaiting
			job.WorkerID = ""
			job.Attempt--
			jm.queue = append([]types.JobID{id}, jm.queue...)
			return nil, fmt.Errorf("save job: %w", err)
		}

		assigned := *job
		return &assigned, nil
	}
	return nil, nil
}

// Report applies a worker report. Non-final reports update progress and the
// latest snapshot; final reports move the job to its terminal status.
func (jm *JobManager) Report(r types.JobReport) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[r.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	if job.Status != types.StatusCalculating || job.WorkerID != r.WorkerID {
		return ErrNotAssigned
	}

	job.Progress = r.Progress
	job.UpdatedAt = time.Now().UnixMilli()

	if !r.Final {
		if r.Payload != nil {
			job.Snapshot = r.Payload
		}
		return jm.store.SaveJob(job)
	}

	switch r.Status {
	case types.StatusFinished:
		job.Result = r.Payload
		job.Progress = 100
	case types.StatusAborted:
	case types.StatusFailed:
		job.Error = r.Error
		job.ErrorKind = r.ErrorKind
	default:
		return fmt.Errorf("final report with non-terminal status %q", r.Status)
	}
	job.Status = r.Status
	jm.dropActions(job.WorkerID, job.ID)
	return jm.store.SaveJob(job)
}

// Progress updates the progress of calculating jobs owned by workerID
func (jm *JobManager) Progress(workerID string, progress map[types.JobID]float64) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for id, p := range progress {
		job, ok := jm.jobs[id]
		if !ok || job.Status != types.StatusCalculating || job.WorkerID != workerID {
			continue
		}
		job.Progress = p
	}
}

// Requeue puts a calculating job back in the waiting queue. A job that has
// used up its attempts fails instead. It returns true if the job waits again.
func (jm *JobManager) Requeue(id types.JobID, reason string) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.requeue(id, reason)
}

// RequeueWorker requeues every job calculating on workerID
func (jm *JobManager) RequeueWorker(workerID, reason string) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var requeued []types.JobID
	for id, job := range jm.jobs {
		if job.Status != types.StatusCalculating || job.WorkerID != workerID {
			continue
		}
		if ok, err := jm.requeue(id, reason); err == nil && ok {
			requeued = append(requeued, id)
		}
	}
	delete(jm.actions, workerID)
	return requeued
}

func (jm *JobManager) requeue(id types.JobID, reason string) (bool, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Status != types.StatusCalculating {
		return false, ErrNotAssigned
	}

	jm.dropActions(job.WorkerID, id)
	job.WorkerID = ""
	job.UpdatedAt = time.Now().UnixMilli()

	if jm.maxAttempts > 0 && job.Attempt >= jm.maxAttempts {
		job.Status = types.StatusFailed
		job.ErrorKind = types.ErrorCommunication
		job.Error = fmt.Sprintf("gave up after %d attempt(s): %s", job.Attempt, reason)
		return false, jm.store.SaveJob(job)
	}

	job.Status = types.StatusWaiting
	job.Progress = 0
	jm.queue = append(jm.queue, id)
	return true, jm.store.SaveJob(job)
}

// RequestAbort aborts a waiting job at once; a calculating job gets an
// AbortJob action for its worker
func (jm *JobManager) RequestAbort(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	switch job.Status {
	case types.StatusWaiting:
		job.Status = types.StatusAborted
		job.UpdatedAt = time.Now().UnixMilli()
		return jm.store.SaveJob(job)
	case types.StatusCalculating:
		jm.push(job.WorkerID, types.Action{Kind: types.ActionAbortJob, JobID: id})
		return nil
	default:
		return ErrJobTerminal
	}
}

// RequestSnapshot asks the worker of a calculating job for a snapshot
func (jm *JobManager) RequestSnapshot(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusCalculating {
		return ErrNotAssigned
	}
	jm.push(job.WorkerID, types.Action{Kind: types.ActionRequestSnapshot, JobID: id})
	return nil
}

// TakeActions returns and clears the pending actions of workerID
func (jm *JobManager) TakeActions(workerID string) []types.Action {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	actions := jm.actions[workerID]
	delete(jm.actions, workerID)
	return actions
}

func (jm *JobManager) push(workerID string, a types.Action) {
	for _, existing := range jm.actions[workerID] {
		if existing == a {
			return
		}
	}
	jm.actions[workerID] = append(jm.actions[workerID], a)
}

func (jm *JobManager) dropActions(workerID string, id types.JobID) {
	pending := jm.actions[workerID]
	kept := pending[:0]
	for _, a := range pending {
		if a.JobID != id {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		delete(jm.actions, workerID)
		return
	}
	jm.actions[workerID] = kept
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of the job
func (jm *JobManager) Get(id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns copies of all jobs, oldest first
func (jm *JobManager) List() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sortJobs(out)
	return out
}

// Waiting returns the number of waiting jobs
func (jm *JobManager) Waiting() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	n := 0
	for _, id := range jm.queue {
		if job, ok := jm.jobs[id]; ok && job.Status == types.StatusWaiting {
			n++
		}
	}
	return n
}

// Stats counts jobs per status
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusWaiting:     0,
		types.StatusCalculating: 0,
		types.StatusFinished:    0,
		types.StatusAborted:     0,
		types.StatusFailed:      0,
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

func sortJobs(jobs []*types.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt != jobs[k].CreatedAt {
			return jobs[i].CreatedAt < jobs[k].CreatedAt
		}
		return jobs[i].ID < jobs[k].ID
	})
}
