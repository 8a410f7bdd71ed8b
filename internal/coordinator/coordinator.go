// ============================================================================
// hive-exec Coordinator
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Hand jobs to workers, collect their reports, requeue the jobs of
//          workers that stop sending heartbeats
//
// The coordinator implements communicator.Client directly, so an in-process
// worker talks to it without a transport. internal/rpc exposes the same
// methods over gRPC.
//
// Background loop:
//   liveness loop   every LivenessInterval: CheckLiveness(now), then requeue
//                   the calculating jobs of every worker that went offline
//
// Rejections (never retried by the worker):
//   - calls from a worker that is not logged in
//   - reports for a job that is not assigned to the reporting worker
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/metrics"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Config configures the coordinator
type Config struct {
	HeartbeatTimeout time.Duration // worker is lost after this much silence, default 15s
	LivenessInterval time.Duration // how often liveness is checked, default 5s
	MaxAttempts      int           // assignments per job before it fails, default 3
}

const (
	DefaultHeartbeatTimeout = 15 * time.Second
	DefaultLivenessInterval = 5 * time.Second
	DefaultMaxAttempts      = 3
)

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Status summarizes the coordinator for operators
type Status struct {
	Jobs    map[types.JobStatus]int `json:"jobs"`
	Workers []*types.Resource       `json:"workers"`
}

type pull struct {
	requestID string
	jobID     types.JobID
}

// Coordinator combines job bookkeeping and the resource registry
type Coordinator struct {
	config    Config
	jobs      *JobManager
	resources *ResourceRegistry
	store     Store
	metrics   *metrics.Collector
	logger    zerolog.Logger
	now       func() time.Time

	pullMu    sync.Mutex
	lastPulls map[string]pull

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

var _ communicator.Client = (*Coordinator)(nil)

// New restores the coordinator state from store. collector may be nil.
func New(config Config, store Store, collector *metrics.Collector) (*Coordinator, error) {
	config.applyDefaults()

	jobs, err := NewJobManager(store, config.MaxAttempts)
	if err != nil {
		return nil, err
	}
	resources, err := NewResourceRegistry(store, config.HeartbeatTimeout)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:    config,
		jobs:      jobs,
		resources: resources,
		store:     store,
		metrics:   collector,
		logger:    log.WithComponent("coordinator"),
		now:       time.Now,
		lastPulls: make(map[string]pull),
		stopCh:    make(chan struct{}),
	}
	c.updateStats()
	return c, nil
}

// Start starts the liveness loop
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.loopWg.Add(1)
	go c.livenessLoop()

	c.logger.Info().
		Dur("heartbeat_timeout", c.config.HeartbeatTimeout).
		Dur("liveness_interval", c.config.LivenessInterval).
		Msg("Coordinator started")
}

// Stop ends the liveness loop and closes the store
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if started {
		close(c.stopCh)
		c.loopWg.Wait()
	}
	c.logger.Info().Msg("Coordinator stopped")
	return c.store.Close()
}

// ============================================================================
// Worker surface (communicator.Client)
// ============================================================================

// Login registers or refreshes a worker. Jobs the coordinator still thinks
// are calculating on it are requeued, since a fresh login means the worker
// no longer runs them.
func (c *Coordinator) Login(_ context.Context, info types.WorkerInfo) error {
	res, err := c.resources.Login(info, c.now())
	if err != nil {
		if errors.Is(err, ErrInvalidWorker) {
			return communicator.Rejected(err)
		}
		return err
	}

	if requeued := c.jobs.RequeueWorker(info.ID, "worker logged in again"); len(requeued) > 0 {
		c.metrics.RecordRequeue(len(requeued))
		c.logger.Warn().Str("worker_id", info.ID).Int("jobs", len(requeued)).Msg("Requeued jobs of re-registered worker")
	}

	c.updateStats()
	c.logger.Info().
		Str("worker_id", res.ID).
		Str("name", res.Name).
		Int("cores", res.Cores).
		Int("max_jobs", res.MaxJobs).
		Msg("Worker logged in")
	return nil
}

// PullJob assigns the oldest waiting job. A retried request (same request id)
// receives the job assigned to the first attempt.
func (c *Coordinator) PullJob(_ context.Context, workerID, requestID string) (*types.Job, error) {
	if !c.resources.Online(workerID) {
		return nil, communicator.Rejected(fmt.Errorf("%w: %s", ErrUnknownWorker, workerID))
	}

	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	if last, ok := c.lastPulls[workerID]; ok && requestID != "" && last.requestID == requestID {
		job, err := c.jobs.Get(last.jobID)
		if err == nil && job.Status == types.StatusCalculating && job.WorkerID == workerID {
			return job, nil
		}
	}

	job, err := c.jobs.Assign(workerID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		delete(c.lastPulls, workerID)
		return nil, nil
	}

	c.lastPulls[workerID] = pull{requestID: requestID, jobID: job.ID}
	c.resources.Assigned(workerID)
	c.metrics.RecordAssign()
	c.updateStats()
	c.logger.Info().Str("job_id", string(job.ID)).Str("worker_id", workerID).Int("attempt", job.Attempt).Msg("Job assigned")
	return job, nil
}

// SendResult applies a snapshot or final report
func (c *Coordinator) SendResult(_ context.Context, r types.JobReport) error {
	if err := c.jobs.Report(r); err != nil {
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrNotAssigned) || errors.Is(err, ErrJobTerminal) {
			c.logger.Warn().Err(err).Str("job_id", string(r.JobID)).Str("worker_id", r.WorkerID).Msg("Report rejected")
			return communicator.Rejected(err)
		}
		return err
	}

	logger := c.logger.With().Str("job_id", string(r.JobID)).Str("worker_id", r.WorkerID).Logger()
	if !r.Final {
		logger.Debug().Float64("progress", r.Progress).Int("snapshot_bytes", len(r.Payload)).Msg("Snapshot stored")
		return nil
	}

	c.updateStats()
	event := logger.Info()
	if r.Status == types.StatusFailed {
		event = logger.Warn().Str("error_kind", string(r.ErrorKind)).Str("error", r.Error)
	}
	event.Str("status", string(r.Status)).Msg("Job completed")
	return nil
}

// Heartbeat extends the worker's lease and returns its pending actions,
// plus FetchJob when jobs are waiting and the worker has a free slot
func (c *Coordinator) Heartbeat(_ context.Context, hb types.Heartbeat) ([]types.Action, error) {
	free, err := c.resources.Heartbeat(hb, c.now())
	if err != nil {
		return nil, communicator.Rejected(fmt.Errorf("%w: %s", err, hb.WorkerID))
	}
	c.jobs.Progress(hb.WorkerID, hb.Progress)

	actions := c.jobs.TakeActions(hb.WorkerID)
	if free > 0 && c.jobs.Waiting() > 0 {
		actions = append(actions, types.Action{Kind: types.ActionFetchJob})
	}
	return actions, nil
}

// ============================================================================
// Operator surface
// ============================================================================

// Submit adds a job to the waiting queue
func (c *Coordinator) Submit(job types.Job) (types.JobID, error) {
	id, err := c.jobs.Submit(job)
	if err != nil {
		return "", err
	}
	c.metrics.RecordSubmit()
	c.updateStats()
	c.logger.Info().Str("job_id", string(id)).Str("entry", job.Entry).Msg("Job submitted")
	return id, nil
}

// Abort aborts a waiting job, or asks the worker of a calculating job to abort it
func (c *Coordinator) Abort(id types.JobID) error {
	if err := c.jobs.RequestAbort(id); err != nil {
		return err
	}
	c.updateStats()
	c.logger.Info().Str("job_id", string(id)).Msg("Abort requested")
	return nil
}

// RequestSnapshot asks the worker of a calculating job for a snapshot
func (c *Coordinator) RequestSnapshot(id types.JobID) error {
	if err := c.jobs.RequestSnapshot(id); err != nil {
		return err
	}
	c.logger.Info().Str("job_id", string(id)).Msg("Snapshot requested")
	return nil
}

// Job returns a copy of one job
func (c *Coordinator) Job(id types.JobID) (*types.Job, error) {
	return c.jobs.Get(id)
}

// Jobs returns copies of all jobs
func (c *Coordinator) Jobs() []*types.Job {
	return c.jobs.List()
}

// Status returns job counts and the known workers
func (c *Coordinator) Status() Status {
	return Status{Jobs: c.jobs.Stats(), Workers: c.resources.List()}
}

// ============================================================================
// Liveness
// ============================================================================

func (c *Coordinator) livenessLoop() {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.config.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckLiveness()
		case <-c.stopCh:
			return
		}
	}
}

// CheckLiveness marks silent workers offline and requeues their jobs
func (c *Coordinator) CheckLiveness() []string {
	lost := c.resources.CheckLiveness(c.now())
	for _, workerID := range lost {
		requeued := c.jobs.RequeueWorker(workerID, "worker heartbeat timed out")
		c.pullMu.Lock()
		delete(c.lastPulls, workerID)
		c.pullMu.Unlock()

		c.metrics.RecordRequeue(len(requeued))
		c.logger.Warn().
			Str("worker_id", workerID).
			Int("requeued", len(requeued)).
			Msg("Worker lost")
	}
	if len(lost) > 0 {
		c.updateStats()
	}
	return lost
}

func (c *Coordinator) updateStats() {
	c.metrics.UpdateJobStats(c.jobs.Stats())
	c.metrics.SetWorkersOnline(c.resources.OnlineCount())
}
