// ============================================================================
// hive-exec Worker Core - message driven control loop
// ============================================================================
//
// Package: internal/worker
// File: core.go
// Purpose: Own the control queue, the active job map and the module pipeline,
//          and perform every job lifecycle transition
//
// Goroutines:
//   ┌──────────────────────────────────────────────────────────────┐
//   │ control loop     the only writer of `active` and module state│
//   │   for m := queue.Next(): handle(m)                           │
//   ├──────────────────────────────────────────────────────────────┤
//   │ heartbeat loop   ticker; login until accepted, then heartbeat│
//   │ communicator     one goroutine per call, completions -> Post │
//   │ executors        job code, FinishedJob / JobFailed -> Post   │
//   │ auxiliaries      abort wait, snapshot and result retrieval   │
//   └──────────────────────────────────────────────────────────────┘
//   Nothing but the control loop touches `active`. Everything else talks to
//   it by posting control messages.
//
// Lifecycle per job (see transitions in job.go):
//   Idle → Fetched → Loading → Running → {Finished, Aborted, Failed} → Reported
//
// Ordering rules:
//   - the report is handed to the communicator before the job leaves `active`
//   - the job leaves `active` before its context is destroyed
//   - a message for a missing job or a job past Running is a no-op
//   - a terminal job's snapshot file is deleted after its pending writes
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/control"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/metrics"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/sandbox"
	"github.com/ChuLiYu/hive-exec/internal/snapshot"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a worker
type Config struct {
	ID                string        // defaults to a random uuid
	Name              string        // defaults to the id
	Cores             int           // advertised at login, defaults to runtime.NumCPU()
	MemoryMB          int64         // advertised at login
	MaxJobs           int           // concurrent jobs, defaults to Cores
	HeartbeatInterval time.Duration // default 5s
	AbortTimeout      time.Duration // wait for an executor to acknowledge abort, default 5s

	Communicator communicator.Config

	// OnTransition, if set, is called on the control loop after every state change
	OnTransition func(id types.JobID, from, to types.JobState)
}

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultAbortTimeout      = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Cores <= 0 {
		c.Cores = runtime.NumCPU()
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = c.Cores
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = DefaultAbortTimeout
	}
}

// JobInfo is a read-only view of one active job
type JobInfo struct {
	ID       types.JobID
	Entry    string
	State    types.JobState
	Progress float64
}

// ============================================================================
// Core
// ============================================================================

// Core is the worker: one control loop plus its collaborators
type Core struct {
	config    Config
	queue     *control.Queue
	comm      *communicator.Communicator
	pipeline  *module.Pipeline
	snapshots *snapshot.Manager // optional
	metrics   *metrics.Collector
	logger    zerolog.Logger

	// control loop only
	active  map[types.JobID]*activeJob
	pulling int // PullJob calls in flight

	loggedIn      atomic.Bool
	loginInFlight atomic.Bool
	view          atomic.Pointer[[]jobView]

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// jobView is what the control loop publishes for other goroutines
type jobView struct {
	id    types.JobID
	entry string
	state types.JobState
	exec  *sandbox.Executor
}

// NewCore creates a worker talking to client. snapshots and collector may be nil.
func NewCore(config Config, client communicator.Client, pipeline *module.Pipeline, snapshots *snapshot.Manager, collector *metrics.Collector) *Core {
	config.applyDefaults()

	c := &Core{
		config:    config,
		queue:     control.NewQueue(),
		pipeline:  pipeline,
		snapshots: snapshots,
		metrics:   collector,
		logger:    log.WithWorkerID(config.ID).With().Str("component", "worker").Logger(),
		active:    make(map[types.JobID]*activeJob),
		stopCh:    make(chan struct{}),
	}
	c.comm = communicator.New(client, &adapter{sink: c.queue, logger: c.logger}, config.Communicator)
	empty := []jobView{}
	c.view.Store(&empty)
	return c
}

// ID returns the worker id
func (c *Core) ID() string {
	return c.config.ID
}

// Info is what the worker presents at login
func (c *Core) Info() types.WorkerInfo {
	return types.WorkerInfo{
		ID:       c.config.ID,
		Name:     c.config.Name,
		Cores:    c.config.Cores,
		MemoryMB: c.config.MemoryMB,
		MaxJobs:  c.config.MaxJobs,
	}
}

// Post delivers a control message to the loop, for example a locally issued abort
func (c *Core) Post(m control.Message) error {
	return c.queue.Post(m)
}

// Jobs returns the active jobs as of the last handled message
func (c *Core) Jobs() []JobInfo {
	views := *c.view.Load()
	infos := make([]JobInfo, 0, len(views))
	for _, v := range views {
		info := JobInfo{ID: v.id, Entry: v.entry, State: v.state}
		if v.exec != nil {
			info.Progress = v.exec.Progress()
		}
		infos = append(infos, info)
	}
	return infos
}

// LoggedIn reports whether the coordinator accepted the worker
func (c *Core) LoggedIn() bool {
	return c.loggedIn.Load()
}

// Start logs in and starts the control and heartbeat loops
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.login()

	c.loopWg.Add(2)
	go c.controlLoop(ctx)
	go c.heartbeatLoop()

	c.logger.Info().
		Str("name", c.config.Name).
		Int("max_jobs", c.config.MaxJobs).
		Dur("heartbeat_interval", c.config.HeartbeatInterval).
		Msg("Worker started")
	return nil
}

// Stop ends both loops, tears down every active context and waits for
// communicator calls in flight
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.cancel()
	c.loopWg.Wait()
	c.queue.Close()
	c.comm.Close()

	c.logger.Info().Msg("Worker stopped")
}

func (c *Core) login() {
	if c.loginInFlight.CompareAndSwap(false, true) {
		c.comm.LoginAsync(c.Info())
	}
}

// ============================================================================
// Control loop
// ============================================================================

func (c *Core) controlLoop(ctx context.Context) {
	defer c.loopWg.Done()
	defer c.teardown()

	for {
		m, err := c.queue.Next(ctx)
		if err != nil {
			return
		}
		c.handle(m)
	}
}

// handle performs one transition to completion. A panic is logged and the
// message counts as consumed.
func (c *Core) handle(m control.Message) {
	defer c.publish()
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordControlError()
			c.logger.Error().
				Str("job_id", string(m.JobID)).
				Str("message", m.Kind.String()).
				Interface("panic", r).
				Msg("Control message handler failed")
		}
	}()

	c.metrics.RecordControlMessage(m.Kind.String())

	switch m.Kind {
	case control.LoginCompleted:
		c.onLoginCompleted(m)
	case control.FetchJob:
		c.onFetchJob()
	case control.JobFetched:
		c.onJobFetched(m)
	case control.AbortJob:
		c.onAbortJob(m)
	case control.JobAborted:
		c.onJobAborted(m)
	case control.RequestSnapshot:
		c.onRequestSnapshot(m)
	case control.SnapshotReady:
		c.onSnapshotReady(m)
	case control.SnapshotCaptured:
		c.onSnapshotCaptured(m)
	case control.FinishedJob:
		c.onFinishedJob(m)
	case control.ResultReady:
		c.onResultReady(m)
	case control.JobFailed:
		c.onJobFailed(m)
	default:
		c.logger.Warn().Str("message", m.String()).Msg("Unknown control message")
	}
}

// publish copies the active map for the heartbeat loop and Jobs
func (c *Core) publish() {
	views := make([]jobView, 0, len(c.active))
	for id, aj := range c.active {
		views = append(views, jobView{id: id, entry: aj.job.Entry, state: aj.state, exec: aj.exec})
	}
	c.view.Store(&views)
	c.metrics.SetActiveJobs(len(views))
}

// teardown destroys whatever is still active when the loop exits
func (c *Core) teardown() {
	for id, aj := range c.active {
		delete(c.active, id)
		if aj.ctx != nil {
			aj.ctx.Destroy()
		}
		aj.logger.Info().Str("state", aj.state.String()).Msg("Job dropped on shutdown")
	}
	c.publish()
}

// lookup returns the job if it is in state want
func (c *Core) lookup(m control.Message, want types.JobState) (*activeJob, bool) {
	aj, ok := c.active[m.JobID]
	if !ok {
		c.logger.Debug().Str("job_id", string(m.JobID)).Str("message", m.Kind.String()).Msg("Message for unknown job ignored")
		return nil, false
	}
	if aj.state != want {
		aj.logger.Debug().Str("state", aj.state.String()).Str("message", m.Kind.String()).Msg("Message ignored in current state")
		return nil, false
	}
	return aj, true
}

func (c *Core) freeSlots() int {
	return c.config.MaxJobs - len(c.active) - c.pulling
}

// ============================================================================
// Handlers
// ============================================================================

func (c *Core) onLoginCompleted(m control.Message) {
	c.loginInFlight.Store(false)
	if m.Err != nil {
		c.loggedIn.Store(false)
		c.logger.Warn().Err(m.Err).Msg("Login failed")
		return
	}
	c.loggedIn.Store(true)
	c.logger.Info().Msg("Logged in")
	c.queue.Post(control.Fetch())
}

func (c *Core) onFetchJob() {
	if !c.loggedIn.Load() {
		c.logger.Debug().Msg("FetchJob ignored before login")
		return
	}
	if c.freeSlots() <= 0 {
		c.logger.Debug().Int("active", len(c.active)).Msg("FetchJob ignored, no free slot")
		return
	}
	c.pulling++
	c.comm.PullJobAsync(c.config.ID)
}

func (c *Core) onJobFetched(m control.Message) {
	if c.pulling > 0 {
		c.pulling--
	}
	if m.Err != nil {
		c.logger.Warn().Err(m.Err).Msg("PullJob failed")
		return
	}
	if m.Job == nil {
		c.logger.Debug().Msg("No job waiting")
		return
	}

	c.startJob(m.Job)
	if c.freeSlots() > 0 {
		c.queue.Post(control.Fetch())
	}
}

func (c *Core) onAbortJob(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}
	c.transition(aj, types.StateAborted)
	aj.exec.Abort()

	exec, id, timeout := aj.exec, aj.job.ID, c.config.AbortTimeout
	logger := aj.logger
	go func() {
		select {
		case <-exec.Done():
		case <-time.After(timeout):
			logger.Warn().Dur("timeout", timeout).Msg("Executor did not acknowledge abort, tearing down")
		}
		c.queue.Post(control.Aborted(id))
	}()
}

func (c *Core) onJobAborted(m control.Message) {
	aj, ok := c.lookup(m, types.StateAborted)
	if !ok {
		return
	}
	c.metrics.RecordJobAborted(time.Since(aj.startedAt).Seconds())
	c.report(aj, types.JobReport{Status: types.StatusAborted})
}

func (c *Core) onRequestSnapshot(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}
	aj.exec.RequestSnapshot()
	aj.logger.Debug().Msg("Snapshot requested")
}

func (c *Core) onSnapshotReady(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}

	exec, id, store, writes := aj.exec, aj.job.ID, c.snapshots, &aj.writes
	writes.Add(1)
	go func() {
		data, err := exec.GetSnapshot()
		if err == nil && store != nil {
			err = store.Write(id, exec.Progress(), data)
		}
		writes.Done()
		c.queue.Post(control.Message{Kind: control.SnapshotCaptured, JobID: id, Data: data, Err: err})
	}()
}

func (c *Core) onSnapshotCaptured(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}
	if m.Err != nil {
		aj.logger.Warn().Err(m.Err).Msg("Snapshot could not be captured")
		return
	}

	c.metrics.RecordSnapshot()
	c.comm.SendResultAsync(types.JobReport{
		WorkerID: c.config.ID,
		JobID:    aj.job.ID,
		Payload:  m.Data,
		Final:    false,
		Status:   types.StatusCalculating,
		Progress: aj.exec.Progress(),
	})
	aj.logger.Info().Int("bytes", len(m.Data)).Msg("Snapshot sent")
}

func (c *Core) onFinishedJob(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}
	c.transition(aj, types.StateFinished)

	exec, id := aj.exec, aj.job.ID
	go func() {
		data, err := exec.GetFinishedJob()
		c.queue.Post(control.Message{Kind: control.ResultReady, JobID: id, Data: data, Err: err})
	}()
}

func (c *Core) onResultReady(m control.Message) {
	aj, ok := c.lookup(m, types.StateFinished)
	if !ok {
		return
	}
	if m.Err != nil {
		c.fail(aj, m.Err)
		return
	}
	c.metrics.RecordJobFinished(time.Since(aj.startedAt).Seconds())
	c.report(aj, types.JobReport{Status: types.StatusFinished, Payload: m.Data})
}

func (c *Core) onJobFailed(m control.Message) {
	aj, ok := c.lookup(m, types.StateRunning)
	if !ok {
		return
	}
	err := m.Err
	if err == nil {
		err = errors.New("job failed without a reason")
	}
	c.fail(aj, err)
}
