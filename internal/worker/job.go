package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/control"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/sandbox"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// activeJob binds a job to its context and executor; owned by the control loop
type activeJob struct {
	job       *types.Job
	state     types.JobState
	ctx       *sandbox.Context
	exec      *sandbox.Executor
	startedAt time.Time
	logger    zerolog.Logger

	writes sync.WaitGroup // snapshot writes in flight
}

// transitions lists the allowed successors of each state
var transitions = map[types.JobState][]types.JobState{
	types.StateIdle:     {types.StateFetched},
	types.StateFetched:  {types.StateLoading},
	types.StateLoading:  {types.StateRunning, types.StateFailed},
	types.StateRunning:  {types.StateFinished, types.StateAborted, types.StateFailed},
	types.StateFinished: {types.StateReported, types.StateFailed},
	types.StateAborted:  {types.StateReported},
	types.StateFailed:   {types.StateReported},
}

func allowed(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves aj to state to; a disallowed transition is logged and ignored
func (c *Core) transition(aj *activeJob, to types.JobState) bool {
	from := aj.state
	if !allowed(from, to) {
		aj.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Transition ignored")
		return false
	}
	aj.state = to
	aj.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Job transition")
	if c.config.OnTransition != nil {
		c.config.OnTransition(aj.job.ID, from, to)
	}
	return true
}

// startJob takes a pulled job from Idle to Running, or to Failed when its
// modules or its code cannot be loaded. No context is created before the
// modules are resolved and loaded.
func (c *Core) startJob(job *types.Job) {
	if _, exists := c.active[job.ID]; exists {
		c.logger.Warn().Str("job_id", string(job.ID)).Msg("Job already active, duplicate ignored")
		return
	}

	aj := &activeJob{
		job:    job,
		state:  types.StateIdle,
		logger: log.WithJobID(string(job.ID)).With().Str("worker_id", c.config.ID).Logger(),
	}
	c.active[job.ID] = aj
	c.transition(aj, types.StateFetched)
	c.transition(aj, types.StateLoading)

	order, err := c.pipeline.Require(job.Modules)
	if err != nil {
		if errors.Is(err, module.ErrNotAvailable) {
			err = &JobLoadError{JobID: job.ID, Entry: job.Entry, Err: err}
		}
		c.fail(aj, err)
		return
	}

	sctx, err := sandbox.Create(job.ID, order, c.pipeline.Registry(), c.queue)
	if err != nil {
		c.fail(aj, &JobLoadError{JobID: job.ID, Entry: job.Entry, Err: err})
		return
	}
	aj.ctx = sctx

	exec, err := sctx.Instantiate(job.Entry)
	if err != nil {
		c.fail(aj, &JobLoadError{JobID: job.ID, Entry: job.Entry, Err: err})
		return
	}
	aj.exec = exec

	if err := exec.Start(job.Payload); err != nil {
		c.fail(aj, &JobLoadError{JobID: job.ID, Entry: job.Entry, Err: err})
		return
	}

	aj.startedAt = time.Now()
	c.transition(aj, types.StateRunning)
	c.metrics.RecordJobStarted()
	aj.logger.Info().
		Str("entry", job.Entry).
		Int("modules", len(order)).
		Msg("Job started")
}

// fail moves aj to Failed and reports the classified error
func (c *Core) fail(aj *activeJob, err error) {
	kind := classify(err)
	c.transition(aj, types.StateFailed)
	c.metrics.RecordJobFailed(kind)
	aj.logger.Warn().Err(err).Str("error_kind", string(kind)).Msg("Job failed")

	c.report(aj, types.JobReport{
		Status:    types.StatusFailed,
		ErrorKind: kind,
		Error:     err.Error(),
	})
}

// report sends the final report of a terminal job, then removes it from the
// active map, then destroys its context, in this order.
func (c *Core) report(aj *activeJob, r types.JobReport) {
	r.WorkerID = c.config.ID
	r.JobID = aj.job.ID
	r.Final = true
	if aj.exec != nil {
		r.Progress = aj.exec.Progress()
	}

	c.comm.SendResultAsync(r)
	c.transition(aj, types.StateReported)

	delete(c.active, aj.job.ID)
	if aj.ctx != nil {
		aj.ctx.Destroy()
	}

	if store := c.snapshots; store != nil {
		id, logger, writes := aj.job.ID, aj.logger, &aj.writes
		go func() {
			writes.Wait()
			if err := store.Delete(id); err != nil {
				logger.Warn().Err(err).Msg("Snapshot cleanup failed")
			}
		}()
	}

	aj.logger.Info().Str("status", string(r.Status)).Msg("Job reported")
	if c.loggedIn.Load() {
		c.queue.Post(control.Fetch())
	}
}
