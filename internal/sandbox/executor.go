package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/control"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// Executor drives one job inside a Context. Job code runs on its own
// goroutine; its outcome is reported by posting FinishedJob or JobFailed to
// the sink, never by returning into the caller.
type Executor struct {
	jobID   types.JobID
	factory module.JobFactory
	sink    control.Sink
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                sync.Mutex
	started           bool
	aborted           bool
	progress          float64
	snapshotRequested bool
	snapshot          []byte
	snapshotErr       error
	result            []byte
	finished          bool
	fault             error
}

func newExecutor(jobID types.JobID, factory module.JobFactory, sink control.Sink, logger zerolog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		jobID:   jobID,
		factory: factory,
		sink:    sink,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start binds payload to job code and runs it in the background. An error
// means the payload could not be bound; the job never ran.
func (e *Executor) Start(payload []byte) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	var runnable module.Runnable
	err := guard(e.jobID, func() error {
		r, err := e.factory(payload)
		runnable = r
		return err
	})
	if err == nil && runnable == nil {
		err = errors.New("job factory returned no runnable")
	}
	if err != nil {
		close(e.done)
		return fmt.Errorf("bind payload: %w", err)
	}

	go e.run(runnable)
	return nil
}

func (e *Executor) run(runnable module.Runnable) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			fault := &FaultError{JobID: e.jobID, Err: fmt.Errorf("%v", r), Panic: true, Stack: debug.Stack()}
			e.fail(fault)
		}
	}()

	result, err := runnable.Run(e.ctx, e)
	if err != nil {
		if e.Aborted() {
			// cancellation after Abort is the expected way out
			e.logger.Debug().Err(err).Msg("Job stopped after abort")
			return
		}
		e.fail(&FaultError{JobID: e.jobID, Err: err})
		return
	}

	e.mu.Lock()
	e.result = result
	e.finished = true
	e.progress = 100
	e.mu.Unlock()

	e.post(control.Finished(e.jobID))
}

func (e *Executor) fail(fault *FaultError) {
	e.mu.Lock()
	e.fault = fault
	e.mu.Unlock()
	e.logger.Warn().Err(fault).Msg("Job faulted")
	e.post(control.Failed(e.jobID, fault))
}

func (e *Executor) post(m control.Message) {
	if err := e.sink.Post(m); err != nil {
		e.logger.Debug().Err(err).Str("message", m.String()).Msg("Control message dropped")
	}
}

// Abort signals cooperative cancellation. Job code observes it through the
// context passed to Run.
func (e *Executor) Abort() {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()
	e.cancel()
}

// Aborted reports whether Abort was called
func (e *Executor) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// RequestSnapshot asks the job to capture its state at its next checkpoint.
// SnapshotReady is posted once it did.
func (e *Executor) RequestSnapshot() {
	e.mu.Lock()
	e.snapshotRequested = true
	e.mu.Unlock()
}

// GetSnapshot returns the latest captured snapshot
func (e *Executor) GetSnapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snapshotErr != nil {
		return nil, e.snapshotErr
	}
	if e.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), e.snapshot...), nil
}

// GetFinishedJob waits for job code to return and yields the finished job.
// It is meant for an auxiliary goroutine, never the control loop.
func (e *Executor) GetFinishedJob() ([]byte, error) {
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finished {
		if e.fault != nil {
			return nil, e.fault
		}
		return nil, ErrNotFinished
	}
	return append([]byte(nil), e.result...), nil
}

// Done is closed once job code returned or the payload failed to bind
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Progress returns the last reported percentage
func (e *Executor) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// ============================================================================
// module.Environment
// ============================================================================

// SetProgress records percentage complete, clamped to 0..100
func (e *Executor) SetProgress(percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e.mu.Lock()
	e.progress = percent
	e.mu.Unlock()
}

// Checkpoint captures state when a snapshot is pending
func (e *Executor) Checkpoint(state func() ([]byte, error)) {
	e.mu.Lock()
	if !e.snapshotRequested {
		e.mu.Unlock()
		return
	}
	e.snapshotRequested = false
	e.mu.Unlock()

	data, err := state()

	e.mu.Lock()
	if err != nil {
		e.snapshotErr = &FaultError{JobID: e.jobID, Err: fmt.Errorf("snapshot: %w", err)}
	} else {
		e.snapshot = data
		e.snapshotErr = nil
	}
	e.mu.Unlock()

	e.post(control.SnapshotTaken(e.jobID))
}
