package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()
	jm, err := NewJobManager(NewMemoryStore(), 3)
	require.NoError(t, err)
	return jm
}

func newTestJob(id string) types.Job {
	return types.Job{ID: types.JobID(id), Entry: "echo", Payload: []byte(id)}
}

func assertJobStatus(t *testing.T, jm *JobManager, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, err := jm.Get(id)
	require.NoError(t, err)
	assert.Equal(t, want, job.Status, "job %s", id)
}

// failingStore fails every write
type failingStore struct{ *MemoryStore }

func (failingStore) SaveJob(*types.Job) error { return errors.New("disk full") }

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := newTestJobManager(t)

	assert.Equal(t, map[types.JobStatus]int{
		types.StatusWaiting:     0,
		types.StatusCalculating: 0,
		types.StatusFinished:    0,
		types.StatusAborted:     0,
		types.StatusFailed:      0,
	}, jm.Stats())
	assert.Empty(t, jm.List())
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		job     types.Job
		wantErr error
	}{
		{
			name:  "single job",
			setup: func(*JobManager) {},
			job:   newTestJob("task-001"),
		},
		{
			name:  "second job",
			setup: func(jm *JobManager) { jm.Submit(newTestJob("task-001")) },
			job:   newTestJob("task-002"),
		},
		{
			name:    "duplicate id",
			setup:   func(jm *JobManager) { jm.Submit(newTestJob("task-001")) },
			job:     newTestJob("task-001"),
			wantErr: ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager(t)
			tt.setup(jm)

			id, err := jm.Submit(tt.job)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.job.ID, id)
			assertJobStatus(t, jm, id, types.StatusWaiting)
		})
	}
}

func TestSubmitGeneratesID(t *testing.T) {
	jm := newTestJobManager(t)

	a, err := jm.Submit(types.Job{Entry: "echo"})
	require.NoError(t, err)
	b, err := jm.Submit(types.Job{Entry: "echo"})
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestSubmitRequiresEntry(t *testing.T) {
	jm := newTestJobManager(t)
	_, err := jm.Submit(types.Job{ID: "x"})
	assert.Error(t, err)
}

func TestAssignFIFO(t *testing.T) {
	jm := newTestJobManager(t)
	for i := 1; i <= 3; i++ {
		_, err := jm.Submit(newTestJob(fmt.Sprintf("task-%03d", i)))
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		job, err := jm.Assign("w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, types.JobID(fmt.Sprintf("task-%03d", i)), job.ID)
		assert.Equal(t, types.StatusCalculating, job.Status)
		assert.Equal(t, "w1", job.WorkerID)
		assert.Equal(t, 1, job.Attempt)
	}

	job, err := jm.Assign("w1")
	assert.NoError(t, err)
	assert.Nil(t, job, "nothing waiting")
}

func TestAssignReturnsCopy(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))

	job, _ := jm.Assign("w1")
	job.Status = types.StatusFinished

	assertJobStatus(t, jm, "task-001", types.StatusCalculating)
}

func TestAssignStoreFailureKeepsJobWaiting(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.store = failingStore{NewMemoryStore()}

	job, err := jm.Assign("w1")
	assert.Error(t, err)
	assert.Nil(t, job)
	assertJobStatus(t, jm, "task-001", types.StatusWaiting)
	assert.Equal(t, 1, jm.Waiting())
}

func TestReport(t *testing.T) {
	tests := []struct {
		name       string
		report     types.JobReport
		wantErr    error
		wantStatus types.JobStatus
	}{
		{
			name:       "finished",
			report:     types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusFinished, Payload: []byte("ok")},
			wantStatus: types.StatusFinished,
		},
		{
			name:       "aborted",
			report:     types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusAborted},
			wantStatus: types.StatusAborted,
		},
		{
			name: "failed",
			report: types.JobReport{
				WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusFailed,
				ErrorKind: types.ErrorModuleResolution, Error: "module Bar disabled",
			},
			wantStatus: types.StatusFailed,
		},
		{
			name:       "snapshot",
			report:     types.JobReport{WorkerID: "w1", JobID: "task-001", Status: types.StatusCalculating, Progress: 40, Payload: []byte("snap")},
			wantStatus: types.StatusCalculating,
		},
		{
			name:       "wrong worker",
			report:     types.JobReport{WorkerID: "w2", JobID: "task-001", Final: true, Status: types.StatusFinished},
			wantErr:    ErrNotAssigned,
			wantStatus: types.StatusCalculating,
		},
		{
			name:       "unknown job",
			report:     types.JobReport{WorkerID: "w1", JobID: "nope", Final: true, Status: types.StatusFinished},
			wantErr:    ErrJobNotFound,
			wantStatus: types.StatusCalculating,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager(t)
			jm.Submit(newTestJob("task-001"))
			jm.Assign("w1")

			err := jm.Report(tt.report)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assertJobStatus(t, jm, "task-001", tt.wantStatus)
		})
	}
}

func TestReportRecordsOutcome(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.Submit(newTestJob("task-002"))
	jm.Assign("w1")
	jm.Assign("w1")

	require.NoError(t, jm.Report(types.JobReport{WorkerID: "w1", JobID: "task-001", Status: types.StatusCalculating, Progress: 40, Payload: []byte("snap")}))
	job, _ := jm.Get("task-001")
	assert.Equal(t, 40.0, job.Progress)
	assert.Equal(t, []byte("snap"), job.Snapshot)

	require.NoError(t, jm.Report(types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusFinished, Payload: []byte("best=0.1")}))
	job, _ = jm.Get("task-001")
	assert.Equal(t, []byte("best=0.1"), job.Result)
	assert.Equal(t, 100.0, job.Progress)

	require.NoError(t, jm.Report(types.JobReport{
		WorkerID: "w1", JobID: "task-002", Final: true, Status: types.StatusFailed,
		ErrorKind: types.ErrorExecutionFault, Error: "panic: boom",
	}))
	job, _ = jm.Get("task-002")
	assert.Equal(t, types.ErrorExecutionFault, job.ErrorKind)
	assert.Equal(t, "panic: boom", job.Error)

	err := jm.Report(types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusAborted})
	assert.ErrorIs(t, err, ErrJobTerminal, "terminal status is final")
}

func TestReportRejectsNonTerminalFinalStatus(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.Assign("w1")

	err := jm.Report(types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusWaiting})
	assert.Error(t, err)
	assertJobStatus(t, jm, "task-001", types.StatusCalculating)
}

func TestRequeue(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.Assign("w1")

	ok, err := jm.Requeue("task-001", "test")
	require.NoError(t, err)
	assert.True(t, ok)
	assertJobStatus(t, jm, "task-001", types.StatusWaiting)

	job, _ := jm.Assign("w2")
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "w2", job.WorkerID)

	_, err = jm.Requeue("missing", "test")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRequeueGivesUpAfterMaxAttempts(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := jm.Assign("w1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		ok, err := jm.Requeue(job.ID, "worker lost")
		require.NoError(t, err)
		assert.Equal(t, attempt < 3, ok)
	}

	job, _ := jm.Get("task-001")
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.ErrorCommunication, job.ErrorKind)
	assert.Contains(t, job.Error, "worker lost")
	assert.Equal(t, 0, jm.Waiting())
}

func TestRequeueWorker(t *testing.T) {
	jm := newTestJobManager(t)
	for _, id := range []string{"a", "b", "c"} {
		jm.Submit(newTestJob(id))
	}
	jm.Assign("w1")
	jm.Assign("w2")
	jm.Assign("w1")
	require.NoError(t, jm.RequestSnapshot("a"))

	requeued := jm.RequeueWorker("w1", "lost")
	assert.ElementsMatch(t, []types.JobID{"a", "c"}, requeued)
	assertJobStatus(t, jm, "b", types.StatusCalculating)
	assert.Empty(t, jm.TakeActions("w1"), "pending actions of a lost worker are dropped")
	assert.Equal(t, 2, jm.Waiting())
}

func TestRequestAbort(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("waiting"))
	jm.Submit(newTestJob("running"))
	jm.queue = []types.JobID{"running", "waiting"}
	jm.Assign("w1")

	require.NoError(t, jm.RequestAbort("waiting"))
	assertJobStatus(t, jm, "waiting", types.StatusAborted)

	require.NoError(t, jm.RequestAbort("running"))
	require.NoError(t, jm.RequestAbort("running"))
	assertJobStatus(t, jm, "running", types.StatusCalculating)
	assert.Equal(t, []types.Action{{Kind: types.ActionAbortJob, JobID: "running"}}, jm.TakeActions("w1"), "queued once")
	assert.Empty(t, jm.TakeActions("w1"))

	assert.ErrorIs(t, jm.RequestAbort("waiting"), ErrJobTerminal)
	assert.ErrorIs(t, jm.RequestAbort("missing"), ErrJobNotFound)

	job, err := jm.Assign("w1")
	assert.NoError(t, err)
	assert.Nil(t, job, "an aborted waiting job is never assigned")
}

func TestRequestSnapshot(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))

	assert.ErrorIs(t, jm.RequestSnapshot("task-001"), ErrNotAssigned)

	jm.Assign("w1")
	require.NoError(t, jm.RequestSnapshot("task-001"))
	assert.Equal(t, []types.Action{{Kind: types.ActionRequestSnapshot, JobID: "task-001"}}, jm.TakeActions("w1"))
}

func TestFinalReportDropsPendingActions(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.Assign("w1")
	jm.RequestSnapshot("task-001")

	require.NoError(t, jm.Report(types.JobReport{WorkerID: "w1", JobID: "task-001", Final: true, Status: types.StatusFinished}))
	assert.Empty(t, jm.TakeActions("w1"))
}

func TestProgressOnlyForOwner(t *testing.T) {
	jm := newTestJobManager(t)
	jm.Submit(newTestJob("task-001"))
	jm.Assign("w1")

	jm.Progress("w2", map[types.JobID]float64{"task-001": 90})
	job, _ := jm.Get("task-001")
	assert.Equal(t, 0.0, job.Progress)

	jm.Progress("w1", map[types.JobID]float64{"task-001": 25, "other": 10})
	job, _ = jm.Get("task-001")
	assert.Equal(t, 25.0, job.Progress)
}

func TestRestoreRequeuesCalculatingJobs(t *testing.T) {
	store := NewMemoryStore()
	jm, err := NewJobManager(store, 3)
	require.NoError(t, err)
	jm.Submit(newTestJob("a"))
	jm.Submit(newTestJob("b"))
	jm.Submit(newTestJob("c"))
	jm.Assign("w1")
	jm.Assign("w1")
	jm.Report(types.JobReport{WorkerID: "w1", JobID: "b", Final: true, Status: types.StatusFinished})

	restored, err := NewJobManager(store, 3)
	require.NoError(t, err)

	assertJobStatus(t, restored, "a", types.StatusWaiting)
	assertJobStatus(t, restored, "b", types.StatusFinished)
	assertJobStatus(t, restored, "c", types.StatusWaiting)
	assert.Equal(t, 2, restored.Waiting())

	job, _ := restored.Get("a")
	assert.Empty(t, job.WorkerID)
}

func TestJobManagerConcurrentAssign(t *testing.T) {
	jm := newTestJobManager(t)
	const jobs = 200
	for i := 0; i < jobs; i++ {
		jm.Submit(newTestJob(fmt.Sprintf("task-%03d", i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[types.JobID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := jm.Assign(worker)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s assigned more than once", id)
	}
	assert.Equal(t, jobs, jm.Stats()[types.StatusCalculating])
}
