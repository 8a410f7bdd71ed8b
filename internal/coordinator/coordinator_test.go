package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/metrics"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(t *testing.T) (*Coordinator, *clock) {
	t.Helper()
	c, err := New(Config{HeartbeatTimeout: time.Second, MaxAttempts: 2}, NewMemoryStore(), nil)
	require.NoError(t, err)
	clk := &clock{now: time.Now()}
	c.now = clk.Now
	return c, clk
}

var ctx = context.Background()

func login(t *testing.T, c *Coordinator, id string, maxJobs int) {
	t.Helper()
	require.NoError(t, c.Login(ctx, types.WorkerInfo{ID: id, Name: id, Cores: 1, MaxJobs: maxJobs}))
}

func TestCoordinatorRejectsUnknownWorker(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.PullJob(ctx, "ghost", "r1")
	assert.ErrorIs(t, err, communicator.ErrRejected)

	_, err = c.Heartbeat(ctx, types.Heartbeat{WorkerID: "ghost"})
	assert.ErrorIs(t, err, communicator.ErrRejected)

	err = c.Login(ctx, types.WorkerInfo{})
	assert.ErrorIs(t, err, communicator.ErrRejected)
}

func TestCoordinatorPullAndReport(t *testing.T) {
	c, _ := newTestCoordinator(t)
	login(t, c, "w1", 2)

	job, err := c.PullJob(ctx, "w1", "r0")
	require.NoError(t, err)
	assert.Nil(t, job, "nothing waiting")

	id, err := c.Submit(types.Job{Entry: "echo", Payload: []byte("x")})
	require.NoError(t, err)

	job, err = c.PullJob(ctx, "w1", "r1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	require.NoError(t, c.SendResult(ctx, types.JobReport{WorkerID: "w1", JobID: id, Final: true, Status: types.StatusFinished, Payload: []byte("y")}))

	got, err := c.Job(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, got.Status)
	assert.Equal(t, []byte("y"), got.Result)

	err = c.SendResult(ctx, types.JobReport{WorkerID: "w1", JobID: id, Final: true, Status: types.StatusFinished})
	assert.ErrorIs(t, err, communicator.ErrRejected, "duplicate final report")
}

func TestCoordinatorRetriedPullGetsSameJob(t *testing.T) {
	c, _ := newTestCoordinator(t)
	login(t, c, "w1", 2)
	c.Submit(types.Job{ID: "a", Entry: "echo"})
	c.Submit(types.Job{ID: "b", Entry: "echo"})

	first, err := c.PullJob(ctx, "w1", "req-1")
	require.NoError(t, err)
	retry, err := c.PullJob(ctx, "w1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.ID)

	next, err := c.PullJob(ctx, "w1", "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestCoordinatorHeartbeatActions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	login(t, c, "w1", 2)

	actions, err := c.Heartbeat(ctx, types.Heartbeat{WorkerID: "w1", FreeSlots: 2})
	require.NoError(t, err)
	assert.Empty(t, actions, "nothing waiting")

	c.Submit(types.Job{ID: "a", Entry: "echo"})
	c.Submit(types.Job{ID: "b", Entry: "echo"})

	actions, _ = c.Heartbeat(ctx, types.Heartbeat{WorkerID: "w1", FreeSlots: 0})
	assert.Empty(t, actions, "no free slot")

	actions, _ = c.Heartbeat(ctx, types.Heartbeat{WorkerID: "w1", FreeSlots: 2})
	assert.Equal(t, []types.Action{{Kind: types.ActionFetchJob}}, actions)

	c.PullJob(ctx, "w1", "r1")
	require.NoError(t, c.Abort("a"))
	require.NoError(t, c.RequestSnapshot("a"))

	actions, _ = c.Heartbeat(ctx, types.Heartbeat{
		WorkerID: "w1", ActiveJobs: []types.JobID{"a"}, FreeSlots: 1,
		Progress: map[types.JobID]float64{"a": 33},
	})
	assert.Equal(t, []types.Action{
		{Kind: types.ActionAbortJob, JobID: "a"},
		{Kind: types.ActionRequestSnapshot, JobID: "a"},
		{Kind: types.ActionFetchJob},
	}, actions)

	job, _ := c.Job("a")
	assert.Equal(t, 33.0, job.Progress)
}

func TestCoordinatorLivenessRequeues(t *testing.T) {
	c, clk := newTestCoordinator(t)
	login(t, c, "w1", 1)
	login(t, c, "w2", 1)
	c.Submit(types.Job{ID: "a", Entry: "echo"})

	job, err := c.PullJob(ctx, "w1", "r1")
	require.NoError(t, err)
	require.Equal(t, types.JobID("a"), job.ID)

	clk.Advance(700 * time.Millisecond)
	c.Heartbeat(ctx, types.Heartbeat{WorkerID: "w2", FreeSlots: 1})
	clk.Advance(700 * time.Millisecond)

	assert.Equal(t, []string{"w1"}, c.CheckLiveness())

	got, _ := c.Job("a")
	assert.Equal(t, types.StatusWaiting, got.Status)

	job, err = c.PullJob(ctx, "w2", "r2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobID("a"), job.ID)
	assert.Equal(t, 2, job.Attempt)

	// the lost worker's late report is refused
	err = c.SendResult(ctx, types.JobReport{WorkerID: "w1", JobID: "a", Final: true, Status: types.StatusFinished})
	assert.ErrorIs(t, err, communicator.ErrRejected)

	_, err = c.PullJob(ctx, "w1", "r3")
	assert.ErrorIs(t, err, communicator.ErrRejected, "offline until it logs in again")
}

func TestCoordinatorReloginRequeuesStaleAssignments(t *testing.T) {
	c, _ := newTestCoordinator(t)
	login(t, c, "w1", 1)
	c.Submit(types.Job{ID: "a", Entry: "echo"})
	c.PullJob(ctx, "w1", "r1")

	login(t, c, "w1", 1)

	got, _ := c.Job("a")
	assert.Equal(t, types.StatusWaiting, got.Status)
}

func TestCoordinatorAbortWaitingJob(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, _ := c.Submit(types.Job{Entry: "echo"})

	require.NoError(t, c.Abort(id))
	got, _ := c.Job(id)
	assert.Equal(t, types.StatusAborted, got.Status)
	assert.ErrorIs(t, c.Abort(id), ErrJobTerminal)
	assert.ErrorIs(t, c.Abort("missing"), ErrJobNotFound)
}

func TestCoordinatorStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	c, err := New(Config{}, NewMemoryStore(), collector)
	require.NoError(t, err)
	login(t, c, "w1", 1)
	c.Submit(types.Job{ID: "a", Entry: "echo"})
	c.Submit(types.Job{ID: "b", Entry: "echo"})
	c.PullJob(ctx, "w1", "r1")

	status := c.Status()
	assert.Equal(t, 1, status.Jobs[types.StatusWaiting])
	assert.Equal(t, 1, status.Jobs[types.StatusCalculating])
	require.Len(t, status.Workers, 1)
	assert.Equal(t, 1, status.Workers[0].JobCount)

	expected := `
# HELP hive_coordinator_jobs_assigned_total Jobs handed to workers
# TYPE hive_coordinator_jobs_assigned_total counter
hive_coordinator_jobs_assigned_total 1
# HELP hive_coordinator_jobs_submitted_total Jobs accepted by the coordinator
# TYPE hive_coordinator_jobs_submitted_total counter
hive_coordinator_jobs_submitted_total 2
# HELP hive_coordinator_workers_online Workers with a recent heartbeat
# TYPE hive_coordinator_workers_online gauge
hive_coordinator_workers_online 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"hive_coordinator_jobs_submitted_total", "hive_coordinator_jobs_assigned_total", "hive_coordinator_workers_online"))
}

func TestCoordinatorStartStop(t *testing.T) {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)

	c, err := New(Config{LivenessInterval: 5 * time.Millisecond, HeartbeatTimeout: 10 * time.Millisecond}, bolt, nil)
	require.NoError(t, err)
	c.Start()
	c.Start()

	login(t, c, "w1", 1)
	assert.Eventually(t, func() bool { return c.Status().Workers[0].Online == false }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())
}
