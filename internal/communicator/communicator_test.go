package communicator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// flakyClient fails the first `failures` calls of every method
type flakyClient struct {
	failures  int32
	err       error
	calls     atomic.Int32
	mu        sync.Mutex
	requestID []string
}

func (c *flakyClient) fail() error {
	if c.calls.Add(1) <= c.failures {
		return c.err
	}
	return nil
}

func (c *flakyClient) Login(context.Context, types.WorkerInfo) error { return c.fail() }

func (c *flakyClient) PullJob(_ context.Context, _, requestID string) (*types.Job, error) {
	c.mu.Lock()
	c.requestID = append(c.requestID, requestID)
	c.mu.Unlock()
	if err := c.fail(); err != nil {
		return nil, err
	}
	return &types.Job{ID: "j1"}, nil
}

func (c *flakyClient) SendResult(context.Context, types.JobReport) error { return c.fail() }

func (c *flakyClient) Heartbeat(context.Context, types.Heartbeat) ([]types.Action, error) {
	if err := c.fail(); err != nil {
		return nil, err
	}
	return []types.Action{{Kind: types.ActionAbortJob, JobID: "j1"}}, nil
}

type completion struct {
	op      string
	job     *types.Job
	actions []types.Action
	err     error
}

type recordingHandler struct {
	ch chan completion
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan completion, 16)}
}

func (h *recordingHandler) LoginCompleted(err error) {
	h.ch <- completion{op: "Login", err: err}
}

func (h *recordingHandler) JobPulled(job *types.Job, err error) {
	h.ch <- completion{op: "PullJob", job: job, err: err}
}

func (h *recordingHandler) ResultSent(_ types.JobReport, err error) {
	h.ch <- completion{op: "SendResult", err: err}
}

func (h *recordingHandler) HeartbeatCompleted(actions []types.Action, err error) {
	h.ch <- completion{op: "Heartbeat", actions: actions, err: err}
}

func (h *recordingHandler) wait(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-h.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
		return completion{}
	}
}

func fastConfig(retries int) Config {
	return Config{CallTimeout: time.Second, MaxRetries: retries, RetryBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestCommunicatorRetriesTransientFailures(t *testing.T) {
	client := &flakyClient{failures: 2, err: errors.New("connection refused")}
	handler := newRecordingHandler()
	comm := New(client, handler, fastConfig(3))
	defer comm.Close()

	comm.PullJobAsync("w1")
	c := handler.wait(t)

	require.NoError(t, c.err)
	require.NotNil(t, c.job)
	assert.Equal(t, types.JobID("j1"), c.job.ID)
	assert.Equal(t, int32(3), client.calls.Load())

	// every attempt of one request carries the same request id
	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requestID, 3)
	assert.Equal(t, client.requestID[0], client.requestID[2])
}

func TestCommunicatorGivesUp(t *testing.T) {
	client := &flakyClient{failures: 100, err: errors.New("unavailable")}
	handler := newRecordingHandler()
	comm := New(client, handler, fastConfig(2))
	defer comm.Close()

	comm.SendResultAsync(types.JobReport{JobID: "j1", Final: true})
	c := handler.wait(t)

	var callErr *CallError
	require.True(t, errors.As(c.err, &callErr))
	assert.Equal(t, "SendResult", callErr.Op)
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestCommunicatorDoesNotRetryRejections(t *testing.T) {
	client := &flakyClient{failures: 100, err: Rejected(errors.New("unknown worker"))}
	handler := newRecordingHandler()
	comm := New(client, handler, fastConfig(5))
	defer comm.Close()

	comm.LoginAsync(types.WorkerInfo{ID: "w1"})
	c := handler.wait(t)

	assert.ErrorIs(t, c.err, ErrRejected)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestCommunicatorHeartbeatIsSingleShot(t *testing.T) {
	client := &flakyClient{failures: 1, err: errors.New("timeout")}
	handler := newRecordingHandler()
	comm := New(client, handler, fastConfig(5))
	defer comm.Close()

	comm.HeartbeatAsync(types.Heartbeat{WorkerID: "w1"})
	c := handler.wait(t)
	assert.Error(t, c.err)
	assert.Equal(t, int32(1), client.calls.Load())

	comm.HeartbeatAsync(types.Heartbeat{WorkerID: "w1"})
	c = handler.wait(t)
	require.NoError(t, c.err)
	assert.Equal(t, []types.Action{{Kind: types.ActionAbortJob, JobID: "j1"}}, c.actions)
}

func TestCommunicatorCloseStopsRetrying(t *testing.T) {
	client := &flakyClient{failures: 1000, err: errors.New("down")}
	handler := newRecordingHandler()
	comm := New(client, handler, Config{CallTimeout: time.Second, MaxRetries: 1000, RetryBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	comm.LoginAsync(types.WorkerInfo{ID: "w1"})
	time.Sleep(10 * time.Millisecond)
	comm.Close()

	c := handler.wait(t)
	assert.ErrorIs(t, c.err, ErrClosed)
}
