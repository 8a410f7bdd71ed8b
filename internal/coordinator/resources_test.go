package coordinator

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *ResourceRegistry {
	t.Helper()
	r, err := NewResourceRegistry(NewMemoryStore(), timeout)
	require.NoError(t, err)
	return r
}

func TestResourceLogin(t *testing.T) {
	tests := []struct {
		name    string
		info    types.WorkerInfo
		wantErr bool
	}{
		{"valid", types.WorkerInfo{ID: "w1", Name: "alpha", Cores: 4, MaxJobs: 2}, false},
		{"empty id", types.WorkerInfo{Name: "alpha", MaxJobs: 2}, true},
		{"no slots", types.WorkerInfo{ID: "w1", MaxJobs: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, time.Second)
			res, err := r.Login(tt.info, time.Now())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWorker)
				assert.False(t, r.Online(tt.info.ID))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Online)
			assert.Equal(t, tt.info.Cores, res.Cores)
			assert.True(t, r.Online(tt.info.ID))
		})
	}
}

func TestResourceHeartbeat(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	now := time.Now()

	_, err := r.Heartbeat(types.Heartbeat{WorkerID: "w1"}, now)
	assert.ErrorIs(t, err, ErrUnknownWorker)

	_, err = r.Login(types.WorkerInfo{ID: "w1", MaxJobs: 2}, now)
	require.NoError(t, err)

	free, err := r.Heartbeat(types.Heartbeat{WorkerID: "w1", ActiveJobs: []types.JobID{"a"}, FreeSlots: 1}, now.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, free)

	res := r.List()[0]
	assert.Equal(t, 1, res.JobCount)
	assert.Equal(t, now.Add(500*time.Millisecond).UnixMilli(), res.LastHeartbeat)
}

func TestResourceCheckLiveness(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	now := time.Now()

	r.Login(types.WorkerInfo{ID: "w1", MaxJobs: 1}, now)
	r.Login(types.WorkerInfo{ID: "w2", MaxJobs: 1}, now)
	r.Heartbeat(types.Heartbeat{WorkerID: "w2"}, now.Add(1500*time.Millisecond))

	assert.Empty(t, r.CheckLiveness(now.Add(900*time.Millisecond)))

	lost := r.CheckLiveness(now.Add(2 * time.Second))
	assert.Equal(t, []string{"w1"}, lost)
	assert.False(t, r.Online("w1"))
	assert.True(t, r.Online("w2"))
	assert.Equal(t, 1, r.OnlineCount())

	assert.Empty(t, r.CheckLiveness(now.Add(2*time.Second)), "reported once")

	_, err := r.Heartbeat(types.Heartbeat{WorkerID: "w1"}, now.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrUnknownWorker, "an offline worker must log in again")
}

// resourceFailingStore fails every resource write
type resourceFailingStore struct{ *MemoryStore }

func (resourceFailingStore) SaveResource(*types.Resource) error { return errors.New("disk full") }

func TestCheckLivenessLogsStoreFailure(t *testing.T) {
	saved := log.Logger
	defer func() { log.Logger = saved }()
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	r := newTestRegistry(t, time.Second)
	now := time.Now()
	_, err := r.Login(types.WorkerInfo{ID: "w1", MaxJobs: 1}, now)
	require.NoError(t, err)

	r.store = resourceFailingStore{NewMemoryStore()}
	assert.Equal(t, []string{"w1"}, r.CheckLiveness(now.Add(2*time.Second)))
	assert.False(t, r.Online("w1"))
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), `"worker_id":"w1"`)
}

func TestResourcesRestoredOffline(t *testing.T) {
	store := NewMemoryStore()
	r, err := NewResourceRegistry(store, time.Second)
	require.NoError(t, err)
	r.Login(types.WorkerInfo{ID: "w1", Name: "alpha", MaxJobs: 1}, time.Now())

	restored, err := NewResourceRegistry(store, time.Second)
	require.NoError(t, err)
	require.Len(t, restored.List(), 1)
	assert.Equal(t, "alpha", restored.List()[0].Name)
	assert.False(t, restored.Online("w1"))
}
