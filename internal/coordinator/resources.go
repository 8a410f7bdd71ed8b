package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/pkg/types"
)

var (
	ErrUnknownWorker = errors.New("worker not logged in")
	ErrInvalidWorker = errors.New("invalid worker info")
)

// ResourceRegistry tracks the workers known to the coordinator
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]*types.Resource
	store     Store
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewResourceRegistry restores known resources from store. Restored
// resources are offline until they log in again.
func NewResourceRegistry(store Store, heartbeatTimeout time.Duration) (*ResourceRegistry, error) {
	r := &ResourceRegistry{
		resources: make(map[string]*types.Resource),
		store:     store,
		timeout:   heartbeatTimeout,
		logger:    log.WithComponent("resources"),
	}

	saved, err := store.ListResources()
	if err != nil {
		return nil, fmt.Errorf("restore resources: %w", err)
	}
	for _, res := range saved {
		res.Online = false
		res.JobCount = 0
		r.resources[res.ID] = res
	}
	return r, nil
}

// Login creates or refreshes the resource of a worker
func (r *ResourceRegistry) Login(info types.WorkerInfo, now time.Time) (*types.Resource, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidWorker)
	}
	if info.MaxJobs <= 0 {
		return nil, fmt.Errorf("%w: max_jobs must be positive", ErrInvalidWorker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[info.ID]
	if !ok {
		res = &types.Resource{ID: info.ID}
		r.resources[info.ID] = res
	}
	res.Name = info.Name
	res.Cores = info.Cores
	res.MemoryMB = info.MemoryMB
	res.MaxJobs = info.MaxJobs
	res.JobCount = 0
	res.LoginAt = now.UnixMilli()
	res.LastHeartbeat = now.UnixMilli()
	res.Online = true

	if err := r.store.SaveResource(res); err != nil {
		return nil, fmt.Errorf("save resource: %w", err)
	}
	cp := *res
	return &cp, nil
}

// Heartbeat extends the lease of an online worker and returns its free slots
func (r *ResourceRegistry) Heartbeat(hb types.Heartbeat, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[hb.WorkerID]
	if !ok || !res.Online {
		return 0, ErrUnknownWorker
	}
	res.LastHeartbeat = now.UnixMilli()
	res.JobCount = len(hb.ActiveJobs)
	return hb.FreeSlots, nil
}

// Online reports whether the worker is logged in and alive
func (r *ResourceRegistry) Online(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[workerID]
	return ok && res.Online
}

// Assigned bumps the job count of a worker after a job was handed to it
func (r *ResourceRegistry) Assigned(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resources[workerID]; ok {
		res.JobCount++
	}
}

// CheckLiveness marks workers offline whose last heartbeat is older than the
// heartbeat timeout and returns their ids
func (r *ResourceRegistry) CheckLiveness(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lost []string
	for id, res := range r.resources {
		if !res.Online || res.HeartbeatAge(now) <= r.timeout {
			continue
		}
		res.Online = false
		res.JobCount = 0
		if err := r.store.SaveResource(res); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldWorkerID, id).Msg("Failed to persist offline worker")
		}
		lost = append(lost, id)
	}
	sort.Strings(lost)
	return lost
}

// List returns copies of all resources sorted by id
func (r *ResourceRegistry) List() []*types.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// OnlineCount returns the number of online workers
func (r *ResourceRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, res := range r.resources {
		if res.Online {
			n++
		}
	}
	return n
}
