package coordinator

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/hive-exec/pkg/types"
)

// ErrRecordNotFound is returned by stores for unknown ids
var ErrRecordNotFound = errors.New("coordinator: record not found")

// Store persists the coordinator's job and resource records.
// Implementations must be safe for concurrent use.
type Store interface {
	SaveJob(job *types.Job) error
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	DeleteJob(id types.JobID) error

	SaveResource(r *types.Resource) error
	ListResources() ([]*types.Resource, error)

	Close() error
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]types.Job
	resources map[string]types.Resource
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[types.JobID]types.Job),
		resources: make(map[string]types.Resource),
	}
}

func (s *MemoryStore) SaveJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &job, nil
}

func (s *MemoryStore) ListJobs() ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := job
		jobs = append(jobs, &j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt < jobs[k].CreatedAt })
	return jobs, nil
}

func (s *MemoryStore) DeleteJob(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) SaveResource(r *types.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.ID] = *r
	return nil
}

func (s *MemoryStore) ListResources() ([]*types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		res := r
		out = append(out, &res)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
