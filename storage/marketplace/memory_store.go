package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	core "marketplace-backend/core/marketplace"
)

// MemoryStore holds job records in memory with proper concurrency control.
// The single mutex makes CompareAndTransition atomic, which is what keeps a
// timeout sweep and a late message from both winning the same transition.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]core.Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]core.Job)}
}

// CreateJob inserts a new job record; fails if the identifier exists.
func (s *MemoryStore) CreateJob(ctx context.Context, job core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return ErrDuplicateJob
	}
	s.jobs[job.JobID] = cloneJob(job)
	return nil
}

// GetJob returns a job by ID.
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// CompareAndTransition advances a job from expected to next, applying mutate
// to the record and appending a history entry. If the job's current status is
// not expected it fails with ErrStaleState and no side effects.
func (s *MemoryStore) CompareAndTransition(ctx context.Context, jobID string, expected, next core.JobStatus, reason string, mutate func(*core.Job)) (core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return core.Job{}, ErrJobNotFound
	}
	if job.Status != expected {
		return core.Job{}, ErrStaleState
	}

	job = cloneJob(job)
	if mutate != nil {
		mutate(&job)
	}
	now := time.Now().UTC()
	job.Status = next
	job.History = append(job.History, core.Transition{Status: next, Timestamp: now, Reason: reason})
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *MemoryStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Requester != "" && job.Requester != filter.Requester {
			continue
		}
		if filter.Provider != "" && job.Provider != filter.Provider {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close implements the store interface; nothing to close for memory.
func (s *MemoryStore) Close() {}

// cloneJob deep-copies the mutable parts so callers can never alias the map's
// backing record.
func cloneJob(job core.Job) core.Job {
	out := job
	if job.Terms.Params != nil {
		params := make(map[string]string, len(job.Terms.Params))
		for k, v := range job.Terms.Params {
			params[k] = v
		}
		out.Terms.Params = params
	}
	if job.History != nil {
		out.History = append([]core.Transition(nil), job.History...)
	}
	if job.Verification != nil {
		v := *job.Verification
		out.Verification = &v
	}
	return out
}
