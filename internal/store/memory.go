package store

import (
	"context"
	"sort"
	"sync"

	"github.com/hxopt/optimization-core/internal/job"
	"github.com/hxopt/optimization-core/pkg/utils"
)

// MemoryStore is a mutex-guarded in-memory Store. Jobs are cloned on the
// way in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*job.Job
	results    map[string]*job.Result
	iterations map[string][]*job.IterationRecord
	order      []string // creation order, oldest first
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*job.Job),
		results:    make(map[string]*job.Result),
		iterations: make(map[string][]*job.IterationRecord),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return ErrJobExists
	}
	stored := j.Clone()
	if stored.CreatedAtUnixMs == 0 {
		stored.CreatedAtUnixMs = job.NowUnixMs()
	}
	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter ListFilter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	out := make([]*job.Job, 0, limit)
	// Newest first.
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		j, ok := s.jobs[s.order[i]]
		if !ok {
			continue
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.ScenarioID != "" && j.ScenarioID != filter.ScenarioID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, jobID string, status job.Status, category job.ErrorCategory, message string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := applyTransition(j, status, category, message); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

func (s *MemoryStore) SetProgress(_ context.Context, jobID string, snap *job.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	if j.Progress != nil && snap.Iteration < j.Progress.Iteration {
		return nil
	}
	j.Progress = snap.Clone()
	return nil
}

func (s *MemoryStore) AppendIteration(_ context.Context, rec *job.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rec.JobID]; !ok {
		return ErrJobNotFound
	}
	cp := *rec
	s.iterations[rec.JobID] = append(s.iterations[rec.JobID], &cp)
	return nil
}

func (s *MemoryStore) ListIterations(_ context.Context, jobID string, limit int) ([]*job.IterationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	recs := s.iterations[jobID]
	out := make([]*job.IterationRecord, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Iteration < out[k].Iteration })
	if limit > 0 {
		out = out[utils.Max(0, len(out)-limit):]
	}
	return out, nil
}

func (s *MemoryStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if j.UserID == userID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActiveByScenario(_ context.Context, scenarioID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if j.ScenarioID == scenarioID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutResult(_ context.Context, r *job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[r.JobID]; !ok {
		return ErrJobNotFound
	}
	if _, exists := s.results[r.JobID]; exists {
		return ErrResultExists
	}
	stored := r.Clone()
	if stored.CreatedAtUnixMs == 0 {
		stored.CreatedAtUnixMs = job.NowUnixMs()
	}
	s.results[r.JobID] = stored
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, jobID string) (*job.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[jobID]
	if !ok {
		return nil, ErrResultNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) DeleteJobs(_ context.Context, jobIDs []string) (deleted, skipped []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range jobIDs {
		j, ok := s.jobs[id]
		if !ok || !j.Status.Terminal() {
			skipped = append(skipped, id)
			continue
		}
		delete(s.jobs, id)
		delete(s.results, id)
		delete(s.iterations, id)
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		s.compactOrder()
	}
	return deleted, skipped, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoffUnixMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.EndedAtUnixMs > 0 && j.EndedAtUnixMs < cutoffUnixMs {
			delete(s.jobs, id)
			delete(s.results, id)
			delete(s.iterations, id)
			n++
		}
	}
	if n > 0 {
		s.compactOrder()
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) compactOrder() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.jobs[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}
