package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内のマップでジョブを保持します。
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := buildStoreOptions(opts)
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  o.now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, tool Tool, totalUnits int, ttl time.Duration) (*Job, error) {
	job := newJob(tool, totalUnits, ttl, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, NotFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, NotFound(id)
	}
	if _, err := applyStatus(job, status, opts, s.now()); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return NotFound(id)
	}
	applyProgress(job, processed, s.now())
	return nil
}

func (s *MemoryStore) UpdateInput(ctx context.Context, id string, in Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return NotFound(id)
	}
	return applyInput(job, in, s.now())
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	s.mu.Lock()
	matched := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if f.Match(job) {
			matched = append(matched, job.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, f.Limit, f.Offset), nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if f.Match(job) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
