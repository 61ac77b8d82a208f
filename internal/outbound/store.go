package outbound

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// Stats is the queue depth by state.
type Stats struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
	Dead   int `json:"dead"`
}

// Store is the durable job queue. Every method is a single-record atomic
// update; Claim must hand a job to exactly one caller.
type Store interface {
	Insert(ctx context.Context, job domain.DeliveryJob) error
	// Claim takes the queued job with the highest priority (oldest first
	// among equals) whose NextRunAt is at or before now and marks it active.
	Claim(ctx context.Context, now time.Time) (domain.DeliveryJob, bool, error)
	Complete(ctx context.Context, id uuid.UUID, attempts int, result domain.SendResult, now time.Time) error
	Retry(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextRunAt, now time.Time) error
	// DeadLetter marks the job dead and stores dl alongside it.
	DeadLetter(ctx context.Context, dl domain.DeadLetter) error
	Get(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error)
	Stats(ctx context.Context) (Stats, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	// RequeueDeadLetter removes the dead letter and puts its job back in the
	// queue with a fresh attempt budget.
	RequeueDeadLetter(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryJob, error)
	// RequeueStale returns active jobs last touched before olderThan to the
	// queue. These belong to workers that died mid-send.
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]domain.DeliveryJob
	dead  map[uuid.UUID]domain.DeadLetter
	order []uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]domain.DeliveryJob),
		dead: make(map[uuid.UUID]domain.DeadLetter),
	}
}

func (s *MemoryStore) Insert(_ context.Context, job domain.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time) (domain.DeliveryJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.DeliveryJob
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != domain.JobStateQueued || j.NextRunAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			jj := j
			best = &jj
		}
	}
	if best == nil {
		return domain.DeliveryJob{}, false, nil
	}
	best.State = domain.JobStateActive
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return *best, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, attempts int, result domain.SendResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.IsTerminal() {
		return ErrStatusTransitionDenied
	}
	j.State = domain.JobStateCompleted
	j.Attempts = attempts
	j.Result = &result
	j.LastError = ""
	j.UpdatedAt = now
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, attempts int, lastErr string, nextRunAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.IsTerminal() {
		return ErrStatusTransitionDenied
	}
	j.State = domain.JobStateQueued
	j.Attempts = attempts
	j.LastError = lastErr
	j.NextRunAt = nextRunAt
	j.UpdatedAt = now
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, dl domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[dl.Job.ID]
	if !ok {
		return ErrNotFound
	}
	if j.IsTerminal() {
		return ErrStatusTransitionDenied
	}
	dl.Job.State = domain.JobStateDead
	s.jobs[dl.Job.ID] = dl.Job
	s.dead[dl.ID] = dl
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.DeliveryJob{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, j := range s.jobs {
		switch j.State {
		case domain.JobStateQueued:
			st.Queued++
		case domain.JobStateActive:
			st.Active++
		}
	}
	st.Dead = len(s.dead)
	return st, nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(s.dead))
	for _, dl := range s.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueDeadLetter(_ context.Context, id uuid.UUID, now time.Time) (domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.dead[id]
	if !ok {
		return domain.DeliveryJob{}, ErrNotFound
	}
	delete(s.dead, id)

	j := dl.Job
	j.State = domain.JobStateQueued
	j.Attempts = 0
	j.LastError = ""
	j.NextRunAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return j, nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State == domain.JobStateActive && j.UpdatedAt.Before(olderThan) {
			j.State = domain.JobStateQueued
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}
