// Package jobs ставит запросы генерации в очередь и выполняет их по одному.
package jobs

import (
	"context"
	"sync"
	"time"

	"renderBridge/internal/database"
)

// Repository хранит состояние заданий. Реализуется database.JobRepository и MemoryRepository.
type Repository interface {
	Create(ctx context.Context, job *database.GenerationJob) error
	Get(ctx context.Context, id string) (*database.GenerationJob, error)
	List(ctx context.Context, limit, offset int) ([]database.GenerationJob, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, path, mime, source string, at time.Time) error
	MarkFailed(ctx context.Context, id string, kind, message, detail string, at time.Time) error
	FailInterrupted(ctx context.Context, message string, at time.Time) (int64, error)
}

var _ Repository = (*database.JobRepository)(nil)

// MemoryRepository - хранилище на время жизни процесса, когда база не настроена.
type MemoryRepository struct {
	mu    sync.RWMutex
	jobs  map[string]*database.GenerationJob
	order []string
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*database.GenerationJob),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, job *database.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if job.Status == "" {
		job.Status = database.JobPending
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if _, ok := r.jobs[job.ID]; !ok {
		r.order = append(r.order, job.ID)
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*database.GenerationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// List возвращает задания от новых к старым.
func (r *MemoryRepository) List(_ context.Context, limit, offset int) ([]database.GenerationJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	out := []database.GenerationJob{}
	for i := len(r.order) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *r.jobs[r.order[i]])
	}
	return out, nil
}

func (r *MemoryRepository) MarkRunning(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(j *database.GenerationJob) {
		j.Status = database.JobRunning
		j.StartedAt = &at
	})
}

func (r *MemoryRepository) MarkCompleted(_ context.Context, id string, path, mime, source string, at time.Time) error {
	return r.update(id, func(j *database.GenerationJob) {
		j.Status = database.JobCompleted
		j.ArtifactPath = path
		j.ArtifactMime = mime
		j.SourceURL = source
		j.FinishedAt = &at
	})
}

func (r *MemoryRepository) MarkFailed(_ context.Context, id string, kind, message, detail string, at time.Time) error {
	return r.update(id, func(j *database.GenerationJob) {
		j.Status = database.JobFailed
		j.ErrorKind = kind
		j.ErrorMessage = message
		j.ErrorDetail = detail
		j.FinishedAt = &at
	})
}

func (r *MemoryRepository) FailInterrupted(_ context.Context, message string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if j.Terminal() {
			continue
		}
		j.Status = database.JobFailed
		j.ErrorKind = "interrupted"
		j.ErrorMessage = message
		j.FinishedAt = &at
		j.UpdatedAt = r.now()
		n++
	}
	return n, nil
}

func (r *MemoryRepository) update(id string, apply func(*database.GenerationJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	apply(job)
	job.UpdatedAt = r.now()
	return nil
}
