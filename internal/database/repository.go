package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("задание не найдено")

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *GenerationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) Get(ctx context.Context, id string) (*GenerationJob, error) {
	var job GenerationJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]GenerationJob, error) {
	var jobs []GenerationJob
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":     JobRunning,
		"started_at": at,
	})
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id string, path, mime, source string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":        JobCompleted,
		"artifact_path": path,
		"artifact_mime": mime,
		"source_url":    source,
		"finished_at":   at,
	})
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, kind, message, detail string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":        JobFailed,
		"error_kind":    kind,
		"error_message": message,
		"error_detail":  detail,
		"finished_at":   at,
	})
}

// FailInterrupted закрывает задания, оставшиеся pending/running после падения процесса.
func (r *JobRepository) FailInterrupted(ctx context.Context, message string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("status IN ?", []JobStatus{JobPending, JobRunning}).
		Updates(map[string]any{
			"status":        JobFailed,
			"error_kind":    "interrupted",
			"error_message": message,
			"finished_at":   at,
		})
	return res.RowsAffected, res.Error
}

func (r *JobRepository) update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&GenerationJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
