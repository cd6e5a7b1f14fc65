// Package database хранит задания генерации в PostgreSQL через GORM.
package database

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// GenerationJob - одна заявка на генерацию и её результат.
type GenerationJob struct {
	ID              string    `gorm:"type:varchar(36);primaryKey"`
	Status          JobStatus `gorm:"type:varchar(16);not null;default:'pending';index"`
	Prompt          string    `gorm:"type:text;not null"`
	AttachmentCount int       `gorm:"not null;default:0"`
	ArtifactPath    string    `gorm:"type:text"` // Файл результата под OUTPUT_DIR
	ArtifactMime    string    `gorm:"type:varchar(64)"`
	SourceURL       string    `gorm:"type:text"` // Без параметров подписи
	ErrorKind       string    `gorm:"type:varchar(32)"`
	ErrorMessage    string    `gorm:"type:text"` // Текст для пользователя
	ErrorDetail     string    `gorm:"type:text"` // Очищенная внутренняя ошибка
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// Terminal - задание больше не изменится.
func (j *GenerationJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
