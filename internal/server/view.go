package server

import (
	"time"

	"renderBridge/internal/database"
)

// jobView - задание в ответе API. Внутренние подробности ошибки наружу не отдаются.
type jobView struct {
	ID              string             `json:"id"`
	Status          database.JobStatus `json:"status"`
	Prompt          string             `json:"prompt"`
	AttachmentCount int                `json:"attachment_count"`
	ArtifactURL     string             `json:"artifact_url,omitempty"`
	ArtifactMime    string             `json:"artifact_mime,omitempty"`
	ErrorKind       string             `json:"error_kind,omitempty"`
	Error           string             `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
}

func newJobView(j *database.GenerationJob) jobView {
	v := jobView{
		ID:              j.ID,
		Status:          j.Status,
		Prompt:          j.Prompt,
		AttachmentCount: j.AttachmentCount,
		ArtifactMime:    j.ArtifactMime,
		ErrorKind:       j.ErrorKind,
		Error:           j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
	if j.Status == database.JobCompleted {
		v.ArtifactURL = "/api/generations/" + j.ID + "/artifact"
	}
	return v
}
