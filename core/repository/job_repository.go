package repository

import (
	"context"
	"errors"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StatusUpdate carries the optional fields written together with a transition
type StatusUpdate struct {
	Message  string
	Progress *float64
	Metrics  map[string]any
}

// ListFilter narrows ListJobs; zero values match everything
type ListFilter struct {
	Kind   models.JobKind
	Status models.JobStatus
	Limit  int
}

// JobRepository is the job registry. Implementations must enforce the
// lifecycle: PENDING -> RUNNING -> one of COMPLETED, WARNING, FAILED.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, to models.JobStatus, update StatusUpdate) error
	UpdateJobProgress(ctx context.Context, id string, progress float64, message string) error
	GetJobEvents(ctx context.Context, id string) ([]models.JobEvent, error)
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
