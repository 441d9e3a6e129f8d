package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// MemoryJobRepository keeps jobs in process memory. History is lost on restart.
type MemoryJobRepository struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	events      map[string][]models.JobEvent
	nextEventID int64
	now         func() time.Time
}

var _ JobRepository = (*MemoryJobRepository)(nil)

// NewMemoryJobRepository creates an empty in-memory registry
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs:   make(map[string]*models.Job),
		events: make(map[string][]models.JobEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob registers a PENDING job
func (r *MemoryJobRepository) CreateJob(_ context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("create job %s: %w: initial status %s", job.ID, ErrInvalidTransition, job.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrJobExists)
	}

	stored := job.Clone()
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.jobs[job.ID] = stored
	r.appendEvent(job.ID, nil, models.JobStatusPending, stored.Message, now)
	return nil
}

// GetJob returns a copy of the job
func (r *MemoryJobRepository) GetJob(_ context.Context, id string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of matching jobs, newest first
func (r *MemoryJobRepository) ListJobs(_ context.Context, filter ListFilter) ([]*models.Job, error) {
	r.mu.RLock()
	jobs := make([]*models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// UpdateJobStatus moves a job along its lifecycle
func (r *MemoryJobRepository) UpdateJobStatus(_ context.Context, id string, to models.JobStatus, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("update job %s: %w", id, ErrJobNotFound)
	}
	from := job.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("update job %s: %w: %s -> %s", id, ErrInvalidTransition, from, to)
	}

	now := r.now()
	job.Status = to
	job.UpdatedAt = now
	if update.Message != "" {
		job.Message = update.Message
	}
	if update.Progress != nil {
		job.Progress = clampProgress(*update.Progress)
	}
	if update.Metrics != nil {
		job.Metrics = make(map[string]any, len(update.Metrics))
		for k, v := range update.Metrics {
			job.Metrics[k] = v
		}
	}
	switch {
	case to == models.JobStatusRunning:
		job.StartedAt = &now
	case to.IsTerminal():
		job.CompletedAt = &now
	}

	r.appendEvent(id, &from, to, job.Message, now)
	return nil
}

// UpdateJobProgress records progress for a RUNNING job
func (r *MemoryJobRepository) UpdateJobProgress(_ context.Context, id string, progress float64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("update job %s: %w", id, ErrJobNotFound)
	}
	if job.Status != models.JobStatusRunning {
		return fmt.Errorf("update job %s: %w: progress in status %s", id, ErrInvalidTransition, job.Status)
	}

	job.Progress = clampProgress(progress)
	if message != "" {
		job.Message = message
	}
	job.UpdatedAt = r.now()
	return nil
}

// GetJobEvents returns the transition log of a job, oldest first
func (r *MemoryJobRepository) GetJobEvents(_ context.Context, id string) ([]models.JobEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.jobs[id]; !ok {
		return nil, fmt.Errorf("get events %s: %w", id, ErrJobNotFound)
	}
	events := make([]models.JobEvent, len(r.events[id]))
	copy(events, r.events[id])
	return events, nil
}

// appendEvent must be called with mu held
func (r *MemoryJobRepository) appendEvent(id string, from *models.JobStatus, to models.JobStatus, message string, at time.Time) {
	r.nextEventID++
	var fromCopy *models.JobStatus
	if from != nil {
		f := *from
		fromCopy = &f
	}
	r.events[id] = append(r.events[id], models.JobEvent{
		ID:         r.nextEventID,
		JobID:      id,
		At:         at,
		FromStatus: fromCopy,
		ToStatus:   to,
		Message:    message,
	})
}
