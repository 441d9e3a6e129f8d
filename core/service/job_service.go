package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataInsightAutomation/trainingFramework/core/executor"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"
	"github.com/DataInsightAutomation/trainingFramework/core/scheduler"
	"github.com/DataInsightAutomation/trainingFramework/core/spec"
	"github.com/DataInsightAutomation/trainingFramework/storage"

	"go.uber.org/zap"
)

// Dispatcher runs registered jobs in the background
type Dispatcher interface {
	Dispatch(jobID string, params models.Params, work models.WorkFunc) error
}

// SubmitObserver is told about every accepted submission
type SubmitObserver interface {
	JobSubmitted(kind models.JobKind)
}

// Resolvers turn request bodies into runnable parameter sets
type Resolvers struct {
	Train  *spec.TrainResolver
	Eval   *spec.EvalResolver
	Export *spec.ExportResolver
}

// JobService accepts job submissions and answers status queries
type JobService struct {
	repo       repository.JobRepository
	dispatcher Dispatcher
	runner     executor.Runner
	resolvers  Resolvers
	artifacts  storage.ArtifactStore
	observer   SubmitObserver
	log        *zap.SugaredLogger
}

type Option func(*JobService)

// WithArtifactStore uploads each job's output directory after it succeeds
func WithArtifactStore(store storage.ArtifactStore) Option {
	return func(s *JobService) {
		s.artifacts = store
	}
}

func WithSubmitObserver(o SubmitObserver) Option {
	return func(s *JobService) {
		s.observer = o
	}
}

func NewJobService(repo repository.JobRepository, dispatcher Dispatcher, runner executor.Runner, resolvers Resolvers, opts ...Option) *JobService {
	s := &JobService{
		repo:       repo,
		dispatcher: dispatcher,
		runner:     runner,
		resolvers:  resolvers,
		log:        zap.S().Named("job_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitTraining registers and dispatches a fine-tuning job
func (s *JobService) SubmitTraining(ctx context.Context, req *spec.TrainRequest) (*models.Job, error) {
	resolved, err := s.resolvers.Train.Resolve(req)
	if err != nil {
		return nil, NewErrInvalidRequest(err)
	}
	if resolved.HasCustomDatasets {
		s.log.Infow("training with custom datasets", "datasets", resolved.Params.String("dataset"))
	}
	return s.submit(ctx, resolved)
}

// SubmitEvaluation registers and dispatches a training evaluation or a benchmark
func (s *JobService) SubmitEvaluation(ctx context.Context, req *spec.EvaluateRequest) (*models.Job, error) {
	resolved, err := s.resolvers.Eval.Resolve(req)
	if err != nil {
		return nil, NewErrInvalidRequest(err)
	}
	return s.submit(ctx, resolved)
}

// SubmitExport registers and dispatches a model export
func (s *JobService) SubmitExport(ctx context.Context, req *spec.ExportRequest) (*models.Job, error) {
	resolved, err := s.resolvers.Export.Resolve(req)
	if err != nil {
		return nil, NewErrInvalidRequest(err)
	}
	return s.submit(ctx, resolved)
}

func (s *JobService) submit(ctx context.Context, resolved *spec.Resolved) (*models.Job, error) {
	job := models.NewJob(resolved.Kind, resolved.Params, resolved.DatasetDetails)
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("register job: %w", err)
	}

	work := executor.WorkFor(s.runner, resolved.Kind, resolved.DatasetDetails)
	if s.artifacts != nil {
		work = executor.WithArtifactSync(work, s.artifacts, executor.ArtifactKey(resolved.Kind))
	}

	if err := s.dispatcher.Dispatch(job.ID, job.Parameters, work); err != nil {
		s.abandon(ctx, job.ID, err)
		if errors.Is(err, scheduler.ErrDispatcherStopped) {
			return nil, NewErrServiceUnavailable("server is shutting down")
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	if s.observer != nil {
		s.observer.JobSubmitted(resolved.Kind)
	}
	s.log.Infow("job submitted", "job_id", job.ID, "kind", job.Kind)

	return s.GetJob(ctx, job.ID)
}

// abandon closes out a job that was registered but never reached a worker
func (s *JobService) abandon(ctx context.Context, jobID string, cause error) {
	msg := fmt.Sprintf("Error: %v", cause)
	if err := s.repo.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, repository.StatusUpdate{Message: "Dispatch failed"}); err != nil {
		s.log.Errorw("failed to abandon job", "job_id", jobID, "error", err)
		return
	}
	if err := s.repo.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, repository.StatusUpdate{Message: msg}); err != nil {
		s.log.Errorw("failed to abandon job", "job_id", jobID, "error", err)
	}
}

// GetJob returns the job with credentials masked
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	job.Parameters = job.Parameters.Redacted()
	return job, nil
}

// ListJobs returns jobs matching filter, newest first
func (s *JobService) ListJobs(ctx context.Context, filter repository.ListFilter) ([]*models.Job, error) {
	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		job.Parameters = job.Parameters.Redacted()
	}
	return jobs, nil
}

// GetJobEvents returns the job's transition history, oldest first
func (s *JobService) GetJobEvents(ctx context.Context, id string) ([]models.JobEvent, error) {
	events, err := s.repo.GetJobEvents(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return events, nil
}
