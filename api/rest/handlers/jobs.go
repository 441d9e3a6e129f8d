package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"
	"github.com/DataInsightAutomation/trainingFramework/core/spec"

	"github.com/gorilla/mux"
)

// JobService is what the job endpoints need from the service layer
type JobService interface {
	SubmitTraining(ctx context.Context, req *spec.TrainRequest) (*models.Job, error)
	SubmitEvaluation(ctx context.Context, req *spec.EvaluateRequest) (*models.Job, error)
	SubmitExport(ctx context.Context, req *spec.ExportRequest) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter repository.ListFilter) ([]*models.Job, error)
	GetJobEvents(ctx context.Context, id string) ([]models.JobEvent, error)
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs JobService
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// SubmitResponse is returned by every submission endpoint
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// StatusResponse is the job record as seen by clients
type StatusResponse struct {
	JobID      string           `json:"job_id"`
	Kind       models.JobKind   `json:"kind"`
	Status     models.JobStatus `json:"status"`
	Progress   float64          `json:"progress"`
	Message    string           `json:"message"`
	Parameters models.Params    `json:"parameters"`
	Metrics    map[string]any   `json:"metrics,omitempty"`

	DatasetDetails []models.DatasetAttributes `json:"dataset_details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newStatusResponse(job *models.Job) StatusResponse {
	return StatusResponse{
		JobID:          job.ID,
		Kind:           job.Kind,
		Status:         job.Status,
		Progress:       job.Progress,
		Message:        job.Message,
		Parameters:     job.Parameters,
		Metrics:        job.Metrics,
		DatasetDetails: job.DatasetDetails,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}

// Train handles POST /v1/train
func (h *JobHandler) Train(w http.ResponseWriter, r *http.Request) {
	var req spec.TrainRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.jobs.SubmitTraining(r.Context(), &req)
	h.submitted(w, r, job, err)
}

// Evaluate handles POST /v1/evaluate
func (h *JobHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req spec.EvaluateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.jobs.SubmitEvaluation(r.Context(), &req)
	h.submitted(w, r, job, err)
}

// Export handles POST /v1/export
func (h *JobHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req spec.ExportRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.jobs.SubmitExport(r.Context(), &req)
	h.submitted(w, r, job, err)
}

func (h *JobHandler) submitted(w http.ResponseWriter, r *http.Request, job *models.Job, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// the job may already have left PENDING by the time it is read back
	writeJSON(w, r, http.StatusOK, SubmitResponse{JobID: job.ID, Status: models.JobStatusPending})
}

// GetJob handles GET /v1/train/{job_id}/status and GET /v1/export/status/{job_id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newStatusResponse(job))
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{
		Kind:   models.JobKind(q.Get("kind")),
		Status: models.JobStatus(q.Get("status")),
		Limit:  50,
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items := make([]StatusResponse, len(jobs))
	for i, job := range jobs {
		items[i] = newStatusResponse(job)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

// GetJobEvents handles GET /v1/jobs/{job_id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.jobs.GetJobEvents(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items := make([]map[string]any, len(events))
	for i, event := range events {
		item := map[string]any{
			"at":        event.At,
			"to_status": event.ToStatus,
			"message":   event.Message,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}
