package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is a fine-tune, evaluation, benchmark or export run tracked by the registry
type Job struct {
	ID             string
	Kind           JobKind
	Status         JobStatus
	Progress       float64
	Message        string
	Parameters     Params
	DatasetDetails []DatasetAttributes
	Metrics        map[string]any
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// NewJob builds a PENDING job record for the given kind and resolved parameters
func NewJob(kind JobKind, params Params, details []DatasetAttributes) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             NewJobID(kind),
		Kind:           kind,
		Status:         JobStatusPending,
		Message:        "Job submitted",
		Parameters:     params,
		DatasetDetails: details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a copy that shares no maps or slices with j
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters = j.Parameters.Clone()
	if j.DatasetDetails != nil {
		c.DatasetDetails = make([]DatasetAttributes, len(j.DatasetDetails))
		for i, d := range j.DatasetDetails {
			c.DatasetDetails[i] = d.Clone()
		}
	}
	if j.Metrics != nil {
		c.Metrics = make(map[string]any, len(j.Metrics))
		for k, v := range j.Metrics {
			c.Metrics[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobKind is the kind of work a job performs
type JobKind string

const (
	JobKindTrain     JobKind = "train"
	JobKindEval      JobKind = "eval"
	JobKindBenchmark JobKind = "benchmark"
	JobKindExport    JobKind = "export"
)

// NewJobID returns a random job identifier prefixed with the job kind
func NewJobID(kind JobKind) string {
	return string(kind) + "-" + uuid.NewString()
}

// KindFromJobID recovers the kind prefix of an id built by NewJobID
func KindFromJobID(id string) JobKind {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return ""
	}
	switch k := JobKind(prefix); k {
	case JobKindTrain, JobKindEval, JobKindBenchmark, JobKindExport:
		return k
	}
	return ""
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusWarning   JobStatus = "WARNING"
	JobStatusFailed    JobStatus = "FAILED"
)

// ParseJobStatus normalizes a status string returned by a unit of work.
// Empty input maps to COMPLETED; "error" is accepted as FAILED.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "COMPLETED", "SUCCESS":
		return JobStatusCompleted, true
	case "WARNING":
		return JobStatusWarning, true
	case "FAILED", "ERROR":
		return JobStatusFailed, true
	case "PENDING":
		return JobStatusPending, true
	case "RUNNING":
		return JobStatusRunning, true
	}
	return "", false
}

// IsTerminal reports whether no further transition is allowed out of s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusWarning || s == JobStatusFailed
}

// CanTransitionTo reports whether s -> next is an edge of the lifecycle
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// JobResult is what a unit of work reports back to the dispatcher
type JobResult struct {
	Status  JobStatus
	Message string
	Metrics map[string]any
}
