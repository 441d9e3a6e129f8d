package executor

import (
	"context"
	"fmt"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// Task is one unit of delegated work
type Task struct {
	JobID          string
	Kind           models.JobKind
	Params         models.Params
	DatasetDetails []models.DatasetAttributes
	Report         models.ProgressFunc
}

func (t *Task) report(progress float64, message string) {
	if t.Report != nil {
		t.Report(progress, message)
	}
}

// Runner executes jobs through the external training framework
type Runner interface {
	Train(ctx context.Context, task *Task) (*models.JobResult, error)
	Evaluate(ctx context.Context, task *Task) (*models.JobResult, error)
	Benchmark(ctx context.Context, task *Task) (*models.JobResult, error)
	Export(ctx context.Context, task *Task) (*models.JobResult, error)
}

// WorkFor adapts a runner to the dispatcher's work contract for one job kind
func WorkFor(r Runner, kind models.JobKind, details []models.DatasetAttributes) models.WorkFunc {
	return func(ctx context.Context, jobID string, params models.Params, report models.ProgressFunc) (*models.JobResult, error) {
		task := &Task{
			JobID:          jobID,
			Kind:           kind,
			Params:         params,
			DatasetDetails: details,
			Report:         report,
		}
		switch kind {
		case models.JobKindTrain:
			return r.Train(ctx, task)
		case models.JobKindEval:
			return r.Evaluate(ctx, task)
		case models.JobKindBenchmark:
			return r.Benchmark(ctx, task)
		case models.JobKindExport:
			return r.Export(ctx, task)
		}
		return nil, fmt.Errorf("no runner for job kind %q", kind)
	}
}

// keys consumed by this service that the framework does not accept
var serviceOnlyKeys = []string{"has_custom_datasets"}

// keys the export entry point rejects
var exportOnlyKeys = []string{
	"dataloader_num_workers",
	"export_format",
	"merge_adapter",
	"private",
	"push_to_hub",
	"quantization",
	"quantization_bits",
}

// frameworkArgs returns params without service bookkeeping and credentials
func frameworkArgs(params models.Params, drop ...string) models.Params {
	args := params.Clone()
	if args == nil {
		args = models.Params{}
	}
	for _, k := range serviceOnlyKeys {
		delete(args, k)
	}
	for _, k := range models.SecretParamKeys {
		delete(args, k)
	}
	for _, k := range drop {
		delete(args, k)
	}
	return args
}

func exportResult(params models.Params) map[string]any {
	var hubModelID any
	if params.Bool("push_to_hub") && params.String("export_hub_model_id") != "" {
		hubModelID = params.String("export_hub_model_id")
	}
	return map[string]any{
		"export_path":  params.String("export_dir"),
		"hub_model_id": hubModelID,
	}
}

func trainResult(task *Task) *models.JobResult {
	if len(task.DatasetDetails) == 0 {
		return &models.JobResult{
			Status:  models.JobStatusWarning,
			Message: "No dataset details provided",
		}
	}
	return &models.JobResult{
		Status:  models.JobStatusCompleted,
		Message: fmt.Sprintf("Training completed for %s", task.Params.String("model_name_or_path")),
	}
}
