package executor

import (
	"context"
	"fmt"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/storage"
)

// ArtifactKey names the parameter holding the directory a job kind produces
func ArtifactKey(kind models.JobKind) string {
	switch kind {
	case models.JobKindExport:
		return "export_dir"
	case models.JobKindBenchmark:
		return "save_dir"
	}
	return "output_dir"
}

// WithArtifactSync uploads the directory named by params[key] once work
// succeeds. A failed upload turns the result into a WARNING.
func WithArtifactSync(work models.WorkFunc, store storage.ArtifactStore, key string) models.WorkFunc {
	return func(ctx context.Context, jobID string, params models.Params, report models.ProgressFunc) (*models.JobResult, error) {
		result, err := work(ctx, jobID, params, report)
		if err != nil {
			return result, err
		}
		if result == nil {
			result = &models.JobResult{Status: models.JobStatusCompleted}
		}
		if result.Status == models.JobStatusFailed {
			return result, nil
		}

		dir := params.String(key)
		if dir == "" {
			return result, nil
		}

		uris, err := store.Upload(ctx, jobID, dir)
		if err != nil {
			result.Status = models.JobStatusWarning
			result.Message = fmt.Sprintf("%s (artifact upload failed: %v)", messageOr(result.Message, "Job finished"), err)
			return result, nil
		}

		if result.Metrics == nil {
			result.Metrics = map[string]any{}
		}
		result.Metrics["artifacts"] = uris
		return result, nil
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
