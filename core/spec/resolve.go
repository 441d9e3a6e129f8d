package spec

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// HubTokenKey is the framework argument carrying the model hub credential
const HubTokenKey = "hf_hub_token"

// LoRA hyperparameters applied when the request leaves them unset
const (
	DefaultLoraRank    = 8
	DefaultLoraAlpha   = 16
	DefaultLoraDropout = 0.0
	DefaultLoraTarget  = "all"
)

// ValidationError is returned when a request cannot be turned into a runnable job
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Resolved is a fully specified job ready to be registered and dispatched
type Resolved struct {
	Kind              models.JobKind
	Params            models.Params
	DatasetDetails    []models.DatasetAttributes
	HasCustomDatasets bool
}

// FinetuningType maps a finetuning method to the framework's finetuning_type
// and the quantization bit it implies, if any. Unknown methods fall back to lora.
func FinetuningType(method string) (string, int) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "qlora":
		return "lora", 4
	case "freeze":
		return "freeze", 0
	case "full":
		return "full", 0
	}
	return "lora", 0
}

// ModelShortName returns the last path segment of a model identifier
func ModelShortName(model string) string {
	model = strings.TrimRight(strings.TrimSpace(model), "/\\")
	if i := strings.LastIndexAny(model, "/\\"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// savesPath builds a directory under the saves root
func savesPath(root string, elem ...string) string {
	return filepath.Join(append([]string{root}, elem...)...)
}

func setIf[T any](p models.Params, key string, v *T) {
	if v != nil {
		p[key] = *v
	}
}

func valueOr[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
