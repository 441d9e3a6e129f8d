package spec

import (
	"strings"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/datasets"
	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// Evaluation types accepted by the evaluate endpoint
const (
	EvaluationTraining  = "training"
	EvaluationBenchmark = "benchmark"
)

const evalTimestampLayout = "2006-01-02-15-04-05"

// EvaluateRequest is discriminated by EvaluationType: training evaluates
// against eval datasets, benchmark runs a task such as mmlu or ceval.
type EvaluateRequest struct {
	EvaluationType    string  `json:"evaluation_type,omitempty"`
	ModelNameOrPath   string  `json:"model_name_or_path" validate:"required"`
	AdapterNameOrPath *string `json:"adapter_name_or_path,omitempty"`
	HubToken          string  `json:"hub_token,omitempty"`
	FinetuningType    *string `json:"finetuning_type,omitempty"`
	Template          *string `json:"template,omitempty"`
	TrustRemoteCode   *bool   `json:"trust_remote_code,omitempty"`

	// training
	Stage                   string            `json:"stage,omitempty"`
	EvalDataset             string            `json:"eval_dataset,omitempty"`
	DatasetTypes            map[string]string `json:"dataset_types,omitempty"`
	OutputDir               *string           `json:"output_dir,omitempty"`
	QuantizationMethod      *string           `json:"quantization_method,omitempty"`
	QuantizationBit         *int              `json:"quantization_bit,omitempty"`
	FlashAttn               *string           `json:"flash_attn,omitempty"`
	DatasetDir              *string           `json:"dataset_dir,omitempty"`
	CutoffLen               *int              `json:"cutoff_len,omitempty"`
	MaxSamples              *int              `json:"max_samples,omitempty"`
	PreprocessingNumWorkers *int              `json:"preprocessing_num_workers,omitempty"`
	PerDeviceEvalBatchSize  *int              `json:"per_device_eval_batch_size,omitempty"`
	PredictWithGenerate     *bool             `json:"predict_with_generate,omitempty"`
	MaxNewTokens            *int              `json:"max_new_tokens,omitempty"`
	TopP                    *float64          `json:"top_p,omitempty"`
	Temperature             *float64          `json:"temperature,omitempty"`

	// benchmark
	Task      string  `json:"task,omitempty"`
	TaskDir   *string `json:"task_dir,omitempty"`
	SaveDir   *string `json:"save_dir,omitempty"`
	NShot     *int    `json:"n_shot,omitempty"`
	Lang      *string `json:"lang,omitempty"`
	BatchSize *int    `json:"batch_size,omitempty"`
	Seed      *int    `json:"seed,omitempty"`
}

// EvalResolver turns evaluation requests into framework parameters
type EvalResolver struct {
	datasets *datasets.Resolver
	defaults *defaults.Table
	savesDir string
	now      func() time.Time
}

// NewEvalResolver creates a resolver writing outputs under savesDir
func NewEvalResolver(ds *datasets.Resolver, table *defaults.Table, savesDir string) *EvalResolver {
	return &EvalResolver{
		datasets: ds,
		defaults: table,
		savesDir: savesDir,
		now:      time.Now,
	}
}

// Resolve dispatches on the evaluation type
func (r *EvalResolver) Resolve(req *EvaluateRequest) (*Resolved, error) {
	model := strings.TrimSpace(req.ModelNameOrPath)
	if model == "" {
		return nil, &ValidationError{Field: "model_name_or_path", Reason: "a model is required"}
	}

	switch strings.ToLower(strings.TrimSpace(req.EvaluationType)) {
	case "", EvaluationTraining:
		return r.resolveTraining(req, model)
	case EvaluationBenchmark:
		return r.resolveBenchmark(req, model)
	}
	return nil, &ValidationError{
		Field:  "evaluation_type",
		Reason: "must be " + EvaluationTraining + " or " + EvaluationBenchmark,
	}
}

func (r *EvalResolver) resolveTraining(req *EvaluateRequest, model string) (*Resolved, error) {
	stage, err := models.ParseStage(req.Stage)
	if err != nil {
		return nil, &ValidationError{Field: "stage", Reason: err.Error()}
	}

	ds := r.datasets.Resolve(splitList(req.EvalDataset), stage, &datasets.Overrides{Types: req.DatasetTypes})
	if len(ds.Names) == 0 {
		return nil, &ValidationError{Field: "eval_dataset", Reason: "at least one dataset is required"}
	}

	params := models.Params{
		"model_name_or_path":  model,
		"stage":               string(stage),
		"eval_dataset":        ds.Joined(),
		"do_train":            false,
		"do_eval":             true,
		"has_custom_datasets": ds.HasCustom,
	}
	setIf(params, "adapter_name_or_path", req.AdapterNameOrPath)
	setIf(params, "finetuning_type", req.FinetuningType)
	setIf(params, "template", req.Template)
	setIf(params, "trust_remote_code", req.TrustRemoteCode)
	setIf(params, "output_dir", req.OutputDir)
	setIf(params, "quantization_method", req.QuantizationMethod)
	setIf(params, "quantization_bit", req.QuantizationBit)
	setIf(params, "flash_attn", req.FlashAttn)
	setIf(params, "dataset_dir", req.DatasetDir)
	setIf(params, "cutoff_len", req.CutoffLen)
	setIf(params, "max_samples", req.MaxSamples)
	setIf(params, "preprocessing_num_workers", req.PreprocessingNumWorkers)
	setIf(params, "per_device_eval_batch_size", req.PerDeviceEvalBatchSize)
	setIf(params, "predict_with_generate", req.PredictWithGenerate)
	setIf(params, "max_new_tokens", req.MaxNewTokens)
	setIf(params, "top_p", req.TopP)
	setIf(params, "temperature", req.Temperature)
	if req.HubToken != "" {
		params[HubTokenKey] = req.HubToken
	}

	params.Merge(r.defaults.Evaluate())

	if !params.Has("output_dir") {
		dir := "eval_" + r.now().Format(evalTimestampLayout)
		params["output_dir"] = savesPath(r.savesDir, ModelShortName(model), params.String("finetuning_type"), dir)
	}

	return &Resolved{
		Kind:              models.JobKindEval,
		Params:            params,
		DatasetDetails:    ds.Details(),
		HasCustomDatasets: ds.HasCustom,
	}, nil
}

func (r *EvalResolver) resolveBenchmark(req *EvaluateRequest, model string) (*Resolved, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, &ValidationError{Field: "task", Reason: "a benchmark task is required"}
	}

	params := models.Params{
		"model_name_or_path": model,
		"task":               task,
	}
	setIf(params, "adapter_name_or_path", req.AdapterNameOrPath)
	setIf(params, "finetuning_type", req.FinetuningType)
	setIf(params, "template", req.Template)
	setIf(params, "trust_remote_code", req.TrustRemoteCode)
	setIf(params, "task_dir", req.TaskDir)
	setIf(params, "save_dir", req.SaveDir)
	setIf(params, "n_shot", req.NShot)
	setIf(params, "lang", req.Lang)
	setIf(params, "batch_size", req.BatchSize)
	setIf(params, "seed", req.Seed)
	if req.HubToken != "" {
		params[HubTokenKey] = req.HubToken
	}

	params.Merge(r.defaults.Benchmark())
	params.SetDefault("save_dir", savesPath(r.savesDir, ModelShortName(model), "benchmark", task))

	return &Resolved{
		Kind:   models.JobKindBenchmark,
		Params: params,
	}, nil
}
