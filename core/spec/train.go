package spec

import (
	"path/filepath"
	"strings"

	"github.com/DataInsightAutomation/trainingFramework/core/datasets"
	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// TrainRequest is the body of a fine-tuning submission
type TrainRequest struct {
	ModelName        string   `json:"model_name" validate:"required_without=ModelPath"`
	ModelPath        string   `json:"model_path,omitempty"`
	Datasets         []string `json:"datasets" validate:"required,min=1"`
	Stage            string   `json:"stage,omitempty"`
	FinetuningMethod string   `json:"finetuning_method,omitempty"`
	Token            string   `json:"token,omitempty"`

	AutoConfigDatasets  *bool             `json:"auto_config_datasets,omitempty"`
	Ranking             *bool             `json:"ranking,omitempty"`
	CustomColumnMapping bool              `json:"custom_column_mapping,omitempty"`
	PromptColumn        string            `json:"prompt_column,omitempty"`
	QueryColumn         string            `json:"query_column,omitempty"`
	ResponseColumn      string            `json:"response_column,omitempty"`
	ChosenColumn        string            `json:"chosen_column,omitempty"`
	RejectedColumn      string            `json:"rejected_column,omitempty"`
	DatasetTypes        map[string]string `json:"dataset_types,omitempty"`

	LoraRank    *int     `json:"lora_rank,omitempty"`
	LoraAlpha   *int     `json:"lora_alpha,omitempty"`
	LoraDropout *float64 `json:"lora_dropout,omitempty"`
	LoraTarget  *string  `json:"lora_target,omitempty"`

	TrainingArguments
}

// TrainingArguments are optional framework arguments passed through when set
type TrainingArguments struct {
	TrustRemoteCode           *bool    `json:"trust_remote_code,omitempty"`
	Template                  *string  `json:"template,omitempty"`
	CutoffLen                 *int     `json:"cutoff_len,omitempty"`
	MaxSamples                *int     `json:"max_samples,omitempty"`
	OverwriteCache            *bool    `json:"overwrite_cache,omitempty"`
	PreprocessingNumWorkers   *int     `json:"preprocessing_num_workers,omitempty"`
	PerDeviceTrainBatchSize   *int     `json:"per_device_train_batch_size,omitempty"`
	GradientAccumulationSteps *int     `json:"gradient_accumulation_steps,omitempty"`
	LearningRate              *float64 `json:"learning_rate,omitempty"`
	NumTrainEpochs            *float64 `json:"num_train_epochs,omitempty"`
	LrSchedulerType           *string  `json:"lr_scheduler_type,omitempty"`
	WarmupRatio               *float64 `json:"warmup_ratio,omitempty"`
	Bf16                      *bool    `json:"bf16,omitempty"`
	OutputDir                 *string  `json:"output_dir,omitempty"`
	LoggingSteps              *int     `json:"logging_steps,omitempty"`
	SaveSteps                 *int     `json:"save_steps,omitempty"`
	PlotLoss                  *bool    `json:"plot_loss,omitempty"`
	OverwriteOutputDir        *bool    `json:"overwrite_output_dir,omitempty"`
	QuantizationBit           *int     `json:"quantization_bit,omitempty"`
	RewardModel               *string  `json:"reward_model,omitempty"`
	ReportTo                  *string  `json:"report_to,omitempty"`
}

func (a *TrainingArguments) explicit() models.Params {
	p := models.Params{}
	setIf(p, "trust_remote_code", a.TrustRemoteCode)
	setIf(p, "template", a.Template)
	setIf(p, "cutoff_len", a.CutoffLen)
	setIf(p, "max_samples", a.MaxSamples)
	setIf(p, "overwrite_cache", a.OverwriteCache)
	setIf(p, "preprocessing_num_workers", a.PreprocessingNumWorkers)
	setIf(p, "per_device_train_batch_size", a.PerDeviceTrainBatchSize)
	setIf(p, "gradient_accumulation_steps", a.GradientAccumulationSteps)
	setIf(p, "learning_rate", a.LearningRate)
	setIf(p, "num_train_epochs", a.NumTrainEpochs)
	setIf(p, "lr_scheduler_type", a.LrSchedulerType)
	setIf(p, "warmup_ratio", a.WarmupRatio)
	setIf(p, "bf16", a.Bf16)
	setIf(p, "output_dir", a.OutputDir)
	setIf(p, "logging_steps", a.LoggingSteps)
	setIf(p, "save_steps", a.SaveSteps)
	setIf(p, "plot_loss", a.PlotLoss)
	setIf(p, "overwrite_output_dir", a.OverwriteOutputDir)
	setIf(p, "quantization_bit", a.QuantizationBit)
	setIf(p, "report_to", a.ReportTo)
	if a.RewardModel != nil && strings.TrimSpace(*a.RewardModel) != "" {
		p["reward_model"] = *a.RewardModel
	}
	return p
}

func (r *TrainRequest) datasetOverrides() *datasets.Overrides {
	return &datasets.Overrides{
		AutoConfig:          r.AutoConfigDatasets,
		Ranking:             r.Ranking,
		CustomColumnMapping: r.CustomColumnMapping,
		Columns: datasets.Columns{
			Prompt:   r.PromptColumn,
			Query:    r.QueryColumn,
			Response: r.ResponseColumn,
			Chosen:   r.ChosenColumn,
			Rejected: r.RejectedColumn,
		},
		Types: r.DatasetTypes,
	}
}

// TrainResolver turns training requests into framework parameters
type TrainResolver struct {
	datasets *datasets.Resolver
	defaults *defaults.Table
	savesDir string
	abs      func(string) (string, error)
}

// NewTrainResolver creates a resolver writing outputs under savesDir
func NewTrainResolver(ds *datasets.Resolver, table *defaults.Table, savesDir string) *TrainResolver {
	return &TrainResolver{
		datasets: ds,
		defaults: table,
		savesDir: savesDir,
		abs:      filepath.Abs,
	}
}

// Resolve merges, in order: base fields, finetuning method, LoRA settings,
// explicit request arguments, stage defaults for what is still unset, and
// derived paths. Dataset details are returned alongside the parameters.
func (r *TrainResolver) Resolve(req *TrainRequest) (*Resolved, error) {
	stage, err := models.ParseStage(req.Stage)
	if err != nil {
		return nil, &ValidationError{Field: "stage", Reason: err.Error()}
	}

	model := strings.TrimSpace(req.ModelName)
	if p := strings.TrimSpace(req.ModelPath); p != "" {
		model = p
	}
	if model == "" {
		return nil, &ValidationError{Field: "model_name", Reason: "a model name or path is required"}
	}

	ds := r.datasets.Resolve(req.Datasets, stage, req.datasetOverrides())
	if len(ds.Names) == 0 {
		return nil, &ValidationError{Field: "datasets", Reason: "at least one dataset is required"}
	}

	params := models.Params{
		"model_name_or_path": model,
		"dataset":            ds.Joined(),
		"stage":              string(stage),
		"do_train":           true,
	}

	finetuningType, quantizationBit := FinetuningType(req.FinetuningMethod)
	params["finetuning_type"] = finetuningType
	if quantizationBit > 0 {
		params["quantization_bit"] = quantizationBit
	}

	if finetuningType == "lora" {
		params["lora_rank"] = valueOr(req.LoraRank, DefaultLoraRank)
		params["lora_alpha"] = valueOr(req.LoraAlpha, DefaultLoraAlpha)
		params["lora_dropout"] = valueOr(req.LoraDropout, DefaultLoraDropout)
		params["lora_target"] = valueOr(req.LoraTarget, DefaultLoraTarget)
	}

	for k, v := range req.explicit() {
		params[k] = v
	}
	if req.Token != "" {
		params[HubTokenKey] = req.Token
	}

	params.Merge(r.defaults.ForStage(string(stage)))

	short := ModelShortName(model)
	params.SetDefault("output_dir", savesPath(r.savesDir, short, string(stage), finetuningType))

	if stage == models.StagePPO {
		if params.String("reward_model") == "" {
			params["reward_model"] = r.rewardModelPath(short)
		}
		if params.String("reward_model") == "" {
			return nil, &ValidationError{Field: "reward_model", Reason: "ppo requires a reward model path"}
		}
	}

	return &Resolved{
		Kind:              models.JobKindTrain,
		Params:            params,
		DatasetDetails:    ds.Details(),
		HasCustomDatasets: ds.HasCustom,
	}, nil
}

// rewardModelPath is where a reward model trained with the rm stage is saved
func (r *TrainResolver) rewardModelPath(short string) string {
	if short == "" {
		return ""
	}
	p := savesPath(r.savesDir, short, string(models.StageRM), "lora")
	if abs, err := r.abs(p); err == nil {
		return abs
	}
	return p
}
