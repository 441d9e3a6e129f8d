package spec

import (
	"strings"

	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
)

// ExportRequest is the body of a model export submission
type ExportRequest struct {
	ModelNameOrPath   string  `json:"model_name_or_path" validate:"required"`
	AdapterNameOrPath string  `json:"adapter_name_or_path" validate:"required"`
	ExportDir         string  `json:"export_dir" validate:"required"`
	ExportHubModelID  *string `json:"export_hub_model_id,omitempty"`
	HFHubToken        string  `json:"hf_hub_token,omitempty"`

	Quantization     *bool `json:"quantization,omitempty"`
	QuantizationBits *int  `json:"quantization_bits,omitempty"`
	MergeAdapter     *bool `json:"merge_adapter,omitempty"`
	ExportAdapter    *bool `json:"export_adapter,omitempty"`
	PushToHub        *bool `json:"push_to_hub,omitempty"`
	Private          *bool `json:"private,omitempty"`

	ExportSize                 *int    `json:"export_size,omitempty"`
	ExportDevice               *string `json:"export_device,omitempty"`
	ExportLegacyFormat         *bool   `json:"export_legacy_format,omitempty"`
	ExportQuantizationDataset  *string `json:"export_quantization_dataset,omitempty"`
	ExportQuantizationNSamples *int    `json:"export_quantization_nsamples,omitempty"`
	ExportQuantizationMaxLen   *int    `json:"export_quantization_maxlen,omitempty"`
	ExportQuantizationBit      *int    `json:"export_quantization_bit,omitempty"`
}

// ExportResolver turns export requests into framework parameters
type ExportResolver struct {
	defaults *defaults.Table
}

// NewExportResolver creates an export resolver
func NewExportResolver(table *defaults.Table) *ExportResolver {
	return &ExportResolver{defaults: table}
}

// Resolve starts from the export defaults and lets every explicit field override them
func (r *ExportResolver) Resolve(req *ExportRequest) (*Resolved, error) {
	required := []struct{ field, value string }{
		{"model_name_or_path", req.ModelNameOrPath},
		{"adapter_name_or_path", req.AdapterNameOrPath},
		{"export_dir", req.ExportDir},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, &ValidationError{Field: f.field, Reason: "is required"}
		}
	}

	params := models.Params(r.defaults.Export())
	params["model_name_or_path"] = strings.TrimSpace(req.ModelNameOrPath)
	params["adapter_name_or_path"] = strings.TrimSpace(req.AdapterNameOrPath)
	params["export_dir"] = strings.TrimSpace(req.ExportDir)

	setIf(params, "export_hub_model_id", req.ExportHubModelID)
	setIf(params, "quantization", req.Quantization)
	setIf(params, "quantization_bits", req.QuantizationBits)
	setIf(params, "merge_adapter", req.MergeAdapter)
	setIf(params, "export_adapter", req.ExportAdapter)
	setIf(params, "push_to_hub", req.PushToHub)
	setIf(params, "private", req.Private)
	setIf(params, "export_size", req.ExportSize)
	setIf(params, "export_device", req.ExportDevice)
	setIf(params, "export_legacy_format", req.ExportLegacyFormat)
	setIf(params, "export_quantization_dataset", req.ExportQuantizationDataset)
	setIf(params, "export_quantization_nsamples", req.ExportQuantizationNSamples)
	setIf(params, "export_quantization_maxlen", req.ExportQuantizationMaxLen)
	setIf(params, "export_quantization_bit", req.ExportQuantizationBit)
	if req.HFHubToken != "" {
		params[HubTokenKey] = req.HFHubToken
	}

	if params.Bool("push_to_hub") && params.String("export_hub_model_id") == "" {
		return nil, &ValidationError{Field: "export_hub_model_id", Reason: "is required when push_to_hub is set"}
	}

	return &Resolved{
		Kind:   models.JobKindExport,
		Params: params,
	}, nil
}
