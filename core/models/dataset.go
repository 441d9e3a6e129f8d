package models

import (
	"fmt"
	"strings"
)

// Stage is a training objective understood by the external framework
type Stage string

const (
	StageSFT  Stage = "sft"
	StagePT   Stage = "pt"
	StageRM   Stage = "rm"
	StagePPO  Stage = "ppo"
	StageDPO  Stage = "dpo"
	StageKTO  Stage = "kto"
	StageORPO Stage = "orpo"
)

// Stages lists every supported stage
var Stages = []Stage{StageSFT, StagePT, StageRM, StagePPO, StageDPO, StageKTO, StageORPO}

// ParseStage validates a stage name. An empty name means sft.
func ParseStage(s string) (Stage, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StageSFT, nil
	}
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unsupported stage %q", s)
}

// IsPreference reports whether the stage trains on chosen/rejected pairs
func (s Stage) IsPreference() bool {
	switch s {
	case StageRM, StageDPO, StageKTO, StageORPO:
		return true
	}
	return false
}

// DatasetSource is where the external framework loads a dataset from
type DatasetSource string

const (
	DatasetSourceLocalFile   DatasetSource = "local_file"
	DatasetSourceHuggingFace DatasetSource = "huggingface_hub"
	DatasetSourceModelScope  DatasetSource = "modelscope_hub"
	DatasetSourceOpenMind    DatasetSource = "openmind_hub"
	DatasetSourceScript      DatasetSource = "script"
	DatasetSourceCloudFile   DatasetSource = "cloud_file"
)

// ParseDatasetSource maps a caller supplied type or hub name to a source
func ParseDatasetSource(s string) (DatasetSource, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "local_file", "file":
		return DatasetSourceLocalFile, true
	case "huggingface", "hf", "hf_hub", "huggingface_hub":
		return DatasetSourceHuggingFace, true
	case "modelscope", "ms", "ms_hub", "modelscope_hub":
		return DatasetSourceModelScope, true
	case "openmind", "om", "om_hub", "openmind_hub":
		return DatasetSourceOpenMind, true
	case "script":
		return DatasetSourceScript, true
	case "cloud_file", "cloud":
		return DatasetSourceCloudFile, true
	}
	return "", false
}

// DatasetAttributes describes how the framework should read one dataset
type DatasetAttributes struct {
	Name    string            `json:"name"`
	Source  DatasetSource     `json:"source"`
	Ranking bool              `json:"ranking"`
	Columns map[string]string `json:"columns,omitempty"`
}

// Clone returns a copy that does not share the column map
func (d DatasetAttributes) Clone() DatasetAttributes {
	if d.Columns != nil {
		cols := make(map[string]string, len(d.Columns))
		for k, v := range d.Columns {
			cols[k] = v
		}
		d.Columns = cols
	}
	return d
}
