package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/training/frameworks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeCLI writes an executable that records its arguments and token next to the config
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	script := "#!/bin/sh\n" +
		"dir=$(dirname \"$2\")\n" +
		"echo \"$1\" > \"$dir/subcommand\"\n" +
		"echo \"$HF_TOKEN\" > \"$dir/token\"\n" +
		body + "\n"
	path := filepath.Join(t.TempDir(), "llamafactory-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func readConfig(t *testing.T, runDir, jobID string) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, yaml.Unmarshal([]byte(readFile(t, filepath.Join(runDir, jobID+".yaml"))), &out))
	return out
}

func TestLlamaFactoryTrain(t *testing.T) {
	runDir := t.TempDir()
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, datasetInfoFile),
		[]byte(`{"alpaca_en_demo": {"file_name": "alpaca_en_demo.json"}}`), 0o644))

	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)
	task := &Task{
		JobID: "train-1",
		Kind:  models.JobKindTrain,
		Params: models.Params{
			"model_name_or_path":  "meta-llama/Llama-3.2-1B",
			"stage":               "sft",
			"dataset":             "alpaca_en_demo,org/remote",
			"dataset_dir":         dataDir,
			"output_dir":          filepath.Join(t.TempDir(), "out"),
			"hf_hub_token":        "hf_secret",
			"has_custom_datasets": false,
		},
		DatasetDetails: []models.DatasetAttributes{
			{Name: "alpaca_en_demo", Source: models.DatasetSourceLocalFile, Columns: map[string]string{"prompt": "instruction"}},
			{Name: "org/remote", Source: models.DatasetSourceHuggingFace},
		},
	}

	result, err := r.Train(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	assert.Equal(t, "Training completed for meta-llama/Llama-3.2-1B", result.Message)

	assert.Equal(t, "train\n", readFile(t, filepath.Join(runDir, "subcommand")))
	assert.Equal(t, "hf_secret\n", readFile(t, filepath.Join(runDir, "token")))

	cfg := readConfig(t, runDir, "train-1")
	assert.NotContains(t, cfg, "hf_hub_token")
	assert.NotContains(t, cfg, "has_custom_datasets")
	assert.Equal(t, "sft", cfg["stage"])

	jobData := filepath.Join(runDir, "train-1-data")
	assert.Equal(t, jobData, cfg["dataset_dir"])

	info := map[string]map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(jobData, datasetInfoFile))), &info))
	assert.Equal(t, filepath.Join(dataDir, "alpaca_en_demo.json"), info["alpaca_en_demo"]["file_name"])
	assert.Equal(t, map[string]any{"prompt": "instruction"}, info["alpaca_en_demo"]["columns"])
	assert.Equal(t, "org/remote", info["org/remote"]["hf_hub_url"])
	assert.Equal(t, false, info["org/remote"]["ranking"])
}

func TestLlamaFactoryTrainWithoutDetails(t *testing.T) {
	runDir := t.TempDir()
	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)

	result, err := r.Train(context.Background(), &Task{JobID: "train-2", Params: models.Params{"stage": "sft"}})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWarning, result.Status)
	assert.Equal(t, "No dataset details provided", result.Message)
	assert.NoDirExists(t, filepath.Join(runDir, "train-2-data"))
}

func TestLlamaFactoryFailure(t *testing.T) {
	runDir := t.TempDir()
	r := NewLlamaFactoryRunner(fakeCLI(t, "echo 'CUDA out of memory' >&2\nexit 3"), runDir)

	_, err := r.Train(context.Background(), &Task{JobID: "train-3", Params: models.Params{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "CUDA out of memory")
	// stderr reaches the job log as well as the error
	assert.Contains(t, readFile(t, filepath.Join(runDir, "train-3.log")), "CUDA out of memory")
}

func TestLlamaFactoryNoTokenInEnv(t *testing.T) {
	t.Setenv("HF_TOKEN", "server-token")
	runDir := t.TempDir()
	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)

	_, err := r.Export(context.Background(), &Task{JobID: "export-1", Params: models.Params{}})
	require.NoError(t, err)
	assert.Equal(t, "\n", readFile(t, filepath.Join(runDir, "token")))
}

func TestLlamaFactoryEvaluate(t *testing.T) {
	runDir := t.TempDir()
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, evalResultsFile),
		[]byte(`{"eval_loss": 1.25, "eval_runtime": 10.5}`), 0o644))

	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)
	result, err := r.Evaluate(context.Background(), &Task{
		JobID:  "eval-1",
		Params: models.Params{"eval_dataset": "alpaca_en_demo", "output_dir": outDir, "do_eval": true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"alpaca_en_demo": map[string]any{"eval_loss": 1.25, "eval_runtime": 10.5}}, result.Metrics)
	assert.Equal(t, "train\n", readFile(t, filepath.Join(runDir, "subcommand")))
}

func TestLlamaFactoryEvaluateMissingResults(t *testing.T) {
	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), t.TempDir())
	result, err := r.Evaluate(context.Background(), &Task{
		JobID:  "eval-2",
		Params: models.Params{"eval_dataset": "x", "output_dir": t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWarning, result.Status)
}

func TestLlamaFactoryBenchmark(t *testing.T) {
	runDir := t.TempDir()
	saveDir := t.TempDir()
	scores := "        Average: 45.20\n           STEM: 38.10\nSocial Sciences: 52.00\n"
	require.NoError(t, os.WriteFile(filepath.Join(saveDir, benchmarkScoresFile), []byte(scores), 0o644))

	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)
	result, err := r.Benchmark(context.Background(), &Task{
		JobID:  "benchmark-1",
		Params: models.Params{"task": "mmlu_test", "save_dir": saveDir, "model_name_or_path": "m"},
	})
	require.NoError(t, err)
	assert.Equal(t, "eval\n", readFile(t, filepath.Join(runDir, "subcommand")))
	assert.Equal(t, 0.452, result.Metrics["overall_accuracy"])
	assert.Equal(t, map[string]any{"stem": 0.381, "social_sciences": 0.52}, result.Metrics["categories"])
}

func TestLlamaFactoryExportStripsServiceKeys(t *testing.T) {
	runDir := t.TempDir()
	exportDir := filepath.Join(t.TempDir(), "merged")

	r := NewLlamaFactoryRunner(fakeCLI(t, "exit 0"), runDir)
	result, err := r.Export(context.Background(), &Task{
		JobID: "export-2",
		Params: models.Params{
			"model_name_or_path":   "m",
			"adapter_name_or_path": "saves/m/lora/sft",
			"export_dir":           exportDir,
			"push_to_hub":          true,
			"export_hub_model_id":  "org/merged",
			"quantization_bits":    8,
			"export_size":          5,
		},
	})
	require.NoError(t, err)
	assert.DirExists(t, exportDir)
	assert.Equal(t, map[string]any{"export_path": exportDir, "hub_model_id": "org/merged"}, result.Metrics)

	cfg := readConfig(t, runDir, "export-2")
	for _, k := range exportOnlyKeys {
		assert.NotContains(t, cfg, k)
	}
	assert.Equal(t, "org/merged", cfg["export_hub_model_id"])
	assert.Equal(t, 5, cfg["export_size"])
}

func TestLlamaFactoryCancelled(t *testing.T) {
	r := NewLlamaFactoryRunner(fakeCLI(t, "sleep 30"), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Train(ctx, &Task{JobID: "train-4", Params: models.Params{}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadTrainerProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), trainerLogFile)
	_, _, ok := readTrainerProgress(path)
	assert.False(t, ok)

	lines := `{"current_steps": 10, "total_steps": 100, "loss": 1.5, "percentage": 10.0}
{"current_steps": 50, "total_steps": 100, "loss": 0.75, "percentage": 50.0}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	p, msg, ok := readTrainerProgress(path)
	require.True(t, ok)
	assert.Equal(t, 0.5, p)
	assert.Equal(t, "Training step 50/100, loss 0.7500", msg)
}

func TestChildEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HF_TOKEN=server", "HUGGING_FACE_HUB_TOKEN=server"}

	assert.Equal(t, []string{"PATH=/usr/bin"}, childEnv(base, models.Params{}, nil))
	assert.Equal(t,
		[]string{"PATH=/usr/bin", "HF_TOKEN=job", "HUGGING_FACE_HUB_TOKEN=job"},
		childEnv(base, models.Params{"hf_hub_token": "job"}, nil))
}

func TestChildEnvLaunch(t *testing.T) {
	base := []string{"PATH=/usr/bin", "CUDA_VISIBLE_DEVICES=0,1,2,3", "NNODES=4"}
	launch := frameworks.Launch{NNodes: 1, VisibleDevices: "2,3"}

	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"CUDA_VISIBLE_DEVICES=2,3",
		"FORCE_TORCHRUN=1",
		"MASTER_ADDR=127.0.0.1",
		"MASTER_PORT=29500",
		"NNODES=1",
		"NODE_RANK=0",
	}, childEnv(base, models.Params{}, launch.Environment()))
}

func TestLlamaFactoryLaunchEnvironment(t *testing.T) {
	runDir := t.TempDir()
	cli := fakeCLI(t, "echo \"$FORCE_TORCHRUN $CUDA_VISIBLE_DEVICES\" > \"$(dirname \"$2\")/launch\"")
	r := NewLlamaFactoryRunner(cli, runDir, WithLaunch(frameworks.Launch{NNodes: 1, VisibleDevices: "0,1"}))

	res, err := r.Export(context.Background(), &Task{
		JobID: "export-launch",
		Kind:  models.JobKindExport,
		Params: models.Params{
			"model_name_or_path":   "m",
			"adapter_name_or_path": "a",
			"export_dir":           filepath.Join(t.TempDir(), "out"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, res.Status)
	assert.Equal(t, "1 0,1\n", readFile(t, filepath.Join(runDir, "launch")))
}

func TestBuildDatasetInfoRanking(t *testing.T) {
	info, err := buildDatasetInfo(t.TempDir(), []models.DatasetAttributes{
		{Name: "prefs.json", Source: models.DatasetSourceLocalFile, Ranking: true},
		{Name: "ms/data", Source: models.DatasetSourceModelScope},
		{Name: "om/data", Source: models.DatasetSourceOpenMind},
		{Name: "loader.py", Source: models.DatasetSourceScript},
		{Name: "s3://b/k.json", Source: models.DatasetSourceCloudFile},
	})
	require.NoError(t, err)
	assert.Equal(t, true, info["prefs.json"]["ranking"])
	assert.Equal(t, "ms/data", info["ms/data"]["ms_hub_url"])
	assert.Equal(t, "om/data", info["om/data"]["om_hub_url"])
	assert.Equal(t, "loader.py", info["loader.py"]["script_url"])
	assert.Equal(t, "s3://b/k.json", info["s3://b/k.json"]["cloud_file_name"])
}

func TestBuildDatasetInfoKeepsRegisteredColumns(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, datasetInfoFile), []byte(`{
		"mllm_demo": {
			"file_name": "mllm_demo.json",
			"formatting": "sharegpt",
			"columns": {"messages": "messages", "images": "images"}
		},
		"alpaca_tools": {
			"file_name": "alpaca_tools.json",
			"columns": {"prompt": "question", "system": "sys", "history": "turns"}
		}
	}`), 0o644))

	sft := map[string]string{"prompt": "instruction", "query": "input", "response": "output"}
	info, err := buildDatasetInfo(baseDir, []models.DatasetAttributes{
		{Name: "mllm_demo", Source: models.DatasetSourceLocalFile, Columns: sft},
		{Name: "alpaca_tools", Source: models.DatasetSourceLocalFile, Columns: sft},
	})
	require.NoError(t, err)

	assert.Equal(t, "sharegpt", info["mllm_demo"]["formatting"])
	assert.Equal(t, map[string]any{"messages": "messages", "images": "images"}, info["mllm_demo"]["columns"])
	assert.Equal(t, filepath.Join(baseDir, "mllm_demo.json"), info["mllm_demo"]["file_name"])

	assert.Equal(t, map[string]any{
		"prompt":   "instruction",
		"query":    "input",
		"response": "output",
		"system":   "sys",
		"history":  "turns",
	}, info["alpaca_tools"]["columns"])
}

func TestBuildDatasetInfoShareGPTRanking(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, datasetInfoFile), []byte(`{
		"dpo_mix": {"file_name": "dpo.json", "formatting": "sharegpt", "columns": {"messages": "conversations"}}
	}`), 0o644))

	info, err := buildDatasetInfo(baseDir, []models.DatasetAttributes{{
		Name:    "dpo_mix",
		Source:  models.DatasetSourceLocalFile,
		Ranking: true,
		Columns: map[string]string{"prompt": "instruction", "chosen": "chosen", "rejected": "rejected"},
	}})
	require.NoError(t, err)
	assert.Equal(t, true, info["dpo_mix"]["ranking"])
	assert.Equal(t, map[string]any{
		"messages": "conversations",
		"chosen":   "chosen",
		"rejected": "rejected",
	}, info["dpo_mix"]["columns"])
}
