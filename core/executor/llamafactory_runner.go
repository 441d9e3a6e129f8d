package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/training/frameworks"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultDatasetDir   = "data"
	datasetInfoFile     = "dataset_info.json"
	trainerLogFile      = "trainer_log.jsonl"
	evalResultsFile     = "all_results.json"
	benchmarkScoresFile = "results.log"
	progressInterval    = 5 * time.Second
)

// LlamaFactoryRunner delegates jobs to the llamafactory-cli binary. Each job
// gets its own YAML config and log file under the run directory, and hub
// credentials reach the child process through its environment only.
type LlamaFactoryRunner struct {
	binary  string
	runDir  string
	launch  frameworks.Launch
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
	log     *zap.SugaredLogger
}

// LlamaFactoryOption configures a LlamaFactoryRunner
type LlamaFactoryOption func(*LlamaFactoryRunner)

// WithLaunch sets the GPU topology jobs are started with
func WithLaunch(l frameworks.Launch) LlamaFactoryOption {
	return func(r *LlamaFactoryRunner) {
		r.launch = l
	}
}

var _ Runner = (*LlamaFactoryRunner)(nil)

// NewLlamaFactoryRunner creates a runner invoking binary and writing configs to runDir
func NewLlamaFactoryRunner(binary, runDir string, opts ...LlamaFactoryOption) *LlamaFactoryRunner {
	r := &LlamaFactoryRunner{
		binary:  binary,
		runDir:  runDir,
		launch:  frameworks.Launch{NNodes: 1},
		command: exec.CommandContext,
		log:     zap.S().Named("llamafactory"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Train runs supervised or preference training
func (r *LlamaFactoryRunner) Train(ctx context.Context, task *Task) (*models.JobResult, error) {
	args := frameworkArgs(task.Params)
	if err := r.prepareDatasets(task, args); err != nil {
		return nil, err
	}

	stop := r.watchProgress(ctx, task, args.String("output_dir"))
	defer stop()

	if err := r.run(ctx, task, "train", args); err != nil {
		return nil, err
	}
	return trainResult(task), nil
}

// Evaluate runs a do_eval pass over the evaluation datasets
func (r *LlamaFactoryRunner) Evaluate(ctx context.Context, task *Task) (*models.JobResult, error) {
	args := frameworkArgs(task.Params)
	if err := r.prepareDatasets(task, args); err != nil {
		return nil, err
	}

	if err := r.run(ctx, task, "train", args); err != nil {
		return nil, err
	}

	results, err := readJSONFile(filepath.Join(args.String("output_dir"), evalResultsFile))
	if err != nil {
		return &models.JobResult{
			Status:  models.JobStatusWarning,
			Message: fmt.Sprintf("Evaluation finished but results could not be read: %v", err),
		}, nil
	}
	return &models.JobResult{
		Status:  models.JobStatusCompleted,
		Message: "Evaluation completed",
		Metrics: map[string]any{task.Params.String("eval_dataset"): results},
	}, nil
}

// Benchmark runs llamafactory-cli eval for a benchmark task
func (r *LlamaFactoryRunner) Benchmark(ctx context.Context, task *Task) (*models.JobResult, error) {
	args := frameworkArgs(task.Params)
	if err := r.run(ctx, task, "eval", args); err != nil {
		return nil, err
	}

	scores, err := os.ReadFile(filepath.Join(args.String("save_dir"), benchmarkScoresFile))
	if err != nil {
		return &models.JobResult{
			Status:  models.JobStatusWarning,
			Message: fmt.Sprintf("Benchmark finished but scores could not be read: %v", err),
		}, nil
	}
	return &models.JobResult{
		Status:  models.JobStatusCompleted,
		Message: fmt.Sprintf("Benchmark completed for %s on %s", args.String("model_name_or_path"), args.String("task")),
		Metrics: parseBenchmarkScores(scores),
	}, nil
}

// Export merges the adapter and writes the model to export_dir
func (r *LlamaFactoryRunner) Export(ctx context.Context, task *Task) (*models.JobResult, error) {
	args := frameworkArgs(task.Params, exportOnlyKeys...)
	if exportDir := args.String("export_dir"); exportDir != "" {
		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			return nil, fmt.Errorf("create export dir: %w", err)
		}
	}

	if err := r.run(ctx, task, "export", args); err != nil {
		return nil, err
	}
	return &models.JobResult{
		Status:  models.JobStatusCompleted,
		Message: "Model exported successfully",
		Metrics: exportResult(task.Params),
	}, nil
}

// run writes the job config and blocks until the CLI exits
func (r *LlamaFactoryRunner) run(ctx context.Context, task *Task, subcommand string, args models.Params) error {
	if err := os.MkdirAll(r.runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	configPath := filepath.Join(r.runDir, task.JobID+".yaml")
	config, err := yaml.Marshal(map[string]any(args))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(configPath, config, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logPath := filepath.Join(r.runDir, task.JobID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}
	defer logFile.Close()

	tail := &tailBuffer{limit: 4096}
	cmd := r.command(ctx, r.binary, subcommand, configPath)
	cmd.Env = childEnv(os.Environ(), task.Params, r.launch.Environment())
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, tail)

	r.log.Infow("starting framework", "job_id", task.JobID, "command", subcommand, "config", configPath)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("llamafactory-cli %s exited with code %d: %s", subcommand, exitErr.ExitCode(), tail.lastLine())
		}
		return fmt.Errorf("llamafactory-cli %s: %w", subcommand, err)
	}
	return nil
}

// childEnv adds the job's hub credential and the launch topology to the
// child's environment only. Launch variables replace inherited ones.
func childEnv(base []string, params models.Params, launch []string) []string {
	replaced := map[string]bool{"HF_TOKEN": true, "HUGGING_FACE_HUB_TOKEN": true}
	for _, kv := range launch {
		key, _, _ := strings.Cut(kv, "=")
		replaced[key] = true
	}

	env := make([]string, 0, len(base)+len(launch)+2)
	for _, kv := range base {
		if key, _, _ := strings.Cut(kv, "="); replaced[key] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, launch...)
	if token := params.String("hf_hub_token"); token != "" {
		env = append(env, "HF_TOKEN="+token, "HUGGING_FACE_HUB_TOKEN="+token)
	}
	if token := params.String("ms_hub_token"); token != "" {
		env = append(env, "MODELSCOPE_API_TOKEN="+token)
	}
	return env
}

// prepareDatasets writes a per-job dataset_info.json carrying the resolved
// source, ranking and column mapping, and points dataset_dir at it.
func (r *LlamaFactoryRunner) prepareDatasets(task *Task, args models.Params) error {
	if len(task.DatasetDetails) == 0 {
		return nil
	}

	baseDir := args.String("dataset_dir")
	if baseDir == "" {
		baseDir = defaultDatasetDir
	}
	info, err := buildDatasetInfo(baseDir, task.DatasetDetails)
	if err != nil {
		return err
	}

	dir := filepath.Join(r.runDir, task.JobID+"-data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dataset info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, datasetInfoFile), data, 0o644); err != nil {
		return fmt.Errorf("write dataset info: %w", err)
	}
	args["dataset_dir"] = dir
	return nil
}

// buildDatasetInfo merges the registered entries found in baseDir with the resolved attributes
func buildDatasetInfo(baseDir string, details []models.DatasetAttributes) (map[string]map[string]any, error) {
	info := map[string]map[string]any{}
	if raw, err := os.ReadFile(filepath.Join(baseDir, datasetInfoFile)); err == nil {
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("parse %s: %w", datasetInfoFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", datasetInfoFile, err)
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}

	for _, d := range details {
		entry, registered := info[d.Name]
		if !registered {
			entry = map[string]any{}
			switch d.Source {
			case models.DatasetSourceHuggingFace:
				entry["hf_hub_url"] = d.Name
			case models.DatasetSourceModelScope:
				entry["ms_hub_url"] = d.Name
			case models.DatasetSourceOpenMind:
				entry["om_hub_url"] = d.Name
			case models.DatasetSourceScript:
				entry["script_url"] = d.Name
			case models.DatasetSourceCloudFile:
				entry["cloud_file_name"] = d.Name
			default:
				entry["file_name"] = d.Name
			}
		}
		// relative file names were registered against the base dataset dir
		if name, ok := entry["file_name"].(string); ok && !filepath.IsAbs(name) {
			entry["file_name"] = filepath.Join(absBase, name)
		}
		entry["ranking"] = d.Ranking
		if len(d.Columns) > 0 {
			entry["columns"] = mergeColumns(entry, d.Columns)
		}
		info[d.Name] = entry
	}
	return info, nil
}

// alpaca-only roles, sharegpt entries map messages instead
var alpacaRoles = map[string]bool{"prompt": true, "query": true, "response": true}

// mergeColumns lays the resolved roles over the columns an entry already
// declares. Roles foreign to a sharegpt entry are left out.
func mergeColumns(entry map[string]any, resolved map[string]string) map[string]any {
	cols := map[string]any{}
	if existing, ok := entry["columns"].(map[string]any); ok {
		for role, field := range existing {
			cols[role] = field
		}
	}
	sharegpt := entry["formatting"] == "sharegpt"
	for role, field := range resolved {
		if sharegpt && alpacaRoles[role] {
			continue
		}
		cols[role] = field
	}
	return cols
}

// watchProgress polls the trainer log and reports its percentage
func (r *LlamaFactoryRunner) watchProgress(ctx context.Context, task *Task, outputDir string) func() {
	if outputDir == "" || task.Report == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		last := -1.0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p, msg, ok := readTrainerProgress(filepath.Join(outputDir, trainerLogFile))
				if ok && p != last {
					last = p
					task.report(p, msg)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

type trainerLogLine struct {
	CurrentSteps int     `json:"current_steps"`
	TotalSteps   int     `json:"total_steps"`
	Percentage   float64 `json:"percentage"`
	Loss         float64 `json:"loss"`
}

// readTrainerProgress returns the progress in the last line of trainer_log.jsonl
func readTrainerProgress(path string) (float64, string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", false
	}
	defer f.Close()

	var last []byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if len(last) == 0 {
		return 0, "", false
	}

	var entry trainerLogLine
	if err := json.Unmarshal(last, &entry); err != nil {
		return 0, "", false
	}
	msg := fmt.Sprintf("Training step %d/%d", entry.CurrentSteps, entry.TotalSteps)
	if entry.Loss > 0 {
		msg += fmt.Sprintf(", loss %.4f", entry.Loss)
	}
	return entry.Percentage / 100, msg, true
}

// parseBenchmarkScores reads "Category: 45.20" lines as written by llamafactory-cli eval
func parseBenchmarkScores(data []byte) map[string]any {
	categories := map[string]any{}
	metrics := map[string]any{"categories": categories}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
		if key == "average" {
			metrics["overall_accuracy"] = round4(score / 100)
			continue
		}
		categories[key] = round4(score / 100)
	}
	return metrics
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// tailBuffer keeps the last bytes written to it
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
