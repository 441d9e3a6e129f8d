package datasets

import (
	"os"
	"strings"

	"github.com/DataInsightAutomation/trainingFramework/core/models"

	"go.uber.org/zap"
)

// CustomPrefix marks a dataset the caller registered themselves
const CustomPrefix = "custom:"

// Default source field names per column role
var DefaultColumns = Columns{
	Prompt:   "instruction",
	Query:    "input",
	Response: "output",
	Chosen:   "chosen",
	Rejected: "rejected",
}

// Columns names the source fields for each semantic role
type Columns struct {
	Prompt   string `json:"prompt_column,omitempty"`
	Query    string `json:"query_column,omitempty"`
	Response string `json:"response_column,omitempty"`
	Chosen   string `json:"chosen_column,omitempty"`
	Rejected string `json:"rejected_column,omitempty"`
}

// Overrides are caller supplied adjustments to automatic dataset configuration
type Overrides struct {
	// AutoConfig defaults to true when nil
	AutoConfig *bool
	// Ranking only applies when AutoConfig is disabled
	Ranking             *bool
	CustomColumnMapping bool
	Columns             Columns
	// Types selects an explicit source per cleaned dataset name
	Types map[string]string
}

func (o *Overrides) autoConfig() bool {
	return o == nil || o.AutoConfig == nil || *o.AutoConfig
}

// Result is the outcome of resolving a list of dataset identifiers
type Result struct {
	Names      []string
	HasCustom  bool
	Attributes map[string]models.DatasetAttributes
}

// Details returns the attribute records in name order
func (r *Result) Details() []models.DatasetAttributes {
	out := make([]models.DatasetAttributes, 0, len(r.Names))
	for _, name := range r.Names {
		out = append(out, r.Attributes[name])
	}
	return out
}

// Joined returns the cleaned names as the comma separated list the framework expects
func (r *Result) Joined() string {
	return strings.Join(r.Names, ",")
}

// Resolver infers source, ranking and column mapping for datasets
type Resolver struct {
	hub  models.DatasetSource
	stat func(string) (os.FileInfo, error)
	log  *zap.SugaredLogger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithHub sets the hub assumed for org/name identifiers
func WithHub(hub models.DatasetSource) Option {
	return func(r *Resolver) { r.hub = hub }
}

// WithStat replaces the filesystem lookup used to detect local paths
func WithStat(stat func(string) (os.FileInfo, error)) Option {
	return func(r *Resolver) { r.stat = stat }
}

// NewResolver creates a dataset resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		hub:  models.DatasetSourceHuggingFace,
		stat: os.Stat,
		log:  zap.S().Named("datasets"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve strips custom markers and builds one attribute record per dataset.
// It never fails; a mismatch between stage and dataset shape is left to the framework.
func (r *Resolver) Resolve(names []string, stage models.Stage, overrides *Overrides) *Result {
	res := &Result{
		Names:      make([]string, 0, len(names)),
		Attributes: make(map[string]models.DatasetAttributes, len(names)),
	}

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if rest, ok := strings.CutPrefix(name, CustomPrefix); ok {
			name = strings.TrimSpace(rest)
			if name == "" {
				continue
			}
			res.HasCustom = true
		}
		if name == "" {
			continue
		}
		if _, seen := res.Attributes[name]; seen {
			continue
		}

		res.Names = append(res.Names, name)
		res.Attributes[name] = models.DatasetAttributes{
			Name:    name,
			Source:  r.source(name, overrides),
			Ranking: ranking(stage, overrides),
			Columns: columns(stage, overrides),
		}
	}

	if res.HasCustom {
		r.log.Debugw("custom datasets requested", "datasets", res.Names)
	}
	return res
}

// source classifies a dataset identifier. The hub check is a heuristic:
// an org/name identifier that also exists as a local path is treated as local.
func (r *Resolver) source(name string, overrides *Overrides) models.DatasetSource {
	if overrides != nil {
		if t, ok := overrides.Types[name]; ok {
			if src, ok := models.ParseDatasetSource(t); ok {
				return src
			}
			r.log.Warnw("ignoring unknown dataset type", "dataset", name, "type", t)
		}
	}
	if strings.Contains(name, "/") && !r.exists(name) {
		return r.hub
	}
	return models.DatasetSourceLocalFile
}

func (r *Resolver) exists(path string) bool {
	_, err := r.stat(path)
	return err == nil
}

func ranking(stage models.Stage, overrides *Overrides) bool {
	if !overrides.autoConfig() && overrides.Ranking != nil {
		return *overrides.Ranking
	}
	return stage == models.StageRM
}

func columns(stage models.Stage, overrides *Overrides) map[string]string {
	cols := DefaultColumns
	if overrides != nil && overrides.CustomColumnMapping {
		cols = cols.with(overrides.Columns)
	}

	switch {
	case stage == models.StageSFT || stage == models.StagePT:
		return map[string]string{
			"prompt":   cols.Prompt,
			"query":    cols.Query,
			"response": cols.Response,
		}
	case stage.IsPreference():
		return map[string]string{
			"prompt":   cols.Prompt,
			"query":    cols.Query,
			"chosen":   cols.Chosen,
			"rejected": cols.Rejected,
		}
	}
	// ppo consumes a reward model instead
	return nil
}

// with returns c with every non-empty field of o applied
func (c Columns) with(o Columns) Columns {
	if o.Prompt != "" {
		c.Prompt = o.Prompt
	}
	if o.Query != "" {
		c.Query = o.Query
	}
	if o.Response != "" {
		c.Response = o.Response
	}
	if o.Chosen != "" {
		c.Chosen = o.Chosen
	}
	if o.Rejected != "" {
		c.Rejected = o.Rejected
	}
	return c
}
