package defaults

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

const baselineKey = "default"

//go:embed defaults.yaml
var defaultsYAML []byte

type document struct {
	Stages    map[string]map[string]any `yaml:"stages"`
	Export    map[string]any            `yaml:"export"`
	Evaluate  map[string]any            `yaml:"evaluate"`
	Benchmark map[string]any            `yaml:"benchmark"`
}

// Table holds baseline parameter values per stage and per job kind.
// Lookups always return a fresh map; the table itself is never modified.
type Table struct {
	doc document
}

// Load parses a defaults document
func Load(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse defaults: %w", err)
	}
	if _, ok := doc.Stages[baselineKey]; !ok {
		return nil, fmt.Errorf("defaults document has no %q stage", baselineKey)
	}
	return &Table{doc: doc}, nil
}

// Builtin returns the table compiled into the binary
func Builtin() *Table {
	t, err := Load(defaultsYAML)
	if err != nil {
		panic(err)
	}
	return t
}

// ForStage returns the baseline merged with the stage's own values; stage values win.
// Unknown stages get the baseline alone.
func (t *Table) ForStage(stage string) map[string]any {
	out := copyMap(t.doc.Stages[baselineKey])
	if stage == baselineKey {
		return out
	}
	for k, v := range t.doc.Stages[stage] {
		out[k] = v
	}
	return out
}

// HasStage reports whether stage has its own entry
func (t *Table) HasStage(stage string) bool {
	_, ok := t.doc.Stages[stage]
	return ok && stage != baselineKey
}

// Export returns the defaults for model export jobs
func (t *Table) Export() map[string]any {
	return copyMap(t.doc.Export)
}

// Evaluate returns the defaults for evaluation against a training dataset
func (t *Table) Evaluate() map[string]any {
	return copyMap(t.doc.Evaluate)
}

// Benchmark returns the defaults for benchmark evaluation
func (t *Table) Benchmark() map[string]any {
	return copyMap(t.doc.Benchmark)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
