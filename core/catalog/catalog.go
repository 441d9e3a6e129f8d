package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

// Model is a base model offered for training or evaluation
type Model struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Dataset is a dataset offered for training or evaluation
type Dataset struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Category    string `yaml:"category" json:"category"`
}

// Catalog lists the resources shown to clients
type Catalog struct {
	Models   []Model   `yaml:"models"`
	Datasets []Dataset `yaml:"datasets"`
}

// Load parses a catalog document
func Load(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// Builtin returns the catalog compiled into the binary
func Builtin() *Catalog {
	c, err := Load(builtin)
	if err != nil {
		panic(err)
	}
	return c
}
