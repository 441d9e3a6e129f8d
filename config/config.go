package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/training/frameworks"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	RunnerLlamaFactory = "llamafactory"
	RunnerSimulated    = "simulated"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Jobs      JobsConfig
	Runner    RunnerConfig
	Chat      ChatConfig
	Artifacts ArtifactsConfig
}

type ServerConfig struct {
	Host               string   `envconfig:"API_HOST" default:"0.0.0.0"`
	Port               int      `envconfig:"API_PORT" default:"8001"`
	APIKey             string   `envconfig:"API_KEY" default:""`
	LogLevel           string   `envconfig:"API_LOG_LEVEL" default:"info"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// seconds between forced memory sweeps, 0 disables them
	MemoryCleanupInterval int `envconfig:"MEMORY_CLEANUP_INTERVAL" default:"300"`
}

type JobsConfig struct {
	MaxConcurrent   int     `envconfig:"MAX_CONCURRENT_JOBS" default:"1"`
	SubmitRateLimit float64 `envconfig:"SUBMIT_RATE_LIMIT" default:"0"`
	SubmitBurst     int     `envconfig:"SUBMIT_BURST" default:"5"`
	Store           string  `envconfig:"JOB_STORE" default:"memory"`
	DatabaseURL     string  `envconfig:"DATABASE_URL" default:""`
}

type RunnerConfig struct {
	Kind               string        `envconfig:"RUNNER" default:"llamafactory"`
	LlamaFactoryCLI    string        `envconfig:"LLAMAFACTORY_CLI" default:"llamafactory-cli"`
	RunDir             string        `envconfig:"RUN_DIR" default:"runs"`
	SavesDir           string        `envconfig:"SAVES_DIR" default:"saves"`
	DatasetHub         string        `envconfig:"DATASET_HUB" default:"huggingface"`
	SimulatedStepDelay time.Duration `envconfig:"SIMULATED_STEP_DELAY" default:"1s"`

	// torchrun topology handed to llamafactory-cli
	VisibleDevices string `envconfig:"RUNNER_VISIBLE_DEVICES" default:""`
	NProcPerNode   int    `envconfig:"RUNNER_NPROC_PER_NODE" default:"0"`
	NNodes         int    `envconfig:"RUNNER_NNODES" default:"1"`
	NodeRank       int    `envconfig:"RUNNER_NODE_RANK" default:"0"`
	MasterAddr     string `envconfig:"RUNNER_MASTER_ADDR" default:""`
	MasterPort     int    `envconfig:"RUNNER_MASTER_PORT" default:"29500"`
}

type ChatConfig struct {
	EngineURL     string        `envconfig:"CHAT_ENGINE_URL" default:"http://127.0.0.1:8000"`
	EngineTimeout time.Duration `envconfig:"CHAT_ENGINE_TIMEOUT" default:"300s"`
}

type ArtifactsConfig struct {
	Bucket   string `envconfig:"ARTIFACT_BUCKET" default:""`
	Prefix   string `envconfig:"ARTIFACT_PREFIX" default:"artifacts"`
	Region   string `envconfig:"AWS_REGION" default:"us-east-1"`
	Endpoint string `envconfig:"S3_ENDPOINT" default:""`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.Jobs.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Jobs.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q", c.Jobs.Store)
	}

	switch c.Runner.Kind {
	case RunnerLlamaFactory, RunnerSimulated:
	default:
		return fmt.Errorf("unknown RUNNER %q", c.Runner.Kind)
	}

	if err := c.Launch().Validate(); err != nil {
		return fmt.Errorf("invalid runner topology: %w", err)
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.Server.Port)
	}
	return nil
}

// Address is the listen address of the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MemoryCleanupInterval converts the configured seconds to a duration
func (c *Config) MemoryCleanupInterval() time.Duration {
	return time.Duration(c.Server.MemoryCleanupInterval) * time.Second
}

// Launch is the GPU topology of the llamafactory runner
func (c *Config) Launch() frameworks.Launch {
	return frameworks.Launch{
		VisibleDevices: c.Runner.VisibleDevices,
		NProcPerNode:   c.Runner.NProcPerNode,
		NNodes:         c.Runner.NNodes,
		NodeRank:       c.Runner.NodeRank,
		MasterAddr:     c.Runner.MasterAddr,
		MasterPort:     c.Runner.MasterPort,
	}
}

// ArtifactSyncEnabled reports whether job outputs should be uploaded to S3
func (c *Config) ArtifactSyncEnabled() bool {
	return strings.TrimSpace(c.Artifacts.Bucket) != ""
}
