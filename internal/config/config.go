// Package config is the Orchestrator's startup configuration: a plain
// struct with yaml tags and a minimal Load helper, not a CLI flag parser or
// a file-watching loader (the Environment catalog under internal/workspace
// is the one piece of orchestration state that does get its own watcher).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps configuration validation failures from Load.
var ErrInvalid = fmt.Errorf("configuration_error")

// WorkspaceConfig controls the Workspace Isolation Manager.
type WorkspaceConfig struct {
	Isolated    bool   `yaml:"isolated"`     // run tasks in per-agent isolated containers
	CatalogPath string `yaml:"catalog_path"` // environment catalog YAML, watched for changes
	Root        string `yaml:"root"`         // host directory new workspaces are created under
}

// StoreConfig names the shared-store connection used by the Task Queue and
// the Token/Cost Store.
type StoreConfig struct {
	QueuePath      string `yaml:"queue_path"`       // SQLite file for the shared Task Queue backend; empty uses the in-memory backend
	TokenStorePath string `yaml:"token_store_path"` // SQLite file for the Token/Cost Store; empty disables token recording
}

// SecurityConfig names the Policy file and a couple of flags that don't fit
// Policy's own YAML shape.
type SecurityConfig struct {
	PolicyPath    string `yaml:"policy_path"`
	AllowLoopback bool   `yaml:"allow_loopback"`
}

// ContainerConfig names the runtime CLI binary, the agent image, and the
// in-container worker binary path every agent's Worker Wrapper is built
// against.
type ContainerConfig struct {
	Runtime      string  `yaml:"runtime"`       // docker|podman|nerdctl-compatible binary name; empty defaults to "docker"
	Image        string  `yaml:"image"`         // image every agent container runs
	WorkerBinary string  `yaml:"worker_binary"` // path to the worker binary inside the container
	MemoryMB     int     `yaml:"memory_mb"`
	CPUs         float64 `yaml:"cpus"`
}

// EvaluationConfig controls the optional LLM-as-judge Evaluator hook.
type EvaluationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`
}

// Config is the Orchestrator's startup configuration.
type Config struct {
	NumAgents   int    `yaml:"num_agents"`
	MaxWorkers  int    `yaml:"max_workers"`
	TaskTimeout int    `yaml:"task_timeout"` // seconds
	LogLevel    string `yaml:"log_level"`    // debug|info|warn|error
	SocketPath  string `yaml:"socket_path"`

	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Store      StoreConfig      `yaml:"store"`
	Security   SecurityConfig   `yaml:"security"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Container  ContainerConfig  `yaml:"container"`
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Default returns the zero-config starting point: one agent, one worker,
// a 5-minute task timeout, info logging, no shared store, no isolation, no
// evaluation.
func Default() Config {
	return Config{
		NumAgents:   1,
		MaxWorkers:  4,
		TaskTimeout: 300,
		LogLevel:    "info",
		Container: ContainerConfig{
			Runtime:  "docker",
			Image:    "agentmesh-worker:latest",
			MemoryMB: 512,
			CPUs:     1,
		},
	}
}

// Load reads and parses the YAML file at path over Default(), then
// validates the result. An empty path or a missing file returns Default()
// unchanged (not an error — this core owns no config-file-discovery
// convention of its own; that belongs to the cmd/ entry point).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields Load cannot safely default (those whose zero
// value would silently mean "disabled" even though the caller supplied it)
// and reports the first violation.
func (c Config) Validate() error {
	if c.NumAgents < 1 {
		return fmt.Errorf("%w: num_agents must be >= 1, got %d", ErrInvalid, c.NumAgents)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be >= 1, got %d", ErrInvalid, c.MaxWorkers)
	}
	if c.TaskTimeout < 1 {
		return fmt.Errorf("%w: task_timeout must be >= 1 second, got %d", ErrInvalid, c.TaskTimeout)
	}
	level := strings.ToLower(strings.TrimSpace(c.LogLevel))
	if _, ok := validLogLevels[level]; !ok {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}
