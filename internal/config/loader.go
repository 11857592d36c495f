package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a job.yaml file and returns a JobConfig with environment
// variable references resolved and defaults applied.
func Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	resolveEnvVars(&cfg)
	cfg.BackendParams.SetDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveEnvVars(cfg *JobConfig) {
	cfg.APIKey = ResolveEnvVarPtr(cfg.APIKey)
	cfg.APIBase = ResolveEnvVarPtr(cfg.APIBase)
	cfg.CacheDir = ResolveEnvVar(cfg.CacheDir)
}

// Validate checks the config for fatal misconfiguration.
func Validate(cfg *JobConfig) error {
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if cfg.BackendParams.MaxRetries != nil && *cfg.BackendParams.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0")
	}
	return nil
}
