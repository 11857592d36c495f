// Package config defines the job configuration consumed by the run
// coordinator: model, backend selection, generation parameters, and the
// per-backend processing knobs.
package config

import "time"

// JobConfig is the top-level job.yaml structure.
type JobConfig struct {
	Model   string `yaml:"model"`
	Backend string `yaml:"backend,omitempty"`
	Batch   bool   `yaml:"batch"`

	APIKey  *string `yaml:"api_key,omitempty"`
	APIBase *string `yaml:"api_base,omitempty"`

	GenerationParams map[string]any `yaml:"generation_params,omitempty"`
	BackendParams    BackendParams  `yaml:"backend_params,omitempty"`

	// CacheDir overrides the default cache directory for this job.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// PromptTemplate is CLI glue: a template with {column} placeholders
	// substituted from each input row to form the user prompt.
	PromptTemplate string `yaml:"prompt_template,omitempty"`

	// ResponseSchema is an optional JSON schema for structured output.
	ResponseSchema string `yaml:"response_schema,omitempty"`

	// Overflow captures unknown top-level YAML fields so older or newer
	// job files load without parse errors.
	Overflow map[string]any `yaml:",inline"`
}

// BackendParams holds request-processing knobs. Pointer fields
// distinguish "unset, use default" from an explicit zero.
type BackendParams struct {
	MaxRetries          *int  `yaml:"max_retries,omitempty"`
	RequireAllResponses *bool `yaml:"require_all_responses,omitempty"`

	// Online mode.
	MaxRequestsPerMinute      int `yaml:"max_requests_per_minute,omitempty"`
	MaxTokensPerMinute        int `yaml:"max_tokens_per_minute,omitempty"`
	MaxConcurrentRequests     int `yaml:"max_concurrent_requests,omitempty"`
	SecondsToPauseOnRateLimit int `yaml:"seconds_to_pause_on_rate_limit,omitempty"`

	// Batch mode.
	BatchSize                  int   `yaml:"batch_size,omitempty"`
	BatchCheckIntervalSeconds  int   `yaml:"batch_check_interval,omitempty"`
	DeleteSuccessfulBatchFiles *bool `yaml:"delete_successful_batch_files,omitempty"`
	DeleteFailedBatchFiles     *bool `yaml:"delete_failed_batch_files,omitempty"`
	MaxBatchResubmissions      *int  `yaml:"max_batch_resubmissions,omitempty"`
}

// Defaults mirrors the documented defaults of the processing layer.
const (
	DefaultMaxRetries                = 10
	DefaultMaxRequestsPerMinute      = 600
	DefaultMaxTokensPerMinute        = 1_000_000
	DefaultMaxConcurrentRequests     = 25
	DefaultSecondsToPauseOnRateLimit = 15
	DefaultBatchSize                 = 1_000
	DefaultBatchCheckInterval        = 60
	DefaultMaxBatchResubmissions     = 1
)

// SetDefaults fills unset fields with defaults.
func (p *BackendParams) SetDefaults() {
	if p.MaxRetries == nil {
		p.MaxRetries = intPtr(DefaultMaxRetries)
	}
	if p.RequireAllResponses == nil {
		p.RequireAllResponses = boolPtr(true)
	}
	if p.MaxRequestsPerMinute <= 0 {
		p.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if p.MaxTokensPerMinute <= 0 {
		p.MaxTokensPerMinute = DefaultMaxTokensPerMinute
	}
	if p.MaxConcurrentRequests <= 0 {
		p.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if p.SecondsToPauseOnRateLimit <= 0 {
		p.SecondsToPauseOnRateLimit = DefaultSecondsToPauseOnRateLimit
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.BatchCheckIntervalSeconds <= 0 {
		p.BatchCheckIntervalSeconds = DefaultBatchCheckInterval
	}
	if p.DeleteSuccessfulBatchFiles == nil {
		p.DeleteSuccessfulBatchFiles = boolPtr(true)
	}
	if p.DeleteFailedBatchFiles == nil {
		// Keep failed request files around for debugging.
		p.DeleteFailedBatchFiles = boolPtr(false)
	}
	if p.MaxBatchResubmissions == nil {
		p.MaxBatchResubmissions = intPtr(DefaultMaxBatchResubmissions)
	}
}

// BatchCheckInterval returns the poll interval as a duration.
func (p *BackendParams) BatchCheckInterval() time.Duration {
	return time.Duration(p.BatchCheckIntervalSeconds) * time.Second
}

// RateLimitPause returns the rate-limit cooldown as a duration.
func (p *BackendParams) RateLimitPause() time.Duration {
	return time.Duration(p.SecondsToPauseOnRateLimit) * time.Second
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
