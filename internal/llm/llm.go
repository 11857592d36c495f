// Package llm is the run coordinator: it turns a job config plus a
// dataset into an output dataset, keyed by a content fingerprint so an
// unchanged logical job reuses its working directory instead of paying
// for the same API calls twice.
package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/db"
	"github.com/praxisllmlab/luban/internal/fingerprint"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/processor"
	"github.com/praxisllmlab/luban/internal/prompt"
	"github.com/praxisllmlab/luban/internal/provider"

	_ "github.com/praxisllmlab/luban/internal/provider/anthropic"
	_ "github.com/praxisllmlab/luban/internal/provider/openai"
	_ "github.com/praxisllmlab/luban/internal/provider/openaicompat"
)

// Runner coordinates one logical job: fingerprint, working directory,
// metadata record, processor selection, and output assembly.
type Runner struct {
	cfg       *config.JobConfig
	formatter *prompt.Formatter
	backend   provider.Backend
}

// NewRunner resolves the backend for a job config and formatter. The
// backend is determined from the model name when the config names none.
func NewRunner(cfg *config.JobConfig, f *prompt.Formatter) (*Runner, error) {
	backendName := cfg.Backend
	if backendName == "" {
		backendName = provider.Determine(cfg.Model, f.ResponseFormat != nil)
	}

	opts := provider.Options{}
	if cfg.APIKey != nil {
		opts.APIKey = *cfg.APIKey
	}
	if cfg.APIBase != nil {
		opts.BaseURL = *cfg.APIBase
	}
	backend, err := provider.New(backendName, opts)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, formatter: f, backend: backend}, nil
}

// Backend exposes the resolved backend, mainly for logging.
func (r *Runner) Backend() provider.Backend { return r.backend }

// Run executes the job over the dataset and returns the output in
// original row order.
func (r *Runner) Run(ctx context.Context, ds *dataset.Dataset) (*dataset.Dataset, error) {
	fp := r.Fingerprint(ds)
	workingDir, err := r.prepareWorkingDir(fp)
	if err != nil {
		return nil, err
	}
	log.Printf("llm: run %s in %s (model=%s backend=%s batch=%v)",
		fp, workingDir, r.cfg.Model, r.backend.Name(), r.cfg.Batch)

	if err := r.storeMetadata(ctx, fp, ds); err != nil {
		// Metadata is an audit trail, not core state.
		log.Printf("llm: store run metadata failed: %v", err)
	}

	proc := processor.New(r.cfg, r.backend)
	out, err := proc.Run(ctx, ds, workingDir, r.formatter)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel cancels the tracked batches of this job's working directory.
// Only a batch-mode job has anything to cancel.
func (r *Runner) Cancel(ctx context.Context, ds *dataset.Dataset) error {
	if !r.cfg.Batch {
		return fmt.Errorf("cancel requested for an online-mode job: %w", model.ErrConfiguration)
	}
	fp := r.Fingerprint(ds)
	workingDir := filepath.Join(r.cacheDir(), fp)
	if _, err := os.Stat(workingDir); err != nil {
		return fmt.Errorf("no working directory for fingerprint %s: %w", fp, err)
	}
	batchProc := processor.NewBatchProcessor(r.backend, r.cfg.BackendParams)
	return batchProc.Cancel(ctx, workingDir)
}

// Fingerprint computes the cache key of this job over a dataset. With
// caching disabled it is random, so every run gets a fresh directory.
func (r *Runner) Fingerprint(ds *dataset.Dataset) string {
	if config.CacheDisabled() {
		return fingerprint.Random()
	}
	return fingerprint.Compute(fingerprint.Params{
		DatasetHash:      ds.Hash(),
		LogicHash:        r.formatter.LogicHash(),
		Model:            r.cfg.Model,
		SchemaJSON:       r.formatter.SchemaJSON(),
		BatchMode:        r.cfg.Batch,
		Backend:          r.backend.Name(),
		GenerationParams: r.formatter.GenerationParams,
	})
}

// cacheDir resolves the cache root: job config first, then environment,
// then ~/.cache/luban.
func (r *Runner) cacheDir() string {
	if r.cfg.CacheDir != "" {
		return r.cfg.CacheDir
	}
	if dir := os.Getenv(config.EnvCacheDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".luban-cache"
	}
	return filepath.Join(home, ".cache", "luban")
}

func (r *Runner) prepareWorkingDir(fp string) (string, error) {
	dir := filepath.Join(r.cacheDir(), fp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory %s: %w", dir, err)
	}
	return dir, nil
}

func (r *Runner) storeMetadata(ctx context.Context, fp string, ds *dataset.Dataset) error {
	store, err := db.Open(filepath.Join(r.cacheDir(), "metadata.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	return store.StoreMetadata(ctx, db.RunRecord{
		RunHash:        fp,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		DatasetHash:    ds.Hash(),
		PromptFunc:     r.formatter.PromptSource,
		ParseFunc:      r.formatter.ParseSource,
		ModelName:      r.cfg.Model,
		ResponseFormat: r.formatter.SchemaJSON(),
		BatchMode:      r.cfg.Batch,
	})
}
