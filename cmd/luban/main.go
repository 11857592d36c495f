package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/llm"
	"github.com/praxisllmlab/luban/internal/metrics"
	"github.com/praxisllmlab/luban/internal/prompt"
)

func main() {
	jobPath := flag.String("job", "job.yaml", "path to job config YAML")
	inputPath := flag.String("input", "", "input dataset JSONL (one row object per line)")
	outputPath := flag.String("output", "output.jsonl", "output dataset JSONL")
	cancelRun := flag.Bool("cancel", false, "cancel the tracked batches of this job instead of running it")
	metricsAddr := flag.String("metrics", "", "optional address to serve Prometheus metrics on (e.g. :9090)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down", sig)
		cancel()
	}()

	cfg, err := config.Load(*jobPath)
	if err != nil {
		log.Fatalf("load job config: %v", err)
	}
	if *inputPath == "" {
		log.Fatal("missing required -input flag")
	}

	ds, err := dataset.FromJSONL(*inputPath)
	if err != nil {
		log.Fatalf("load input dataset: %v", err)
	}
	log.Printf("loaded %d input rows from %s", ds.Len(), *inputPath)

	formatter, err := buildFormatter(cfg)
	if err != nil {
		log.Fatalf("build formatter: %v", err)
	}

	runner, err := llm.NewRunner(cfg, formatter)
	if err != nil {
		log.Fatalf("init runner: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	if *cancelRun {
		if err := runner.Cancel(ctx, ds); err != nil {
			log.Fatalf("cancel batches: %v", err)
		}
		log.Println("cancellation recorded")
		return
	}

	out, err := runner.Run(ctx, ds)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	if err := out.WriteJSONL(*outputPath); err != nil {
		log.Fatalf("write output: %v", err)
	}
	log.Printf("wrote %d output rows to %s", out.Len(), *outputPath)
}

// buildFormatter assembles the request formatter from the job config:
// a {column}-substituting prompt template, optional generation params,
// and an optional JSON schema for structured output.
func buildFormatter(cfg *config.JobConfig) (*prompt.Formatter, error) {
	if cfg.PromptTemplate == "" {
		return nil, fmt.Errorf("job config needs a prompt_template")
	}
	f := prompt.NewFormatter(cfg.Model, templatePrompt(cfg.PromptTemplate), cfg.GenerationParams)
	f.PromptSource = cfg.PromptTemplate
	// For template-driven jobs the template text is the prompt logic, so
	// it doubles as the logic version for fingerprinting.
	f.LogicVersion = "template:" + cfg.PromptTemplate

	if cfg.ResponseSchema != "" {
		var schema json.RawMessage
		if err := json.Unmarshal([]byte(cfg.ResponseSchema), &schema); err != nil {
			return nil, fmt.Errorf("parse response_schema: %w", err)
		}
		f.ResponseFormat = prompt.NewJSONSchema("response", schema)
	}
	return f, nil
}

var placeholderRE = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// templatePrompt builds a prompt func that substitutes {column}
// placeholders from the input row. A placeholder naming a column the
// row does not have is a format error and aborts the run before any
// request is dispatched.
func templatePrompt(template string) prompt.PromptFunc {
	return func(row map[string]any) (any, error) {
		var missing []string
		out := placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
			key := match[1 : len(match)-1]
			value, ok := row[key]
			if !ok {
				missing = append(missing, key)
				return match
			}
			return fmt.Sprintf("%v", value)
		})
		if len(missing) > 0 {
			return nil, fmt.Errorf("row is missing template columns %v", missing)
		}
		return out, nil
	}
}
