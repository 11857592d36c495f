// Package processor drives request execution against a backend: the
// online processor dispatches rate-limited concurrent calls, the batch
// processor runs the submit/poll/download state machine. Both share the
// working-directory layout: requests.jsonl holds the formatted request
// set, responses.jsonl is the durable per-row response log that makes
// interrupted runs resumable.
package processor

import (
	"context"
	"fmt"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/prompt"
	"github.com/praxisllmlab/luban/internal/provider"
)

// Working-directory file names.
const (
	RequestsFile  = "requests.jsonl"
	ResponsesFile = "responses.jsonl"
	TrackerFile   = "batch_objects.jsonl"
)

// RequestProcessor executes a formatted request set inside a working
// directory and returns the output dataset in original row order.
type RequestProcessor interface {
	Run(ctx context.Context, ds *dataset.Dataset, workingDir string, f *prompt.Formatter) (*dataset.Dataset, error)
}

// New selects the processor for the configured execution mode.
func New(cfg *config.JobConfig, backend provider.Backend) RequestProcessor {
	if cfg.Batch {
		return NewBatchProcessor(backend, cfg.BackendParams)
	}
	return NewOnlineProcessor(backend, cfg.BackendParams)
}

// failedResponse records a permanent per-row failure.
func failedResponse(req *model.GenericRequest, errs ...string) *model.GenericResponse {
	return &model.GenericResponse{
		ResponseErrors: errs,
		GenericRequest: req,
	}
}

// assembleOutput folds the response map back into a dataset in original
// row order. Failed rows become error-marker rows unless requireAll is
// set, in which case the whole run fails after all rows were attempted.
func assembleOutput(ds *dataset.Dataset, f *prompt.Formatter, responses map[int]*model.GenericResponse, requireAll bool) (*dataset.Dataset, error) {
	var failed int
	var out []dataset.Row

	for i := 0; i < ds.Len(); i++ {
		resp, ok := responses[i]
		if !ok {
			resp = failedResponse(&model.GenericRequest{OriginalRowIdx: i}, "no response recorded for row")
		}
		if resp.Failed() {
			failed++
			row := cloneRow(ds.Row(i))
			row["luban_error"] = resp.ResponseErrors
			out = append(out, row)
			continue
		}

		rows, err := f.ApplyParse(ds.Row(i), resp.ResponseMessage)
		if err != nil {
			failed++
			row := cloneRow(ds.Row(i))
			row["luban_error"] = []string{err.Error()}
			out = append(out, row)
			continue
		}
		for _, r := range rows {
			out = append(out, r)
		}
	}

	if requireAll && failed > 0 {
		return nil, fmt.Errorf("%d of %d rows failed and require_all_responses is set", failed, ds.Len())
	}
	return dataset.New(out), nil
}

func cloneRow(row dataset.Row) dataset.Row {
	out := make(dataset.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	return out
}
