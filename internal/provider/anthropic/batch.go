package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/provider"
)

const (
	maxRequestsPerBatch          = 100_000
	maxBytesPerBatch             = 256 * 1024 * 1024
	maxConcurrentBatchOperations = 100
)

func (b *Backend) MaxRequestsPerBatch() int          { return maxRequestsPerBatch }
func (b *Backend) MaxBytesPerBatch() int             { return maxBytesPerBatch }
func (b *Backend) MaxConcurrentBatchOperations() int { return maxConcurrentBatchOperations }

// batchPayload is the Anthropic message batch object.
type batchPayload struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	ResultsURL       string `json:"results_url"`
	CreatedAt        string `json:"created_at"`
	EndedAt          string `json:"ended_at"`
	RequestCounts    struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
}

// BuildBatchEntry serializes one request in the message batches shape:
// a custom_id plus the full messages call under params.
func (b *Backend) BuildBatchEntry(req *model.GenericRequest) (json.RawMessage, error) {
	entry := map[string]any{
		"custom_id": fmt.Sprintf("%d", req.OriginalRowIdx),
		"params":    requestBody(req),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal batch entry for row %d: %w", req.OriginalRowIdx, err)
	}
	return data, nil
}

// SubmitBatch creates a message batch with the entries inlined in the
// create call. The metadata map is not sent; Anthropic batches carry no
// user metadata, so the request file is tracked locally only.
func (b *Backend) SubmitBatch(ctx context.Context, entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
	body, err := json.Marshal(map[string]any{"requests": entries})
	if err != nil {
		return nil, fmt.Errorf("marshal batch create: %w", err)
	}

	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+batchesEndpoint, body)
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	return b.parseBatchObject(raw, metadata[provider.MetadataRequestFile])
}

// RetrieveBatch fetches the batch's current provider state. A batch the
// provider does not know yields (nil, nil).
func (b *Backend) RetrieveBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	raw, err := b.doJSON(ctx, http.MethodGet, b.baseURL+batchesEndpoint+"/"+batch.ID, nil)
	if err != nil {
		if errors.Is(err, model.ErrBatchNotFound) {
			log.Printf("anthropic: batch %s not found; your API key (***%s) might not have access to it",
				batch.ID, b.keySuffix())
			return nil, nil
		}
		return nil, fmt.Errorf("retrieve batch %s: %w", batch.ID, err)
	}
	return b.parseBatchObject(raw, batch.RequestFile)
}

// DownloadBatch streams the batch's results file: one JSON object per
// line, each with a custom_id and a typed result.
func (b *Backend) DownloadBatch(ctx context.Context, batch *model.GenericBatch) ([]provider.Result, error) {
	var payload batchPayload
	if err := json.Unmarshal(batch.RawBatch, &payload); err != nil {
		return nil, fmt.Errorf("decode raw batch %s: %w", batch.ID, err)
	}

	url := payload.ResultsURL
	if url == "" {
		url = b.baseURL + batchesEndpoint + "/" + batch.ID + "/results"
	}
	content, err := b.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("download batch %s results: %w", batch.ID, err)
	}
	return parseResultLines(content), nil
}

// CancelBatch requests cancellation of a batch. Best-effort: a provider
// rejection is logged and the last known state returned.
func (b *Backend) CancelBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+batchesEndpoint+"/"+batch.ID+"/cancel", []byte("{}"))
	if err != nil {
		log.Printf("anthropic: cancel batch %s failed: %v", batch.ID, err)
		return batch, nil
	}
	return b.parseBatchObject(raw, batch.RequestFile)
}

// parseBatchObject maps an Anthropic message batch payload onto a
// GenericBatch. Status (Anthropic): in_progress, canceling → submitted;
// ended → finished. A canceled or fully errored batch still ends, so
// the counts carry the outcome, not the processing status.
func (b *Backend) parseBatchObject(raw json.RawMessage, requestFile string) (*model.GenericBatch, error) {
	var payload batchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse batch object: %w", err)
	}

	var status model.BatchStatus
	switch payload.ProcessingStatus {
	case "in_progress", "canceling":
		status = model.BatchStatusSubmitted
	case "ended":
		status = model.BatchStatusFinished
	default:
		return nil, fmt.Errorf("unknown batch status %q", payload.ProcessingStatus)
	}

	counts := payload.RequestCounts
	failed := counts.Errored + counts.Canceled + counts.Expired

	batch := &model.GenericBatch{
		ID:           payload.ID,
		RequestFile:  requestFile,
		Status:       status,
		RawStatus:    payload.ProcessingStatus,
		APIKeySuffix: b.keySuffix(),
		RequestCounts: model.RequestCounts{
			Succeeded: counts.Succeeded,
			Failed:    failed,
			Total:     counts.Processing + counts.Succeeded + failed,
		},
		RawBatch: raw,
	}
	if t, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
		batch.CreatedAt = t.UTC()
	}
	if payload.EndedAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.EndedAt); err == nil {
			batch.FinishedAt = t.UTC()
		}
	}
	return batch, nil
}

// parseResultLines parses a downloaded results file. Each line carries
// a custom_id and a result of type succeeded, errored, canceled or
// expired. Malformed lines become unmatched-row results so the caller
// can surface them per row instead of failing the download.
func parseResultLines(content []byte) []provider.Result {
	var results []provider.Result
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var row struct {
			CustomID string `json:"custom_id"`
			Result   struct {
				Type    string          `json:"type"`
				Message json.RawMessage `json:"message"`
				Error   *struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			} `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			results = append(results, provider.Result{
				RowIdx: -1,
				Error:  fmt.Sprintf("malformed batch result line: %v", err),
				Raw:    json.RawMessage(line),
			})
			continue
		}

		result := provider.Result{
			RowIdx: rowIdxFromCustomID(row.CustomID),
			Raw:    json.RawMessage(line),
		}
		switch row.Result.Type {
		case "succeeded":
			parsed, err := parseMessage(row.Result.Message)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Message = parsed.Message
				result.Usage = parsed.Usage
			}
		case "errored":
			if row.Result.Error != nil {
				result.Error = fmt.Sprintf("%s: %s", row.Result.Error.Type, row.Result.Error.Message)
			} else {
				result.Error = "request errored"
			}
		default:
			result.Error = fmt.Sprintf("request %s", row.Result.Type)
		}
		results = append(results, result)
	}
	return results
}
