package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/provider"
)

// batchPayload is the OpenAI batch object.
type batchPayload struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	InputFileID   string            `json:"input_file_id"`
	OutputFileID  string            `json:"output_file_id"`
	ErrorFileID   string            `json:"error_file_id"`
	CreatedAt     int64             `json:"created_at"`
	CompletedAt   int64             `json:"completed_at"`
	FailedAt      int64             `json:"failed_at"`
	CancelledAt   int64             `json:"cancelled_at"`
	ExpiredAt     int64             `json:"expired_at"`
	Metadata      map[string]string `json:"metadata"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// BuildBatchEntry serializes one request in the batch input file shape:
// one JSONL line with custom_id, method, url and the completion body.
func (b *Backend) BuildBatchEntry(req *model.GenericRequest) (json.RawMessage, error) {
	entry := map[string]any{
		"custom_id": fmt.Sprintf("%d", req.OriginalRowIdx),
		"method":    http.MethodPost,
		"url":       "/v1/chat/completions",
		"body":      requestBody(req),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal batch entry for row %d: %w", req.OriginalRowIdx, err)
	}
	return data, nil
}

// SubmitBatch uploads the entries as a batch input file and creates the
// batch job against it.
func (b *Backend) SubmitBatch(ctx context.Context, entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
	fileID, err := b.uploadBatchFile(ctx, entries)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
		"metadata":          metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal batch create: %w", err)
	}

	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/batches", body)
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	return b.parseBatchObject(raw, metadata[provider.MetadataRequestFile])
}

// RetrieveBatch fetches the batch's current provider state. A batch the
// provider does not know yields (nil, nil).
func (b *Backend) RetrieveBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	raw, err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/batches/"+batch.ID, nil)
	if err != nil {
		if errors.Is(err, model.ErrBatchNotFound) {
			log.Printf("openai: batch %s not found; your API key (***%s) might not have access to it",
				batch.ID, b.keySuffix())
			return nil, nil
		}
		return nil, fmt.Errorf("retrieve batch %s: %w", batch.ID, err)
	}
	return b.parseBatchObject(raw, batch.RequestFile)
}

// DownloadBatch fetches all per-request results of a finished batch,
// including the provider's error file when one exists.
func (b *Backend) DownloadBatch(ctx context.Context, batch *model.GenericBatch) ([]provider.Result, error) {
	var payload batchPayload
	if err := json.Unmarshal(batch.RawBatch, &payload); err != nil {
		return nil, fmt.Errorf("decode raw batch %s: %w", batch.ID, err)
	}

	var results []provider.Result
	for _, fileID := range []string{payload.OutputFileID, payload.ErrorFileID} {
		if fileID == "" {
			continue
		}
		content, err := b.doJSON(ctx, http.MethodGet, b.baseURL+"/files/"+fileID+"/content", nil)
		if err != nil {
			return nil, fmt.Errorf("download batch file %s: %w", fileID, err)
		}
		results = append(results, parseResultLines(content)...)
	}
	return results, nil
}

// CancelBatch requests cancellation of a batch. Best-effort: a provider
// rejection is logged and the last known state returned.
func (b *Backend) CancelBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/batches/"+batch.ID+"/cancel", []byte("{}"))
	if err != nil {
		log.Printf("openai: cancel batch %s failed: %v", batch.ID, err)
		return batch, nil
	}
	return b.parseBatchObject(raw, batch.RequestFile)
}

// uploadBatchFile uploads entries as one JSONL file with purpose=batch.
func (b *Backend) uploadBatchFile(ctx context.Context, entries []json.RawMessage) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", "requests.jsonl")
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	for _, entry := range entries {
		if _, err := part.Write(append(entry, '\n')); err != nil {
			return "", fmt.Errorf("write batch file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseErrorResponse(resp.StatusCode, data)
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	return file.ID, nil
}

// parseBatchObject maps an OpenAI batch payload onto a GenericBatch.
// Status (OpenAI): validating, in_progress, finalizing, cancelling →
// submitted; completed → finished; failed, expired → failed;
// cancelled → cancelled.
func (b *Backend) parseBatchObject(raw json.RawMessage, requestFile string) (*model.GenericBatch, error) {
	var payload batchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse batch object: %w", err)
	}

	var status model.BatchStatus
	switch payload.Status {
	case "validating", "in_progress", "finalizing", "cancelling":
		status = model.BatchStatusSubmitted
	case "completed":
		status = model.BatchStatusFinished
	case "failed", "expired":
		status = model.BatchStatusFailed
	case "cancelled":
		status = model.BatchStatusCancelled
	default:
		return nil, fmt.Errorf("unknown batch status %q", payload.Status)
	}

	finishedAt := payload.CompletedAt
	for _, ts := range []int64{payload.FailedAt, payload.CancelledAt, payload.ExpiredAt} {
		if finishedAt == 0 && ts != 0 {
			finishedAt = ts
		}
	}

	batch := &model.GenericBatch{
		ID:           payload.ID,
		RequestFile:  requestFile,
		Status:       status,
		RawStatus:    payload.Status,
		CreatedAt:    time.Unix(payload.CreatedAt, 0).UTC(),
		APIKeySuffix: b.keySuffix(),
		RequestCounts: model.RequestCounts{
			Succeeded: payload.RequestCounts.Completed,
			Failed:    payload.RequestCounts.Failed,
			Total:     payload.RequestCounts.Total,
		},
		RawBatch: raw,
	}
	if finishedAt != 0 {
		batch.FinishedAt = time.Unix(finishedAt, 0).UTC()
	}
	return batch, nil
}

// parseResultLines parses a downloaded batch result file: one JSON
// object per line, each carrying a custom_id and either a response body
// or an error. Malformed lines become unmatched-row results so the
// caller can surface them per row instead of failing the download.
func parseResultLines(content []byte) []provider.Result {
	var results []provider.Result
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var row struct {
			CustomID string `json:"custom_id"`
			Response *struct {
				StatusCode int             `json:"status_code"`
				Body       json.RawMessage `json:"body"`
			} `json:"response"`
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
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
		switch {
		case row.Error != nil:
			result.Error = fmt.Sprintf("%s: %s", row.Error.Code, row.Error.Message)
		case row.Response == nil:
			result.Error = "batch result carries neither response nor error"
		case row.Response.StatusCode < 200 || row.Response.StatusCode >= 300:
			result.Error = fmt.Sprintf("request failed with status %d", row.Response.StatusCode)
		default:
			parsed, err := parseCompletion(row.Response.Body)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Message = parsed.Message
				result.Usage = parsed.Usage
			}
		}
		results = append(results, result)
	}
	return results
}

func (b *Backend) keySuffix() string {
	if len(b.apiKey) < 4 {
		return b.apiKey
	}
	return b.apiKey[len(b.apiKey)-4:]
}
