// Package openai implements the OpenAI backend: online chat completions
// plus asynchronous batch jobs via the files and batches APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider-documented batch limits.
const (
	maxRequestsPerBatch          = 50_000
	maxBytesPerBatch             = 200 * 1024 * 1024
	maxConcurrentBatchOperations = 100
)

// Backend implements the OpenAI adapter.
type Backend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an OpenAI backend from options.
func New(opts provider.Options) *Backend {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		client:  opts.HTTPClient(),
	}
}

func (b *Backend) Name() string { return "openai" }

func (b *Backend) MaxRequestsPerBatch() int          { return maxRequestsPerBatch }
func (b *Backend) MaxBytesPerBatch() int             { return maxBytesPerBatch }
func (b *Backend) MaxConcurrentBatchOperations() int { return maxConcurrentBatchOperations }

// SendOnlineRequest issues one chat completion call.
func (b *Backend) SendOnlineRequest(ctx context.Context, req *model.GenericRequest) (*provider.Result, error) {
	body, err := json.Marshal(requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	result, err := parseCompletion(raw)
	if err != nil {
		return nil, err
	}
	result.RowIdx = req.OriginalRowIdx
	return result, nil
}

// requestBody builds the chat completion body: model, messages, mapped
// generation params, and a json_schema response format when structured
// output was declared.
func requestBody(req *model.GenericRequest) map[string]any {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	for k, v := range req.GenerationParams {
		body[k] = v
	}
	if len(req.ResponseFormat) > 0 {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": req.ResponseFormat,
				"strict": true,
			},
		}
	}
	return body
}

// completionPayload is the subset of a chat completion response we need.
type completionPayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseCompletion(raw json.RawMessage) (*provider.Result, error) {
	var payload completionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse completion response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}
	return &provider.Result{
		Message: payload.Choices[0].Message.Content,
		Usage: model.TokenUsage{
			PromptTokens:     payload.Usage.PromptTokens,
			CompletionTokens: payload.Usage.CompletionTokens,
			TotalTokens:      payload.Usage.TotalTokens,
		},
		Raw: raw,
	}, nil
}

// doJSON issues a JSON request and returns the raw response body, with
// non-2xx statuses mapped onto the error taxonomy.
func (b *Backend) doJSON(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorResponse(resp.StatusCode, data)
	}
	return data, nil
}

func parseErrorResponse(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	msg := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}

	return &model.RequestError{
		StatusCode: status,
		Message:    msg,
		Backend:    "openai",
		Err:        model.MapHTTPStatusToError(status),
	}
}

// rowIdxFromCustomID recovers the original row index from a custom id.
func rowIdxFromCustomID(customID string) int {
	idx, err := strconv.Atoi(customID)
	if err != nil {
		return -1
	}
	return idx
}

func init() {
	provider.Register("openai", func(opts provider.Options) provider.Backend {
		return New(opts)
	})
}
