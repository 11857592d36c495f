// Package anthropic implements the Anthropic backend: online messages
// calls plus asynchronous jobs via the message batches API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/pricing"
	"github.com/praxisllmlab/luban/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesEndpoint = "/v1/messages"
	batchesEndpoint  = "/v1/messages/batches"
	apiVersion       = "2023-06-01"

	// defaultMaxTokens applies when neither the request params nor the
	// pricing table provide an output cap; the messages API requires one.
	defaultMaxTokens = 4096
)

// Backend implements the Anthropic adapter.
type Backend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an Anthropic backend from options.
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

func (b *Backend) Name() string { return "anthropic" }

// SendOnlineRequest issues one messages call.
func (b *Backend) SendOnlineRequest(ctx context.Context, req *model.GenericRequest) (*provider.Result, error) {
	body, err := json.Marshal(requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	raw, err := b.doJSON(ctx, http.MethodPost, b.baseURL+messagesEndpoint, body)
	if err != nil {
		return nil, err
	}

	result, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}
	result.RowIdx = req.OriginalRowIdx
	return result, nil
}

// requestBody converts a generic request into the messages API shape:
// system messages are lifted into the system field, a max_tokens cap is
// always present, and a declared schema becomes a system instruction.
func requestBody(req *model.GenericRequest) map[string]any {
	var system []string
	var messages []model.Message
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, msg)
	}

	if len(req.ResponseFormat) > 0 {
		system = append(system,
			"Respond only with a JSON object matching this schema, with no surrounding prose:\n"+
				string(req.ResponseFormat))
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if len(system) > 0 {
		body["system"] = strings.Join(system, "\n\n")
	}

	for k, v := range req.GenerationParams {
		switch k {
		case "max_tokens", "max_completion_tokens":
			body["max_tokens"] = v
		default:
			body[k] = v
		}
	}
	if _, ok := body["max_tokens"]; !ok {
		if limit := pricing.Default().MaxTokens(req.Model); limit > 0 {
			body["max_tokens"] = limit
		} else {
			body["max_tokens"] = defaultMaxTokens
		}
	}
	return body
}

// messagePayload is the subset of a messages response we need.
type messagePayload struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseMessage(raw json.RawMessage) (*provider.Result, error) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse messages response: %w", err)
	}
	if len(payload.Content) == 0 {
		return nil, fmt.Errorf("messages response has no content")
	}
	return &provider.Result{
		Message: payload.Content[0].Text,
		Usage: model.TokenUsage{
			PromptTokens:     payload.Usage.InputTokens,
			CompletionTokens: payload.Usage.OutputTokens,
			TotalTokens:      payload.Usage.InputTokens + payload.Usage.OutputTokens,
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
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
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
		Backend:    "anthropic",
		Err:        model.MapHTTPStatusToError(status),
	}
}

func rowIdxFromCustomID(customID string) int {
	idx, err := strconv.Atoi(customID)
	if err != nil {
		return -1
	}
	return idx
}

func (b *Backend) keySuffix() string {
	if len(b.apiKey) < 4 {
		return b.apiKey
	}
	return b.apiKey[len(b.apiKey)-4:]
}

func init() {
	provider.Register("anthropic", func(opts provider.Options) provider.Backend {
		return New(opts)
	})
}
