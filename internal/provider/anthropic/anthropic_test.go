package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/provider"
)

func testBackend(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(provider.Options{APIKey: "sk-ant-5678", BaseURL: srv.URL})
}

func TestSendOnlineRequest(t *testing.T) {
	var gotKey, gotVersion string
	var gotBody map[string]any

	backend := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "hello"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))

	req := &model.GenericRequest{
		Model: "claude-3-5-haiku-20241022",
		Messages: []model.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		OriginalRowIdx:   2,
		GenerationParams: map[string]any{"max_tokens": 256},
	}
	result, err := backend.SendOnlineRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-5678", gotKey)
	assert.Equal(t, apiVersion, gotVersion)
	assert.Equal(t, "be terse", gotBody["system"])
	assert.Equal(t, float64(256), gotBody["max_tokens"])
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1)

	assert.Equal(t, 2, result.RowIdx)
	assert.Equal(t, "hello", result.Message)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 16, result.Usage.TotalTokens)
}

func TestRequestBodyDefaultsMaxTokens(t *testing.T) {
	body := requestBody(&model.GenericRequest{
		Model:    "some-unknown-model",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, defaultMaxTokens, body["max_tokens"])
}

func TestRequestBodySchemaBecomesSystem(t *testing.T) {
	body := requestBody(&model.GenericRequest{
		Model:          "claude-3-5-sonnet-20241022",
		Messages:       []model.Message{{Role: "user", Content: "hi"}},
		ResponseFormat: json.RawMessage(`{"type":"object"}`),
	})
	system, ok := body["system"].(string)
	require.True(t, ok)
	assert.Contains(t, system, `{"type":"object"}`)
}

func TestOverloadedMapsToServiceUnavailable(t *testing.T) {
	backend := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"type": "overloaded_error", "message": "overloaded"}}`))
	}))

	_, err := backend.SendOnlineRequest(context.Background(), &model.GenericRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrServiceUnavailable)
	assert.True(t, model.IsTransient(err))
}

func TestSubmitBatch(t *testing.T) {
	backend := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/batches", r.URL.Path)
		var body struct {
			Requests []json.RawMessage `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Requests, 2)
		w.Write([]byte(`{
			"id": "msgbatch_1", "processing_status": "in_progress",
			"created_at": "2024-11-01T10:00:00Z",
			"request_counts": {"processing": 2, "succeeded": 0, "errored": 0, "canceled": 0, "expired": 0}
		}`))
	}))

	entries := []json.RawMessage{
		json.RawMessage(`{"custom_id":"0"}`),
		json.RawMessage(`{"custom_id":"1"}`),
	}
	batch, err := backend.SubmitBatch(context.Background(), entries,
		map[string]string{provider.MetadataRequestFile: "requests_1.jsonl"})
	require.NoError(t, err)

	assert.Equal(t, "msgbatch_1", batch.ID)
	assert.Equal(t, model.BatchStatusSubmitted, batch.Status)
	assert.Equal(t, "requests_1.jsonl", batch.RequestFile)
	assert.Equal(t, 2, batch.RequestCounts.Total)
	assert.Equal(t, "5678", batch.APIKeySuffix)
}

func TestRetrieveBatchNotFound(t *testing.T) {
	backend := testBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"type": "not_found_error", "message": "no such batch"}}`))
	}))

	got, err := backend.RetrieveBatch(context.Background(), &model.GenericBatch{ID: "msgbatch_missing"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseBatchObjectEndedWithFailures(t *testing.T) {
	backend := &Backend{apiKey: "sk-ant-5678"}
	raw := json.RawMessage(`{
		"id": "msgbatch_2", "processing_status": "ended",
		"created_at": "2024-11-01T10:00:00Z", "ended_at": "2024-11-01T11:00:00Z",
		"request_counts": {"processing": 0, "succeeded": 3, "errored": 1, "canceled": 1, "expired": 0}
	}`)
	batch, err := backend.parseBatchObject(raw, "requests_0.jsonl")
	require.NoError(t, err)

	assert.Equal(t, model.BatchStatusFinished, batch.Status)
	assert.Equal(t, 3, batch.RequestCounts.Succeeded)
	assert.Equal(t, 2, batch.RequestCounts.Failed)
	assert.Equal(t, 5, batch.RequestCounts.Total)
	assert.False(t, batch.FinishedAt.IsZero())
}

func TestBuildBatchEntry(t *testing.T) {
	backend := &Backend{}
	entry, err := backend.BuildBatchEntry(&model.GenericRequest{
		Model:          "claude-3-5-haiku-20241022",
		Messages:       []model.Message{{Role: "user", Content: "hi"}},
		OriginalRowIdx: 5,
	})
	require.NoError(t, err)

	var decoded struct {
		CustomID string         `json:"custom_id"`
		Params   map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal(entry, &decoded))
	assert.Equal(t, "5", decoded.CustomID)
	assert.Equal(t, "claude-3-5-haiku-20241022", decoded.Params["model"])
	assert.NotNil(t, decoded.Params["max_tokens"])
}

func TestParseResultLines(t *testing.T) {
	content := []byte(`{"custom_id": "0", "result": {"type": "succeeded", "message": {"content": [{"type": "text", "text": "ok"}], "usage": {"input_tokens": 2, "output_tokens": 1}}}}
{"custom_id": "1", "result": {"type": "errored", "error": {"type": "invalid_request_error", "message": "bad params"}}}
{"custom_id": "2", "result": {"type": "expired"}}
garbage
`)
	results := parseResultLines(content)
	require.Len(t, results, 4)

	assert.Equal(t, 0, results[0].RowIdx)
	assert.Equal(t, "ok", results[0].Message)
	assert.Equal(t, 3, results[0].Usage.TotalTokens)

	assert.Equal(t, 1, results[1].RowIdx)
	assert.Contains(t, results[1].Error, "bad params")

	assert.Equal(t, 2, results[2].RowIdx)
	assert.Contains(t, results[2].Error, "expired")

	assert.Equal(t, -1, results[3].RowIdx)
	assert.NotEmpty(t, results[3].Error)
}
