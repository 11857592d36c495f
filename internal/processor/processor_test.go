package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/prompt"
	"github.com/praxisllmlab/luban/internal/provider"
)

// stubBackend is a scriptable in-memory backend.
type stubBackend struct {
	mu          sync.Mutex
	onlineCalls map[int]int
	online      func(req *model.GenericRequest) (*provider.Result, error)

	submitted []*model.GenericBatch
	submit    func(entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error)
	retrieve  func(batch *model.GenericBatch) (*model.GenericBatch, error)
	download  func(batch *model.GenericBatch) ([]provider.Result, error)
	cancelled []string

	maxRequests int
	maxBytes    int
}

func newStubBackend() *stubBackend {
	return &stubBackend{onlineCalls: make(map[int]int)}
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) SendOnlineRequest(ctx context.Context, req *model.GenericRequest) (*provider.Result, error) {
	s.mu.Lock()
	s.onlineCalls[req.OriginalRowIdx]++
	s.mu.Unlock()
	if s.online != nil {
		return s.online(req)
	}
	return &provider.Result{
		RowIdx:  req.OriginalRowIdx,
		Message: fmt.Sprintf("resp-%d", req.OriginalRowIdx),
		Usage:   model.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

func (s *stubBackend) callCount(rowIdx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineCalls[rowIdx]
}

func (s *stubBackend) BuildBatchEntry(req *model.GenericRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"custom_id": fmt.Sprintf("%d", req.OriginalRowIdx)})
}

func (s *stubBackend) SubmitBatch(ctx context.Context, entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submit != nil {
		batch, err := s.submit(entries, metadata)
		if batch != nil {
			s.submitted = append(s.submitted, batch)
		}
		return batch, err
	}
	batch := &model.GenericBatch{
		ID:          fmt.Sprintf("batch_%d", len(s.submitted)),
		RequestFile: metadata[provider.MetadataRequestFile],
		Status:      model.BatchStatusSubmitted,
		RawStatus:   "in_progress",
		CreatedAt:   time.Now().UTC(),
		RawBatch:    mustMarshalEntries(entries),
	}
	s.submitted = append(s.submitted, batch)
	return batch, nil
}

func (s *stubBackend) RetrieveBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	if s.retrieve != nil {
		return s.retrieve(batch)
	}
	done := *batch
	done.Status = model.BatchStatusFinished
	done.RawStatus = "completed"
	done.FinishedAt = time.Now().UTC()
	return &done, nil
}

func (s *stubBackend) DownloadBatch(ctx context.Context, batch *model.GenericBatch) ([]provider.Result, error) {
	if s.download != nil {
		return s.download(batch)
	}
	return stubResults(batch), nil
}

func (s *stubBackend) CancelBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, batch.ID)
	s.mu.Unlock()
	done := *batch
	done.Status = model.BatchStatusCancelled
	done.RawStatus = "cancelled"
	return &done, nil
}

func (s *stubBackend) MaxRequestsPerBatch() int {
	if s.maxRequests > 0 {
		return s.maxRequests
	}
	return 1000
}

func (s *stubBackend) MaxBytesPerBatch() int {
	if s.maxBytes > 0 {
		return s.maxBytes
	}
	return 1 << 30
}

func (s *stubBackend) MaxConcurrentBatchOperations() int { return 4 }

// stubResults succeeds every row recorded in the batch's RawBatch.
func stubResults(batch *model.GenericBatch) []provider.Result {
	var entries []json.RawMessage
	if json.Unmarshal(batch.RawBatch, &entries) != nil {
		return nil
	}
	var results []provider.Result
	for _, entry := range entries {
		var decoded struct {
			CustomID string `json:"custom_id"`
		}
		json.Unmarshal(entry, &decoded)
		var idx int
		fmt.Sscanf(decoded.CustomID, "%d", &idx)
		results = append(results, provider.Result{
			RowIdx:  idx,
			Message: fmt.Sprintf("resp-%d", idx),
			Usage:   model.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		})
	}
	return results
}

func mustMarshalEntries(entries []json.RawMessage) json.RawMessage {
	data, _ := json.Marshal(entries)
	return data
}

func testParams() config.BackendParams {
	var params config.BackendParams
	params.SetDefaults()
	params.BatchCheckIntervalSeconds = 1
	return params
}

func testFormatter() *prompt.Formatter {
	return prompt.NewFormatter("gpt-4o-mini", func(row map[string]any) (any, error) {
		return fmt.Sprintf("say %v", row["word"]), nil
	}, nil)
}

func testDataset(n int) *dataset.Dataset {
	rows := make([]dataset.Row, n)
	for i := range rows {
		rows[i] = dataset.Row{"word": fmt.Sprintf("w%d", i)}
	}
	return dataset.New(rows)
}

func transientErr() error {
	return &model.RequestError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    "upstream down",
		Backend:    "stub",
		Err:        model.ErrServiceUnavailable,
	}
}

func TestOnlineRunProducesOrderedOutput(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	p := NewOnlineProcessor(backend, testParams())

	out, err := p.Run(context.Background(), testDataset(3), dir, testFormatter())
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("resp-%d", i), out.Row(i)["response"])
	}

	// Durable artifacts exist.
	assert.FileExists(t, filepath.Join(dir, RequestsFile))
	assert.FileExists(t, filepath.Join(dir, ResponsesFile))
}

func TestOnlineRetryExhaustion(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	backend.online = func(req *model.GenericRequest) (*provider.Result, error) {
		return nil, transientErr()
	}

	params := testParams()
	params.MaxRetries = intp(2)
	params.RequireAllResponses = boolp(false)

	p := NewOnlineProcessor(backend, params)
	p.retryBase = time.Millisecond

	out, err := p.Run(context.Background(), testDataset(1), dir, testFormatter())
	require.NoError(t, err)

	// Initial attempt plus exactly max_retries retries.
	assert.Equal(t, 3, backend.callCount(0))
	require.Equal(t, 1, out.Len())
	assert.Contains(t, out.Row(0), "luban_error")
}

func TestOnlineRetryExhaustionRequireAll(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	backend.online = func(req *model.GenericRequest) (*provider.Result, error) {
		return nil, transientErr()
	}

	params := testParams()
	params.MaxRetries = intp(1)
	params.RequireAllResponses = boolp(true)

	p := NewOnlineProcessor(backend, params)
	p.retryBase = time.Millisecond

	_, err := p.Run(context.Background(), testDataset(2), dir, testFormatter())
	require.Error(t, err)
	// All rows were still attempted before the run failed.
	assert.Equal(t, 2, backend.callCount(0))
	assert.Equal(t, 2, backend.callCount(1))
}

func TestOnlineNonTransientErrorDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	backend.online = func(req *model.GenericRequest) (*provider.Result, error) {
		return nil, &model.RequestError{
			StatusCode: http.StatusUnauthorized,
			Message:    "bad key",
			Backend:    "stub",
			Err:        model.ErrAuthentication,
		}
	}

	params := testParams()
	params.RequireAllResponses = boolp(false)
	p := NewOnlineProcessor(backend, params)

	out, err := p.Run(context.Background(), testDataset(1), dir, testFormatter())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.callCount(0))
	assert.Contains(t, out.Row(0), "luban_error")
}

func TestOnlineResumeSkipsLoggedRows(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	params := testParams()

	p := NewOnlineProcessor(backend, params)
	_, err := p.Run(context.Background(), testDataset(3), dir, testFormatter())
	require.NoError(t, err)

	// Second run in the same working directory must not call the
	// backend again.
	second := newStubBackend()
	second.online = func(req *model.GenericRequest) (*provider.Result, error) {
		t.Errorf("row %d re-dispatched despite logged response", req.OriginalRowIdx)
		return nil, transientErr()
	}
	p2 := NewOnlineProcessor(second, params)
	out, err := p2.Run(context.Background(), testDataset(3), dir, testFormatter())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
}

func TestBatchRunChunksBySize(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()

	params := testParams()
	params.BatchSize = 1

	p := NewBatchProcessor(backend, params)
	out, err := p.Run(context.Background(), testDataset(3), dir, testFormatter())
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())

	// Three rows with batch_size=1 yield three submitted batches.
	assert.Len(t, backend.submitted, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("resp-%d", i), out.Row(i)["response"])
	}

	// Tracker records every batch in a terminal state.
	tracker, err := LoadTracker(filepath.Join(dir, TrackerFile))
	require.NoError(t, err)
	batches := tracker.All()
	require.Len(t, batches, 3)
	for _, batch := range batches {
		assert.True(t, batch.Status.Terminal())
	}

	// Successful request files were cleaned up (the default).
	for i := 0; i < 3; i++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("requests_%d.jsonl", i)))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestBatchPartialFailureResubmitsOnlyFailedRow(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()

	var submittedEntryCounts []int
	backend.submit = func(entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
		submittedEntryCounts = append(submittedEntryCounts, len(entries))
		return &model.GenericBatch{
			ID:          fmt.Sprintf("batch_%d", len(submittedEntryCounts)-1),
			RequestFile: metadata[provider.MetadataRequestFile],
			Status:      model.BatchStatusSubmitted,
			CreatedAt:   time.Now().UTC(),
			RawBatch:    mustMarshalEntries(entries),
		}, nil
	}
	backend.download = func(batch *model.GenericBatch) ([]provider.Result, error) {
		results := stubResults(batch)
		for i := range results {
			if results[i].RowIdx == 1 {
				results[i] = provider.Result{RowIdx: 1, Error: "row rejected"}
			}
		}
		return results, nil
	}

	params := testParams()
	params.RequireAllResponses = boolp(false)
	params.MaxBatchResubmissions = intp(1)

	p := NewBatchProcessor(backend, params)
	out, err := p.Run(context.Background(), testDataset(3), dir, testFormatter())
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())

	// First batch carried all three rows; the resubmission carried
	// exactly the failed one.
	require.Equal(t, []int{3, 1}, submittedEntryCounts)

	assert.Equal(t, "resp-0", out.Row(0)["response"])
	assert.Equal(t, "resp-2", out.Row(2)["response"])
	errs, ok := out.Row(1)["luban_error"].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "row rejected")
}

func TestBatchCancelIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()

	tracker, err := LoadTracker(filepath.Join(dir, TrackerFile))
	require.NoError(t, err)
	require.NoError(t, tracker.Put(&model.GenericBatch{
		ID:          "batch_live",
		RequestFile: "requests_0.jsonl",
		Status:      model.BatchStatusSubmitted,
	}))

	p := NewBatchProcessor(backend, testParams())
	require.NoError(t, p.Cancel(context.Background(), dir))
	assert.Equal(t, []string{"batch_live"}, backend.cancelled)

	reloaded, err := LoadTracker(filepath.Join(dir, TrackerFile))
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelled, reloaded.Get("batch_live").Status)

	// A second cancel finds only terminal batches and calls nothing.
	require.NoError(t, p.Cancel(context.Background(), dir))
	assert.Len(t, backend.cancelled, 1)
}

func TestBatchResumeDoesNotResubmitTrackedChunks(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()
	params := testParams()
	params.BatchSize = 1

	p := NewBatchProcessor(backend, params)
	_, err := p.Run(context.Background(), testDataset(2), dir, testFormatter())
	require.NoError(t, err)
	require.Len(t, backend.submitted, 2)

	// Rerunning in the same working directory finds every row logged
	// and submits nothing.
	second := newStubBackend()
	second.submit = func(entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
		t.Error("chunk resubmitted despite logged responses")
		return nil, fmt.Errorf("unexpected submit")
	}
	p2 := NewBatchProcessor(second, params)
	out, err := p2.Run(context.Background(), testDataset(2), dir, testFormatter())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}

func TestTrackerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrackerFile)
	tracker, err := LoadTracker(path)
	require.NoError(t, err)

	batch := &model.GenericBatch{
		ID:          "batch_a",
		RequestFile: "requests_0.jsonl",
		Status:      model.BatchStatusSubmitted,
	}
	require.NoError(t, tracker.Put(batch))

	reloaded, err := LoadTracker(path)
	require.NoError(t, err)
	got := reloaded.ByRequestFile("requests_0.jsonl")
	require.NotNil(t, got)
	assert.Equal(t, "batch_a", got.ID)
	assert.Equal(t, model.BatchStatusSubmitted, got.Status)
}

func TestTrackerRejectsIllegalTransition(t *testing.T) {
	tracker, err := LoadTracker(filepath.Join(t.TempDir(), TrackerFile))
	require.NoError(t, err)

	require.NoError(t, tracker.Put(&model.GenericBatch{ID: "b", Status: model.BatchStatusFinished}))
	assert.Panics(t, func() {
		tracker.Put(&model.GenericBatch{ID: "b", Status: model.BatchStatusSubmitted})
	})
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestFormatErrorAbortsOnlineRunBeforeDispatch(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()

	// The prompt logic misbehaves on the middle row only.
	f := prompt.NewFormatter("gpt-4o-mini", func(row map[string]any) (any, error) {
		if row["word"] == "w1" {
			return 42, nil
		}
		return fmt.Sprintf("say %v", row["word"]), nil
	}, nil)

	p := NewOnlineProcessor(backend, testParams())
	_, err := p.Run(context.Background(), testDataset(3), dir, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrFormat)

	// Nothing was dispatched, not even the well-formed rows.
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, backend.callCount(i))
	}
	_, statErr := os.Stat(filepath.Join(dir, RequestsFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFormatErrorAbortsBatchRunBeforeSubmit(t *testing.T) {
	dir := t.TempDir()
	backend := newStubBackend()

	f := prompt.NewFormatter("gpt-4o-mini", func(row map[string]any) (any, error) {
		return nil, fmt.Errorf("bad template")
	}, nil)

	p := NewBatchProcessor(backend, testParams())
	_, err := p.Run(context.Background(), testDataset(2), dir, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrFormat)
	assert.Empty(t, backend.submitted)
}

func TestBatchResumeAfterInterruptedDownload(t *testing.T) {
	dir := t.TempDir()
	params := testParams()
	params.BatchSize = 2

	// First run: both batches finish, but downloading the second one
	// dies mid-run, leaving rows 2 and 3 without responses.
	first := newStubBackend()
	first.download = func(batch *model.GenericBatch) ([]provider.Result, error) {
		if batch.ID == "batch_1" {
			return nil, fmt.Errorf("connection reset")
		}
		return stubResults(batch), nil
	}
	p := NewBatchProcessor(first, params)
	_, err := p.Run(context.Background(), testDataset(4), dir, testFormatter())
	require.Error(t, err)
	require.Len(t, first.submitted, 2)

	// Resume: the surviving chunk files must keep their identity, so the
	// tracked batches line up and nothing is submitted again.
	second := newStubBackend()
	second.submit = func(entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
		t.Errorf("chunk %s resubmitted on resume", metadata[provider.MetadataRequestFile])
		return nil, fmt.Errorf("unexpected submit")
	}
	p2 := NewBatchProcessor(second, params)
	out, err := p2.Run(context.Background(), testDataset(4), dir, testFormatter())
	require.NoError(t, err)
	require.Equal(t, 4, out.Len())
	for i := 0; i < 4; i++ {
		assert.Equal(t, fmt.Sprintf("resp-%d", i), out.Row(i)["response"], "row %d", i)
		assert.NotContains(t, out.Row(i), "luban_error", "row %d", i)
	}
}

func TestResponseLogRejectsInvalidResponse(t *testing.T) {
	respLog, err := openResponseLog(filepath.Join(t.TempDir(), ResponsesFile))
	require.NoError(t, err)
	defer respLog.Close()

	req := &model.GenericRequest{OriginalRowIdx: 0}

	// Both message and errors set.
	err = respLog.Append(&model.GenericResponse{
		ResponseMessage: json.RawMessage(`"ok"`),
		ResponseErrors:  []string{"boom"},
		GenericRequest:  req,
	})
	require.Error(t, err)

	// Neither set.
	err = respLog.Append(&model.GenericResponse{GenericRequest: req})
	require.Error(t, err)
	assert.False(t, respLog.Has(0))
}
