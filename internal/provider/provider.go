// Package provider defines the network boundary to completion backends.
// One adapter per backend translates generic requests into the provider's
// native shapes and normalizes responses and batch objects back.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/praxisllmlab/luban/internal/model"
)

// MetadataRequestFile is the metadata key carrying the local request
// file path through batch submission.
const MetadataRequestFile = "request_file"

// Options configures a backend adapter.
type Options struct {
	APIKey  string
	BaseURL string
	// Client overrides the default HTTP client (tests).
	Client *http.Client
}

// HTTPClient returns the configured client or a default with a generous
// timeout; completion calls can legitimately run for minutes.
func (o Options) HTTPClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

// Result is one normalized per-request outcome extracted from a raw
// provider payload, online or downloaded from a batch.
type Result struct {
	// RowIdx is the original row index recovered from the provider's
	// custom id. Negative when the id could not be matched.
	RowIdx int
	// Message is the raw model output text.
	Message string
	Usage   model.TokenUsage
	// Raw is the untouched provider payload for this request.
	Raw json.RawMessage
	// Error is the provider-reported failure for this row, empty on success.
	Error string
}

// Backend is the fixed capability interface every provider implements.
// Batch-capable backends implement all methods; online-only backends
// return ConfigurationError from the batch methods.
type Backend interface {
	Name() string

	// SendOnlineRequest issues one immediate completion call.
	SendOnlineRequest(ctx context.Context, req *model.GenericRequest) (*Result, error)

	// BuildBatchEntry serializes one request into the provider's batch
	// request-file line shape.
	BuildBatchEntry(req *model.GenericRequest) (json.RawMessage, error)

	// SubmitBatch submits serialized entries as one provider batch job.
	SubmitBatch(ctx context.Context, entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error)

	// RetrieveBatch fetches the current provider-side state of a batch.
	// Returns (nil, nil) when the provider does not know the batch (for
	// example an API key mismatch); the caller logs and continues.
	RetrieveBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error)

	// DownloadBatch fetches all per-request results of a FINISHED batch.
	DownloadBatch(ctx context.Context, batch *model.GenericBatch) ([]Result, error)

	// CancelBatch requests cancellation. Best-effort: the returned batch
	// reflects the provider state when reachable, and the call reports an
	// error only for transport-level failures.
	CancelBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error)

	// Provider-documented batch limits.
	MaxRequestsPerBatch() int
	MaxBytesPerBatch() int
	MaxConcurrentBatchOperations() int
}
