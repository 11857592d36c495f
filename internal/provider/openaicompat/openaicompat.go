// Package openaicompat implements an online-only backend for providers
// that expose the OpenAI chat completions wire format under their own
// base URL (vLLM, Ollama, OpenRouter and the like). Batch operations
// are not part of the compatibility surface and report a configuration
// error.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/provider"
	"github.com/praxisllmlab/luban/internal/provider/openai"
)

// Backend wraps the OpenAI adapter pointed at a custom base URL.
type Backend struct {
	inner *openai.Backend
}

// New creates a compatible backend. The base URL is required; there is
// no sensible default for a self-chosen endpoint.
func New(opts provider.Options) *Backend {
	return &Backend{inner: openai.New(opts)}
}

func (b *Backend) Name() string { return "openaicompat" }

func (b *Backend) SendOnlineRequest(ctx context.Context, req *model.GenericRequest) (*provider.Result, error) {
	return b.inner.SendOnlineRequest(ctx, req)
}

func (b *Backend) BuildBatchEntry(req *model.GenericRequest) (json.RawMessage, error) {
	return nil, b.batchUnsupported()
}

func (b *Backend) SubmitBatch(ctx context.Context, entries []json.RawMessage, metadata map[string]string) (*model.GenericBatch, error) {
	return nil, b.batchUnsupported()
}

func (b *Backend) RetrieveBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	return nil, b.batchUnsupported()
}

func (b *Backend) DownloadBatch(ctx context.Context, batch *model.GenericBatch) ([]provider.Result, error) {
	return nil, b.batchUnsupported()
}

func (b *Backend) CancelBatch(ctx context.Context, batch *model.GenericBatch) (*model.GenericBatch, error) {
	return nil, b.batchUnsupported()
}

func (b *Backend) MaxRequestsPerBatch() int          { return 0 }
func (b *Backend) MaxBytesPerBatch() int             { return 0 }
func (b *Backend) MaxConcurrentBatchOperations() int { return 0 }

func (b *Backend) batchUnsupported() error {
	return fmt.Errorf("openaicompat backend does not support batch mode: %w", model.ErrConfiguration)
}

func init() {
	provider.Register("openaicompat", func(opts provider.Options) provider.Backend {
		return New(opts)
	})
}
