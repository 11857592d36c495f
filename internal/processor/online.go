package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/metrics"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/pricing"
	"github.com/praxisllmlab/luban/internal/prompt"
	"github.com/praxisllmlab/luban/internal/provider"
	"github.com/praxisllmlab/luban/internal/ratelimit"
	"github.com/praxisllmlab/luban/internal/token"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 60 * time.Second
)

// OnlineProcessor dispatches one immediate call per row through a
// bounded worker pool, rate limited on both requests and tokens per
// minute, with per-request retries.
type OnlineProcessor struct {
	backend   provider.Backend
	params    config.BackendParams
	limiter   *ratelimit.Limiter
	counter   *token.Counter
	retryBase time.Duration
}

func NewOnlineProcessor(backend provider.Backend, params config.BackendParams) *OnlineProcessor {
	return &OnlineProcessor{
		backend: backend,
		params:  params,
		limiter: ratelimit.NewLimiter(
			params.MaxRequestsPerMinute,
			params.MaxTokensPerMinute,
			params.RateLimitPause()),
		counter:   token.NewCounter(),
		retryBase: retryBaseDelay,
	}
}

// Run executes the request set. Rows already present in the response
// log are skipped, so an interrupted run resumes where it stopped.
func (p *OnlineProcessor) Run(ctx context.Context, ds *dataset.Dataset, workingDir string, f *prompt.Formatter) (*dataset.Dataset, error) {
	requests, err := loadOrBuildRequests(workingDir, ds, f)
	if err != nil {
		return nil, err
	}

	respLog, err := openResponseLog(filepath.Join(workingDir, ResponsesFile))
	if err != nil {
		return nil, err
	}
	defer respLog.Close()

	var pending []*model.GenericRequest
	for _, req := range requests {
		if !respLog.Has(req.OriginalRowIdx) {
			pending = append(pending, req)
		}
	}
	if skipped := len(requests) - len(pending); skipped > 0 {
		log.Printf("onlineprocessor: resuming, %d of %d rows already have responses", skipped, len(requests))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.params.MaxConcurrentRequests)
	for _, req := range pending {
		req := req
		group.Go(func() error {
			resp := p.processOne(groupCtx, req, f)
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return respLog.Append(resp)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("online run aborted: %w", err)
	}

	return assembleOutput(ds, f, respLog.Responses(), *p.params.RequireAllResponses)
}

// processOne issues one call with rate limiting and retries. Transient
// failures back off exponentially and re-enter the limiter; exhausting
// the retry budget records a per-row failure rather than an error.
func (p *OnlineProcessor) processOne(ctx context.Context, req *model.GenericRequest, f *prompt.Formatter) *model.GenericResponse {
	backend := p.backend.Name()
	estTokens := p.counter.EstimateRequest(req)
	createdAt := time.Now().UTC()

	var lastErr error
	for attempt := 0; attempt <= *p.params.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RequestsTotal.WithLabelValues(backend, "retried").Inc()
			if err := sleepContext(ctx, backoffDelay(p.retryBase, attempt)); err != nil {
				lastErr = err
				break
			}
		}
		if err := p.limiter.Wait(ctx, estTokens); err != nil {
			lastErr = err
			break
		}

		result, err := p.backend.SendOnlineRequest(ctx, req)
		if err != nil {
			lastErr = err
			if errors.Is(err, model.ErrRateLimit) {
				p.limiter.OnRateLimitError()
				metrics.RateLimitCooldowns.WithLabelValues(backend).Inc()
			}
			if model.IsTransient(err) && ctx.Err() == nil {
				log.Printf("onlineprocessor: row %d attempt %d/%d failed: %v",
					req.OriginalRowIdx, attempt+1, *p.params.MaxRetries+1, err)
				continue
			}
			break
		}

		p.limiter.Reconcile(estTokens, result.Usage.TotalTokens)
		metrics.RequestsTotal.WithLabelValues(backend, "success").Inc()
		metrics.ObserveUsage(backend, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		return p.buildResponse(req, result, f, createdAt)
	}

	metrics.RequestsTotal.WithLabelValues(backend, "failed").Inc()
	resp := failedResponse(req, fmt.Sprintf("request failed after %d attempts: %v", *p.params.MaxRetries+1, lastErr))
	resp.CreatedAt = createdAt
	resp.FinishedAt = time.Now().UTC()
	return resp
}

func (p *OnlineProcessor) buildResponse(req *model.GenericRequest, result *provider.Result, f *prompt.Formatter, createdAt time.Time) *model.GenericResponse {
	resp := &model.GenericResponse{
		RawResponse:    result.Raw,
		GenericRequest: req,
		TokenUsage:     &result.Usage,
		CreatedAt:      createdAt,
		FinishedAt:     time.Now().UTC(),
	}
	resp.ResponseCost = pricing.Default().CompletionCost(
		req.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens, false)

	message, parseErrs := f.ParseResponseMessage(result.Message)
	if len(parseErrs) > 0 {
		resp.ResponseErrors = parseErrs
		return resp
	}
	resp.ResponseMessage = message
	return resp
}

// backoffDelay grows exponentially from the base, capped.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
