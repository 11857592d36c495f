package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/praxisllmlab/luban/internal/config"
	"github.com/praxisllmlab/luban/internal/dataset"
	"github.com/praxisllmlab/luban/internal/metrics"
	"github.com/praxisllmlab/luban/internal/model"
	"github.com/praxisllmlab/luban/internal/pricing"
	"github.com/praxisllmlab/luban/internal/prompt"
	"github.com/praxisllmlab/luban/internal/provider"
)

// BatchProcessor runs the asynchronous state machine: chunk the request
// set under provider limits, submit untracked chunks, poll submitted
// batches on an interval, download finished ones, and resubmit failed
// rows as smaller batches up to the resubmission cap. All batch state
// lives in the Tracker so an interrupted run resumes without
// resubmitting.
type BatchProcessor struct {
	backend provider.Backend
	params  config.BackendParams
}

func NewBatchProcessor(backend provider.Backend, params config.BackendParams) *BatchProcessor {
	return &BatchProcessor{backend: backend, params: params}
}

// chunk is one submission unit: a request file name plus the requests
// and serialized entries that went into it.
type chunk struct {
	file     string
	requests []*model.GenericRequest
	entries  []json.RawMessage
}

func (p *BatchProcessor) Run(ctx context.Context, ds *dataset.Dataset, workingDir string, f *prompt.Formatter) (*dataset.Dataset, error) {
	requests, err := loadOrBuildRequests(workingDir, ds, f)
	if err != nil {
		return nil, err
	}

	respLog, err := openResponseLog(filepath.Join(workingDir, ResponsesFile))
	if err != nil {
		return nil, err
	}
	defer respLog.Close()

	tracker, err := LoadTracker(filepath.Join(workingDir, TrackerFile))
	if err != nil {
		return nil, err
	}

	// Chunk files from an interrupted run keep their identity: the
	// tracker maps them to already-submitted batches, so they must never
	// be repartitioned or renumbered. New chunks get sequence numbers
	// past everything found on disk.
	existing, chunkSeq, err := p.loadExistingChunks(workingDir)
	if err != nil {
		return nil, err
	}

	pending := requests
	lastError := make(map[int]string)

	maxResubmissions := *p.params.MaxBatchResubmissions
	for round := 0; round <= maxResubmissions; round++ {
		pending = p.unresponded(pending, respLog)
		if len(pending) == 0 {
			break
		}
		if round > 0 {
			log.Printf("batchprocessor: resubmitting %d failed rows (round %d/%d)",
				len(pending), round, maxResubmissions)
			metrics.BatchesTotal.WithLabelValues(p.backend.Name(), "resubmitted").Inc()
		}

		var chunks []*chunk
		if round == 0 && len(existing) > 0 {
			covered := make(map[int]bool)
			for _, c := range existing {
				for _, req := range c.requests {
					covered[req.OriginalRowIdx] = true
				}
				if len(p.unresponded(c.requests, respLog)) > 0 {
					chunks = append(chunks, c)
				}
			}
			var uncovered []*model.GenericRequest
			for _, req := range pending {
				if !covered[req.OriginalRowIdx] {
					uncovered = append(uncovered, req)
				}
			}
			pending = uncovered
		}

		fresh, err := p.buildChunks(workingDir, pending, &chunkSeq, lastError, respLog)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, fresh...)
		if err := p.submitChunks(ctx, chunks, tracker); err != nil {
			return nil, err
		}
		if err := p.pollUntilTerminal(ctx, tracker, chunks); err != nil {
			return nil, err
		}
		failed, err := p.downloadResults(ctx, tracker, chunks, respLog, f, lastError)
		if err != nil {
			return nil, err
		}
		p.cleanupRequestFiles(workingDir, tracker, chunks)

		pending = failed
	}

	// Rows that survived every round as failures get their last error
	// recorded permanently.
	for _, req := range p.unresponded(pending, respLog) {
		msg := lastError[req.OriginalRowIdx]
		if msg == "" {
			msg = "row failed in batch processing"
		}
		if err := respLog.Append(failedResponse(req, msg)); err != nil {
			return nil, err
		}
	}

	return assembleOutput(ds, f, respLog.Responses(), *p.params.RequireAllResponses)
}

func (p *BatchProcessor) unresponded(reqs []*model.GenericRequest, respLog *responseLog) []*model.GenericRequest {
	var out []*model.GenericRequest
	for _, req := range reqs {
		if !respLog.Has(req.OriginalRowIdx) {
			out = append(out, req)
		}
	}
	return out
}

// loadExistingChunks reconstructs the chunks an earlier run left on
// disk, in sequence order, and returns the next free sequence number.
// Their entries are rebuilt lazily at submit time; most loaded chunks
// are already tracked and never need them.
func (p *BatchProcessor) loadExistingChunks(workingDir string) ([]*chunk, int, error) {
	matches, err := filepath.Glob(filepath.Join(workingDir, "requests_*.jsonl"))
	if err != nil {
		return nil, 0, fmt.Errorf("scan chunk files: %w", err)
	}

	nextSeq := 0
	bySeq := make(map[int]*chunk)
	for _, path := range matches {
		name := filepath.Base(path)
		var n int
		if _, err := fmt.Sscanf(name, "requests_%d.jsonl", &n); err != nil {
			continue
		}
		reqs, err := readRequestFile(path)
		if err != nil {
			return nil, 0, err
		}
		bySeq[n] = &chunk{file: name, requests: reqs}
		if n >= nextSeq {
			nextSeq = n + 1
		}
	}

	chunks := make([]*chunk, 0, len(bySeq))
	for n := 0; n < nextSeq; n++ {
		if c, ok := bySeq[n]; ok {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) > 0 {
		log.Printf("batchprocessor: found %d chunk files from a previous run", len(chunks))
	}
	return chunks, nextSeq, nil
}

// buildChunks partitions requests under three limits: the configured
// batch size, the provider's max requests per batch, and the provider's
// max serialized bytes per batch. Each chunk is persisted as
// requests_<n>.jsonl before anything is submitted. Requests whose entry
// cannot be serialized fail immediately.
func (p *BatchProcessor) buildChunks(workingDir string, pending []*model.GenericRequest, seq *int, lastError map[int]string, respLog *responseLog) ([]*chunk, error) {
	maxRequests := p.params.BatchSize
	if limit := p.backend.MaxRequestsPerBatch(); limit > 0 && limit < maxRequests {
		maxRequests = limit
	}
	maxBytes := p.backend.MaxBytesPerBatch()

	var chunks []*chunk
	current := &chunk{}
	currentBytes := 0
	flush := func() error {
		if len(current.requests) == 0 {
			return nil
		}
		current.file = fmt.Sprintf("requests_%d.jsonl", *seq)
		*seq++
		path := filepath.Join(workingDir, current.file)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeRequestFile(path, current.requests); err != nil {
				return err
			}
		}
		chunks = append(chunks, current)
		current = &chunk{}
		currentBytes = 0
		return nil
	}

	for _, req := range pending {
		entry, err := p.backend.BuildBatchEntry(req)
		if err != nil {
			lastError[req.OriginalRowIdx] = err.Error()
			if err := respLog.Append(failedResponse(req, err.Error())); err != nil {
				return nil, err
			}
			continue
		}
		if len(current.requests) >= maxRequests ||
			(maxBytes > 0 && currentBytes+len(entry) > maxBytes && len(current.requests) > 0) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current.requests = append(current.requests, req)
		current.entries = append(current.entries, entry)
		currentBytes += len(entry) + 1
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// submitChunks submits every chunk the Tracker has no batch for, with
// submission concurrency bounded by the provider's limit. The returned
// batch is recorded (and flushed) before the next submission proceeds
// on that slot.
func (p *BatchProcessor) submitChunks(ctx context.Context, chunks []*chunk, tracker *Tracker) error {
	sem := semaphore.NewWeighted(int64(p.concurrentOps()))
	errCh := make(chan error, len(chunks))

	for _, c := range chunks {
		if tracker.ByRequestFile(c.file) != nil {
			log.Printf("batchprocessor: chunk %s already submitted, skipping", c.file)
			continue
		}
		if err := p.ensureEntries(c); err != nil {
			return err
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(c *chunk) {
			defer sem.Release(1)
			batch, err := p.backend.SubmitBatch(ctx, c.entries,
				map[string]string{provider.MetadataRequestFile: c.file})
			if err != nil {
				errCh <- fmt.Errorf("submit chunk %s: %w", c.file, err)
				return
			}
			metrics.BatchesTotal.WithLabelValues(p.backend.Name(), "submitted").Inc()
			log.Printf("batchprocessor: submitted batch %s for %s (%d requests)",
				batch.ID, c.file, len(c.requests))
			errCh <- tracker.Put(batch)
		}(c)
	}

	if err := sem.Acquire(ctx, int64(p.concurrentOps())); err != nil {
		return err
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// ensureEntries rebuilds the serialized batch entries of a chunk loaded
// from disk. Unlike first-time chunking, a request that no longer
// serializes here is fatal: the chunk's membership is fixed.
func (p *BatchProcessor) ensureEntries(c *chunk) error {
	if len(c.entries) == len(c.requests) {
		return nil
	}
	c.entries = c.entries[:0]
	for _, req := range c.requests {
		entry, err := p.backend.BuildBatchEntry(req)
		if err != nil {
			return fmt.Errorf("rebuild entry for row %d of %s: %w", req.OriginalRowIdx, c.file, err)
		}
		c.entries = append(c.entries, entry)
	}
	return nil
}

// pollUntilTerminal polls every SUBMITTED batch of this round on the
// check interval until all reach a terminal status.
func (p *BatchProcessor) pollUntilTerminal(ctx context.Context, tracker *Tracker, chunks []*chunk) error {
	files := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		files[c.file] = true
	}
	sem := semaphore.NewWeighted(int64(p.concurrentOps()))

	for {
		var active []*model.GenericBatch
		for _, batch := range tracker.All() {
			if files[batch.RequestFile] && !batch.Status.Terminal() {
				active = append(active, batch)
			}
		}
		if len(active) == 0 {
			return nil
		}

		for _, batch := range active {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(batch *model.GenericBatch) {
				defer sem.Release(1)
				p.pollOne(ctx, tracker, batch)
			}(batch)
		}
		if err := sem.Acquire(ctx, int64(p.concurrentOps())); err != nil {
			return err
		}
		sem.Release(int64(p.concurrentOps()))

		stillActive := false
		for _, batch := range tracker.All() {
			if files[batch.RequestFile] && !batch.Status.Terminal() {
				stillActive = true
				break
			}
		}
		if !stillActive {
			return nil
		}
		if err := sleepContext(ctx, p.params.BatchCheckInterval()); err != nil {
			return err
		}
	}
}

func (p *BatchProcessor) pollOne(ctx context.Context, tracker *Tracker, batch *model.GenericBatch) {
	current, err := p.backend.RetrieveBatch(ctx, batch)
	if err != nil {
		log.Printf("batchprocessor: poll batch %s failed: %v", batch.ID, err)
		return
	}
	if current == nil {
		log.Printf("batchprocessor: batch %s not found at provider, will retry", batch.ID)
		return
	}
	if current.Status == batch.Status &&
		current.RequestCounts.Succeeded == batch.RequestCounts.Succeeded &&
		current.RequestCounts.Failed == batch.RequestCounts.Failed {
		return
	}
	if current.Status != batch.Status {
		log.Printf("batchprocessor: batch %s %s -> %s (%d/%d done)",
			batch.ID, batch.Status, current.Status,
			current.RequestCounts.Succeeded+current.RequestCounts.Failed,
			current.RequestCounts.Total)
		if current.Status.Terminal() {
			metrics.BatchesTotal.WithLabelValues(p.backend.Name(), string(current.Status)).Inc()
		}
	}
	if err := tracker.Put(current); err != nil {
		log.Printf("batchprocessor: record batch %s state failed: %v", batch.ID, err)
	}
}

// downloadResults fetches per-request results for every finished batch
// of this round, writes successful rows to the response log, and
// returns the rows eligible for resubmission. Rows of failed or
// cancelled batches fail wholesale.
func (p *BatchProcessor) downloadResults(ctx context.Context, tracker *Tracker, chunks []*chunk, respLog *responseLog, f *prompt.Formatter, lastError map[int]string) ([]*model.GenericRequest, error) {
	var failed []*model.GenericRequest

	for _, c := range chunks {
		batch := tracker.ByRequestFile(c.file)
		if batch == nil {
			continue
		}
		byIdx := make(map[int]*model.GenericRequest, len(c.requests))
		for _, req := range c.requests {
			byIdx[req.OriginalRowIdx] = req
		}

		switch batch.Status {
		case model.BatchStatusFinished:
			results, err := p.backend.DownloadBatch(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("download batch %s: %w", batch.ID, err)
			}
			metrics.BatchesTotal.WithLabelValues(p.backend.Name(), "downloaded").Inc()

			for _, result := range results {
				req, ok := byIdx[result.RowIdx]
				if !ok {
					log.Printf("batchprocessor: batch %s result for unknown row %d: %s",
						batch.ID, result.RowIdx, result.Error)
					continue
				}
				delete(byIdx, result.RowIdx)
				if respLog.Has(req.OriginalRowIdx) {
					continue
				}
				if result.Error != "" {
					lastError[req.OriginalRowIdx] = result.Error
					failed = append(failed, req)
					continue
				}
				metrics.ObserveUsage(p.backend.Name(), result.Usage.PromptTokens, result.Usage.CompletionTokens)
				if err := respLog.Append(p.buildResponse(req, &result, f, batch)); err != nil {
					return nil, err
				}
			}
			// Rows the provider returned nothing for.
			for idx, req := range byIdx {
				if respLog.Has(idx) {
					continue
				}
				lastError[idx] = fmt.Sprintf("batch %s returned no result for row", batch.ID)
				failed = append(failed, req)
			}

		case model.BatchStatusFailed, model.BatchStatusCancelled:
			for idx, req := range byIdx {
				if respLog.Has(idx) {
					continue
				}
				lastError[idx] = fmt.Sprintf("batch %s ended %s", batch.ID, batch.Status)
				failed = append(failed, req)
			}
		}
	}
	return failed, nil
}

func (p *BatchProcessor) buildResponse(req *model.GenericRequest, result *provider.Result, f *prompt.Formatter, batch *model.GenericBatch) *model.GenericResponse {
	resp := &model.GenericResponse{
		RawResponse:    result.Raw,
		GenericRequest: req,
		TokenUsage:     &result.Usage,
		CreatedAt:      batch.CreatedAt,
		FinishedAt:     batch.FinishedAt,
	}
	resp.ResponseCost = pricing.Default().CompletionCost(
		req.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens, true)

	message, parseErrs := f.ParseResponseMessage(result.Message)
	if len(parseErrs) > 0 {
		resp.ResponseErrors = parseErrs
		return resp
	}
	resp.ResponseMessage = message
	return resp
}

// cleanupRequestFiles applies the delete flags: spent request files of
// fully successful batches go by default, failed ones stay for
// debugging unless configured otherwise.
func (p *BatchProcessor) cleanupRequestFiles(workingDir string, tracker *Tracker, chunks []*chunk) {
	for _, c := range chunks {
		batch := tracker.ByRequestFile(c.file)
		if batch == nil || !batch.Status.Terminal() {
			continue
		}
		succeeded := batch.Status == model.BatchStatusFinished && batch.RequestCounts.Failed == 0
		remove := false
		if succeeded {
			remove = *p.params.DeleteSuccessfulBatchFiles
		} else {
			remove = *p.params.DeleteFailedBatchFiles
		}
		if !remove {
			continue
		}
		if err := os.Remove(filepath.Join(workingDir, c.file)); err != nil && !os.IsNotExist(err) {
			log.Printf("batchprocessor: remove %s failed: %v", c.file, err)
		}
	}
}

// Cancel cancels every non-terminal tracked batch in the working
// directory. Idempotent: already-terminal batches are reported and left
// unchanged. The Tracker records CANCELLED even when the provider-side
// cancel call fails, so a re-run never resumes a batch the user asked
// to stop.
func (p *BatchProcessor) Cancel(ctx context.Context, workingDir string) error {
	tracker, err := LoadTracker(filepath.Join(workingDir, TrackerFile))
	if err != nil {
		return err
	}

	for _, batch := range tracker.All() {
		if batch.Status.Terminal() {
			log.Printf("batchprocessor: batch %s already %s, nothing to cancel", batch.ID, batch.Status)
			continue
		}
		current, err := p.backend.CancelBatch(ctx, batch)
		if err != nil || current == nil {
			current = batch
		}
		if !current.Status.Terminal() {
			current.TransitionTo(model.BatchStatusCancelled)
		}
		metrics.BatchesTotal.WithLabelValues(p.backend.Name(), "cancelled").Inc()
		if err := tracker.Put(current); err != nil {
			return err
		}
		log.Printf("batchprocessor: cancelled batch %s", batch.ID)
	}

	return nil
}

func (p *BatchProcessor) concurrentOps() int {
	if limit := p.backend.MaxConcurrentBatchOperations(); limit > 0 {
		return limit
	}
	return 1
}
