package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// BatchStatus is the lifecycle state of a provider-side batch job.
type BatchStatus string

const (
	BatchStatusCreated   BatchStatus = "created"
	BatchStatusSubmitted BatchStatus = "submitted"
	BatchStatusFinished  BatchStatus = "finished"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// batchTransitions is the allowed successor set for each status.
// created → submitted → {finished, failed, cancelled}.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusCreated:   {BatchStatusSubmitted},
	BatchStatusSubmitted: {BatchStatusSubmitted, BatchStatusFinished, BatchStatusFailed, BatchStatusCancelled},
}

// Terminal reports whether no further transitions are allowed.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusFinished, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a documented successor of s.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	for _, t := range batchTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// RequestCounts holds per-batch request outcome counts.
type RequestCounts struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Total     int             `json:"total"`
	Raw       json.RawMessage `json:"raw_request_counts,omitempty"`
}

// GenericBatch is one provider-side batch job. RequestFile is the
// serialized request chunk that produced it; the batch owns that file
// until it reaches a terminal state. RawBatch is the opaque provider
// payload, kept verbatim for retrieval and auditing.
type GenericBatch struct {
	ID            string          `json:"id"`
	RequestFile   string          `json:"request_file"`
	Status        BatchStatus     `json:"status"`
	RawStatus     string          `json:"raw_status,omitempty"`
	RequestCounts RequestCounts   `json:"request_counts"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
	APIKeySuffix  string          `json:"api_key_suffix,omitempty"`
	RawBatch      json.RawMessage `json:"raw_batch,omitempty"`
}

// TransitionTo moves the batch to next. An undocumented transition is a
// programming error, not a recoverable condition, so it panics.
func (b *GenericBatch) TransitionTo(next BatchStatus) {
	if !b.Status.CanTransitionTo(next) {
		panic(fmt.Sprintf("invalid batch status transition %s → %s (batch %s)", b.Status, next, b.ID))
	}
	b.Status = next
}
