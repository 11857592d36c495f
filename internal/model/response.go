package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// GenericResponse is the result of one GenericRequest. Exactly one of
// ResponseMessage / ResponseErrors is populated: a parsed message means
// success, a non-empty error list means a per-row failure. RawResponse
// carries the untouched provider payload for auditing.
type GenericResponse struct {
	ResponseMessage json.RawMessage `json:"response_message,omitempty"`
	ResponseErrors  []string        `json:"response_errors,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
	GenericRequest  *GenericRequest `json:"generic_request"`
	TokenUsage      *TokenUsage     `json:"token_usage,omitempty"`
	ResponseCost    *float64        `json:"response_cost,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// Failed reports whether this response records a per-row failure.
func (r *GenericResponse) Failed() bool {
	return len(r.ResponseErrors) > 0
}

// Validate checks the message-XOR-errors invariant.
func (r *GenericResponse) Validate() error {
	hasMessage := len(r.ResponseMessage) > 0
	hasErrors := len(r.ResponseErrors) > 0
	if hasMessage == hasErrors {
		return fmt.Errorf("response for row %d: exactly one of response_message and response_errors must be set",
			r.GenericRequest.OriginalRowIdx)
	}
	return nil
}
