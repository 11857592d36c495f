// Package prompt turns input rows into generic requests and raw model
// output back into structured results. The prompt-building and
// result-parsing logic is user-supplied; the formatter owns the
// normalization and failure classification around it.
package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/praxisllmlab/luban/internal/fingerprint"
	"github.com/praxisllmlab/luban/internal/model"
)

// PromptFunc builds the prompt for one input row. It must return either
// a string (assumed to be a user prompt) or a []model.Message sequence.
// Anything else is a FormatError.
type PromptFunc func(row map[string]any) (any, error)

// ParseFunc turns the original row and the parsed response message into
// one or more output rows. A nil ParseFunc yields a single row holding
// the response under the "response" key.
type ParseFunc func(row map[string]any, response json.RawMessage) ([]map[string]any, error)

// ResponseFormat is the structured-output schema collaborator. Validate
// either returns the structured value extracted from raw model output or
// a validation error; the formatter treats it as an opaque capability.
type ResponseFormat interface {
	Name() string
	Schema() json.RawMessage
	Validate(raw []byte) (json.RawMessage, error)
}

// Formatter binds user-supplied prompt/parse logic to a model and its
// generation parameters.
type Formatter struct {
	Model            string
	Prompt           PromptFunc
	Parse            ParseFunc
	ResponseFormat   ResponseFormat
	GenerationParams map[string]any

	// LogicVersion is the explicit version tag identifying the observable
	// behavior of Prompt and Parse for cache-key purposes. Bump it when
	// the logic changes; it must not encode file paths or other
	// incidental state.
	LogicVersion string

	// PromptSource and ParseSource are optional source-text snapshots of
	// the user logic, stored with run metadata for auditing.
	PromptSource string
	ParseSource  string
}

// NewFormatter creates a Formatter and normalizes its generation
// parameters: nil-valued entries are dropped so they cannot perturb
// fingerprints or dispatched requests.
func NewFormatter(modelName string, promptFn PromptFunc, generationParams map[string]any) *Formatter {
	params := make(map[string]any, len(generationParams))
	for k, v := range generationParams {
		if v != nil {
			params[k] = v
		}
	}
	return &Formatter{
		Model:            modelName,
		Prompt:           promptFn,
		GenerationParams: params,
	}
}

// BuildRequest invokes the prompt logic over one input row and returns
// the normalized request. A prompt func that errors, panics, or returns
// neither a string nor a message list yields a FormatError.
func (f *Formatter) BuildRequest(row map[string]any, rowIdx int) (req *model.GenericRequest, err error) {
	if f.Prompt == nil {
		return nil, fmt.Errorf("%w: no prompt func configured", model.ErrFormat)
	}

	defer func() {
		if r := recover(); r != nil {
			req = nil
			err = fmt.Errorf("%w: prompt func panicked on row %d: %v", model.ErrFormat, rowIdx, r)
		}
	}()

	out, err := f.Prompt(row)
	if err != nil {
		return nil, fmt.Errorf("%w: prompt func failed on row %d: %v", model.ErrFormat, rowIdx, err)
	}

	var messages []model.Message
	switch v := out.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("%w: prompt func returned empty prompt on row %d", model.ErrFormat, rowIdx)
		}
		messages = []model.Message{{Role: "user", Content: v}}
	case []model.Message:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: prompt func returned empty message list on row %d", model.ErrFormat, rowIdx)
		}
		messages = v
	default:
		return nil, fmt.Errorf("%w: prompt func must return a string or []model.Message, got %T", model.ErrFormat, out)
	}

	req = &model.GenericRequest{
		Model:            f.Model,
		Messages:         messages,
		OriginalRow:      row,
		OriginalRowIdx:   rowIdx,
		GenerationParams: f.GenerationParams,
	}
	if f.ResponseFormat != nil {
		req.ResponseFormat = f.ResponseFormat.Schema()
	}
	return req, nil
}

// ParseResponseMessage normalizes raw model output text into the
// response message, validating against the declared schema when one is
// set. Validation failure is a data-quality event: it returns a non-nil
// error list instead of failing the run.
func (f *Formatter) ParseResponseMessage(raw string) (json.RawMessage, []string) {
	if f.ResponseFormat == nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, []string{fmt.Sprintf("encode response text: %v", err)}
		}
		return data, nil
	}

	structured, err := f.ResponseFormat.Validate([]byte(raw))
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", model.ErrValidation, err)}
	}
	return structured, nil
}

// ApplyParse runs the user parse logic over one original row and its
// response message, producing the output rows.
func (f *Formatter) ApplyParse(row map[string]any, response json.RawMessage) (out []map[string]any, err error) {
	if f.Parse == nil {
		return []map[string]any{{"response": decodeResponse(response)}}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("parse func panicked: %v", r)
		}
	}()
	return f.Parse(row, response)
}

// LogicHash returns the cache-key identity of the prompt/parse logic.
// It depends only on the declared logic version and schema, never on
// process state.
func (f *Formatter) LogicHash() string {
	return fingerprint.HashText("logic:" + f.LogicVersion + ":" + f.SchemaJSON())
}

// SchemaJSON returns the declared schema text, or the "text" marker when
// no structured output is requested.
func (f *Formatter) SchemaJSON() string {
	if f.ResponseFormat == nil {
		return fingerprint.TextSchema
	}
	return string(f.ResponseFormat.Schema())
}

// decodeResponse unwraps a response message for output rows: JSON
// strings become plain strings, structured values stay as-is.
func decodeResponse(response json.RawMessage) any {
	var v any
	if err := json.Unmarshal(response, &v); err != nil {
		return string(response)
	}
	return v
}
