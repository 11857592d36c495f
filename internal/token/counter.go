// Package token estimates token consumption of generic requests so the
// rate limiter can reserve tokens-per-minute capacity before dispatch.
// Estimates are advisory; actual usage from the response reconciles the
// reservation afterwards.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/praxisllmlab/luban/internal/model"
)

// defaultCompletionTokens is assumed for the completion side when the
// request carries no max_tokens generation parameter.
const defaultCompletionTokens = 512

// Counter estimates token counts for generic requests.
// Caches tiktoken encoders per encoding for efficiency.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// EstimateRequest returns the estimated total token cost of dispatching
// req: prompt tokens plus the completion allowance (max_tokens if set,
// otherwise a fixed default).
func (c *Counter) EstimateRequest(req *model.GenericRequest) int {
	prompt := c.CountMessages(req.Model, req.Messages)

	completion := defaultCompletionTokens
	if v, ok := req.GenerationParams["max_tokens"]; ok {
		switch n := v.(type) {
		case int:
			completion = n
		case int64:
			completion = int(n)
		case float64:
			completion = int(n)
		}
	}
	return prompt + completion
}

// CountMessages returns the token count for a list of chat messages.
// Token counting follows OpenAI's formula: each message adds overhead
// tokens for the role field, plus the content tokens. For models without
// a known tiktoken encoding a bytes/4 heuristic is used.
func (c *Counter) CountMessages(modelName string, messages []model.Message) int {
	enc := c.getEncoder(modelName)

	tokensPerMessage := 3
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		if enc != nil {
			total += len(enc.Encode(msg.Role, nil, nil))
			total += len(enc.Encode(msg.Content, nil, nil))
		} else {
			total += heuristicCount(msg.Role) + heuristicCount(msg.Content)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return total
}

// CountText returns the token count of a text string for the given model.
func (c *Counter) CountText(modelName, text string) int {
	if enc := c.getEncoder(modelName); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// heuristicCount approximates one token per 4 bytes of text.
func heuristicCount(text string) int {
	return (len(text) + 3) / 4
}

// getEncoder returns a cached tiktoken encoder for the model, or nil
// when the model has no known encoding.
func (c *Counter) getEncoder(modelName string) *tiktoken.Tiktoken {
	encoding := modelToEncoding(modelName)
	if encoding == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[encoding]; ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil
	}

	c.encoders[encoding] = enc
	return enc
}

// modelToEncoding maps model names to tiktoken encoding names.
// Returns empty string for models without a known encoding.
func modelToEncoding(modelName string) string {
	// Strip provider prefix (e.g. "openai/gpt-4o" → "gpt-4o")
	if idx := strings.Index(modelName, "/"); idx >= 0 {
		modelName = modelName[idx+1:]
	}

	switch {
	case strings.HasPrefix(modelName, "gpt-4o"),
		strings.HasPrefix(modelName, "gpt-4.1"),
		strings.HasPrefix(modelName, "gpt-4.5"),
		strings.HasPrefix(modelName, "o1"),
		strings.HasPrefix(modelName, "o3"),
		strings.HasPrefix(modelName, "o4"),
		strings.HasPrefix(modelName, "chatgpt-4o"):
		return "o200k_base"

	case strings.HasPrefix(modelName, "gpt-4"),
		strings.HasPrefix(modelName, "gpt-3.5"):
		return "cl100k_base"

	default:
		if strings.Contains(modelName, "gpt") {
			return "o200k_base"
		}
		return "" // no known encoding, fall back to heuristic
	}
}
