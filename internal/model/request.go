package model

import "encoding/json"

// Message is a single role/content pair in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenericRequest is one normalized outbound completion call. It is
// provider-agnostic: backend adapters translate it into their native
// request shape at dispatch time. Immutable once created.
type GenericRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	OriginalRow      map[string]any  `json:"original_row"`
	OriginalRowIdx   int             `json:"original_row_idx"`
	GenerationParams map[string]any  `json:"generation_params,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// TokenUsage holds prompt/completion/total token counts for one response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
