package germinal

import "context"

// FinishLength is the finish reason signalling the model hit its output
// token limit. The engine treats it as a truncated turn and retries.
const FinishLength = "length"

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Messages  []ChatMessage
	MaxTokens int
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the completed model turn. FinishReason follows the
// OpenAI convention ("stop", "length").
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Truncated reports whether the turn was cut off by the output limit.
func (r ChatResponse) Truncated() bool { return r.FinishReason == FinishLength }

// Provider sends chat completions to an LLM backend.
type Provider interface {
	// Chat sends a non-streaming completion request.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name identifies the backend for logging and error wrapping.
	Name() string
}
