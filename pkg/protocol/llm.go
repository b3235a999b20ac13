package protocol

// ChatMessage represents a single message in the LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the parsed response from an LLM provider.
type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a single LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns the sum of prompt and completion tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// ChatRequest holds parameters for an LLM chat call.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	// Temperature is omitted from the upstream call when nil.
	Temperature *float64      `json:"temperature,omitempty"`

	// JSONOutput asks the provider to constrain output to a single JSON object
	// where the API supports it.
	JSONOutput bool `json:"json_output,omitempty"`
}

// EmbeddingRequest holds inputs to embed in one call.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}
