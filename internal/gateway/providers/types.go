package providers

import (
	"context"
	"encoding/json"
)

// Message roles accepted in a GenerateRequest
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest represents a text generation request
type GenerateRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	TopK        *int      `json:"top_k,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// WithDefaults fills unset sampling parameters with the values the demo apps use
func (r GenerateRequest) WithDefaults() GenerateRequest {
	if r.Temperature == nil {
		t := float32(0.7)
		r.Temperature = &t
	}
	if r.TopP == nil {
		p := float32(0.8)
		r.TopP = &p
	}
	if r.TopK == nil {
		k := 40
		r.TopK = &k
	}
	if r.MaxTokens == nil {
		m := 1024
		r.MaxTokens = &m
	}
	return r
}

// Usage represents token usage reported by the provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the parsed result of a successful generation
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	LatencyMs    int    `json:"latency_ms"`
}

// DecodeJSON strips a code fence around Text and unmarshals the payload into v
func (r *Response) DecodeJSON(v any) error {
	payload := StripCodeFence(r.Text)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &ParseError{Reason: "response text is not valid JSON", Err: err}
	}
	return nil
}

// Provider is the interface all generation backends implement.
// The API key is supplied per call so a pool can rotate credentials.
type Provider interface {
	Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Response, error)
	GetProviderName() string
}

// UserPrompt builds a request with a single user message
func UserPrompt(prompt string) GenerateRequest {
	return GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}
}
