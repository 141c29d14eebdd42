package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DefaultChatBaseURL points at Groq's OpenAI-compatible endpoint
const DefaultChatBaseURL = "https://api.groq.com/openai/v1"

// DefaultChatModel is the assistant model used by the chat demo
const DefaultChatModel = "meta-llama/llama-4-scout-17b-16e-instruct"

// OpenAIProvider handles any OpenAI-compatible chat completions API
type OpenAIProvider struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI-compatible provider. Empty baseURL and
// model fall back to the Groq defaults.
func NewOpenAIProvider(name, baseURL, model string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = DefaultChatBaseURL
	}
	if model == "" {
		model = DefaultChatModel
	}
	return &OpenAIProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

// Generate makes a chat completion request authenticated with apiKey
func (p *OpenAIProvider) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Response, error) {
	startTime := time.Now()

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = p.baseURL
	config.HTTPClient = p.httpClient
	client := openai.NewClientWithConfig(config)

	resp, err := client.CreateChatCompletion(ctx, p.convertRequest(req))
	if err != nil {
		return nil, p.convertError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &ParseError{Reason: "no choices in chat completion"}
	}

	latencyMs := int(time.Since(startTime).Milliseconds())

	return &Response{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: latencyMs,
	}, nil
}

func (p *OpenAIProvider) convertRequest(req GenerateRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		openaiReq.Messages = append(openaiReq.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}

	return openaiReq
}

// convertError maps go-openai status errors onto StatusError so callers can
// classify them; transport errors pass through wrapped.
func (p *OpenAIProvider) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		body := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code != "" {
			body = code + ": " + body
		}
		return &StatusError{Provider: p.name, StatusCode: apiErr.HTTPStatusCode, Body: body}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &StatusError{Provider: p.name, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &ParseError{Reason: "malformed chat completion body", Err: err}
	}

	return fmt.Errorf("%s API error: %w", p.name, err)
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return p.name
}
