package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultGeminiBaseURL is the public Generative Language API root
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultGeminiModel is used when a request does not name a model
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	baseURL    string
	model      string
	safety     []GeminiSafetySetting
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Model             string                  `json:"model,omitempty"`
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []GeminiSafetySetting   `json:"safetySettings,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// GeminiSafetySetting is one content-filter threshold, passed through unchanged
type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// DefaultSafetySettings blocks medium and above in every harm category
func DefaultSafetySettings() []GeminiSafetySetting {
	return []GeminiSafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
	}
}

// NewGeminiProvider creates a new Gemini provider. Empty baseURL and model fall
// back to the public endpoint and DefaultGeminiModel. The HTTP client carries no
// timeout of its own; callers bound each attempt through the context.
func NewGeminiProvider(baseURL, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		safety:     DefaultSafetySettings(),
		httpClient: &http.Client{},
	}
}

// WithSafetySettings replaces the default content-filter thresholds
func (p *GeminiProvider) WithSafetySettings(settings []GeminiSafetySetting) *GeminiProvider {
	p.safety = settings
	return p
}

// Generate makes a generateContent request authenticated with apiKey
func (p *GeminiProvider) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Response, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	geminiReq := p.convertRequest(model, req)

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)

	reqBody, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build Gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Provider:   p.GetProviderName(),
			StatusCode: resp.StatusCode,
			Body:       readSnippet(resp.Body),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: reading body: %w", err)
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, &ParseError{Reason: "malformed Gemini body", Err: err}
	}

	latencyMs := int(time.Since(startTime).Milliseconds())

	return p.convertResponse(geminiResp, model, latencyMs)
}

// convertRequest converts to Gemini format. System messages become the system
// instruction, assistant turns are sent with the "model" role.
func (p *GeminiProvider) convertRequest(model string, req GenerateRequest) GeminiRequest {
	geminiReq := GeminiRequest{
		Model:          "models/" + model,
		Contents:       make([]GeminiContent, 0, len(req.Messages)),
		SafetySettings: p.safety,
	}

	var system []GeminiPart
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, GeminiPart{Text: msg.Content})
			continue
		case RoleAssistant:
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{
				Role:  "model",
				Parts: []GeminiPart{{Text: msg.Content}},
			})
		default:
			geminiReq.Contents = append(geminiReq.Contents, GeminiContent{
				Role:  RoleUser,
				Parts: []GeminiPart{{Text: msg.Content}},
			})
		}
	}
	if len(system) > 0 {
		geminiReq.SystemInstruction = &GeminiContent{Parts: system}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || req.TopK != nil {
		geminiReq.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return geminiReq
}

// convertResponse extracts candidates[0].content.parts[0].text
func (p *GeminiProvider) convertResponse(resp GeminiResponse, model string, latencyMs int) (*Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, &ParseError{Reason: "no candidates in Gemini response"}
	}
	candidate := resp.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		return nil, &ParseError{Reason: fmt.Sprintf("candidate has no parts (finish reason %q)", candidate.FinishReason)}
	}

	return &Response{
		Text:         candidate.Content.Parts[0].Text,
		Model:        model,
		FinishReason: candidate.FinishReason,
		Usage: Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: latencyMs,
	}, nil
}

// GetProviderName returns the provider name
func (p *GeminiProvider) GetProviderName() string {
	return "google"
}
