package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// DefaultSystemPrompt is prepended to chats that carry no system message
const DefaultSystemPrompt = "You are NexoGPT-1.2, a specialized medical and biohealth AI assistant. " +
	"Focus on providing accurate information about medical diagnostics, biohealth, genetics, " +
	"and quantum computing applications in healthcare."

type ChatHandler struct {
	router       *resilient.Router
	cache        *cache.Cache
	logs         RequestLogger
	systemPrompt string
}

// NewChatHandler creates the OpenAI-compatible endpoint. An empty systemPrompt
// disables the default system message; cache and logs may be nil.
func NewChatHandler(router *resilient.Router, cache *cache.Cache, logs RequestLogger, systemPrompt string) *ChatHandler {
	return &ChatHandler{
		router:       router,
		cache:        cache,
		logs:         logs,
		systemPrompt: systemPrompt,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	// Parse request
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	client, err := h.router.ForModel(req.Model)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	genReq := h.convertRequest(req)

	// Check cache if enabled
	var (
		resp     *providers.Response
		cacheHit bool
	)
	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, client.Name(), genReq); err == nil {
			resp = cached
			cacheHit = true
		}
	}

	// If not cached, call provider
	if !cacheHit {
		resp, err = client.Generate(ctx, genReq)
		if err != nil {
			status := errorStatus(err)
			h.log(client, req.Model, nil, status, time.Since(startTime), false, err)
			writeError(w, status, fmt.Sprintf("provider error: %v", err))
			return
		}

		if h.cache != nil {
			if err := h.cache.Set(ctx, client.Name(), genReq, resp); err != nil {
				slog.Warn("failed to cache response", slog.String("pool", client.Name()), slog.Any("error", err))
			}
		}
	}

	totalLatency := int(time.Since(startTime).Milliseconds())

	// Set headers
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", cacheHit))
	w.Header().Set("X-Provider", client.Name())
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", totalLatency))

	h.log(client, resp.Model, resp, http.StatusOK, time.Since(startTime), cacheHit, nil)

	writeJSON(w, http.StatusOK, toChatCompletion(resp, startTime))
}

// convertRequest maps an OpenAI chat request onto a provider request. Zero
// sampling values mean "unset" in the OpenAI schema and fall back to defaults.
func (h *ChatHandler) convertRequest(req openai.ChatCompletionRequest) providers.GenerateRequest {
	messages := make([]providers.Message, 0, len(req.Messages)+1)

	hasSystem := false
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			hasSystem = true
			break
		}
	}
	if !hasSystem && h.systemPrompt != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: h.systemPrompt})
	}

	for _, m := range req.Messages {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}

	out := providers.GenerateRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.TopP != 0 {
		p := req.TopP
		out.TopP = &p
	}
	if req.MaxTokens != 0 {
		m := req.MaxTokens
		out.MaxTokens = &m
	}
	return out.WithDefaults()
}

func toChatCompletion(resp *providers.Response, created time.Time) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: resp.Text,
				},
				FinishReason: openai.FinishReason(resp.FinishReason),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// log records the request to the database asynchronously
func (h *ChatHandler) log(client *resilient.Client, model string, resp *providers.Response, status int, duration time.Duration, cacheHit bool, err error) {
	entry := &models.GatewayLog{
		Method:       http.MethodPost,
		Endpoint:     "/v1/chat/completions",
		Pool:         client.Name(),
		Model:        model,
		Provider:     client.ProviderName(),
		LatencyMs:    int(duration.Milliseconds()),
		CacheHit:     cacheHit,
		StatusCode:   status,
		ErrorMessage: errorMessage(err),
	}
	if resp != nil {
		entry.TotalTokens = resp.Usage.TotalTokens
	}
	logRequest(h.logs, entry)
}
