package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// GenerateRequest is the body of POST /v1/generate
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is returned by POST /v1/generate
type GenerateResponse struct {
	Text      string          `json:"text"`
	Model     string          `json:"model"`
	Pool      string          `json:"pool"`
	Usage     providers.Usage `json:"usage"`
	LatencyMs int             `json:"latency_ms"`
	Cached    bool            `json:"cached"`
}

type GenerateHandler struct {
	router *resilient.Router
	cache  *cache.Cache
	logs   RequestLogger
}

// NewGenerateHandler creates the prompt endpoint; cache and logs may be nil
func NewGenerateHandler(router *resilient.Router, cache *cache.Cache, logs RequestLogger) *GenerateHandler {
	return &GenerateHandler{
		router: router,
		cache:  cache,
		logs:   logs,
	}
}

// HandleGenerate handles POST /v1/generate
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var body GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	client, err := h.router.ForModel(body.Model)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	req := body.toProviderRequest()

	var (
		resp     *providers.Response
		cacheHit bool
	)
	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, client.Name(), req); err == nil {
			resp = cached
			cacheHit = true
		}
	}

	if !cacheHit {
		resp, err = client.Generate(ctx, req)
		if err != nil {
			status := errorStatus(err)
			h.log(client, body.Model, nil, status, time.Since(startTime), false, err)
			writeError(w, status, err.Error())
			return
		}

		if h.cache != nil {
			if err := h.cache.Set(ctx, client.Name(), req, resp); err != nil {
				slog.Warn("failed to cache response", slog.String("pool", client.Name()), slog.Any("error", err))
			}
		}
	}

	totalLatency := int(time.Since(startTime).Milliseconds())

	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", cacheHit))
	w.Header().Set("X-Provider", client.Name())
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", totalLatency))

	h.log(client, resp.Model, resp, http.StatusOK, time.Since(startTime), cacheHit, nil)

	writeJSON(w, http.StatusOK, GenerateResponse{
		Text:      resp.Text,
		Model:     resp.Model,
		Pool:      client.Name(),
		Usage:     resp.Usage,
		LatencyMs: totalLatency,
		Cached:    cacheHit,
	})
}

func (b GenerateRequest) toProviderRequest() providers.GenerateRequest {
	var messages []providers.Message
	if b.System != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: b.System})
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: b.Prompt})

	req := providers.GenerateRequest{
		Model:       b.Model,
		Messages:    messages,
		Temperature: b.Temperature,
		TopP:        b.TopP,
		TopK:        b.TopK,
		MaxTokens:   b.MaxTokens,
	}
	return req.WithDefaults()
}

func (h *GenerateHandler) log(client *resilient.Client, model string, resp *providers.Response, status int, duration time.Duration, cacheHit bool, err error) {
	entry := &models.GatewayLog{
		Method:       http.MethodPost,
		Endpoint:     "/v1/generate",
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
