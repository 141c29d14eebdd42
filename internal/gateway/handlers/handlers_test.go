package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// fakeProvider answers every call with reply
type fakeProvider struct {
	mu    sync.Mutex
	reqs  []providers.GenerateRequest
	keys  []string
	reply func(req providers.GenerateRequest) (*providers.Response, error)
}

func (p *fakeProvider) Generate(_ context.Context, apiKey string, req providers.GenerateRequest) (*providers.Response, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.keys = append(p.keys, apiKey)
	p.mu.Unlock()
	return p.reply(req)
}

func (p *fakeProvider) GetProviderName() string { return "fake" }

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *fakeProvider) lastRequest() providers.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

func echoProvider() *fakeProvider {
	return &fakeProvider{reply: func(req providers.GenerateRequest) (*providers.Response, error) {
		last := req.Messages[len(req.Messages)-1].Content
		return &providers.Response{
			Text:         "echo: " + last,
			Model:        "fake-model",
			FinishReason: "stop",
			Usage:        providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}, nil
	}}
}

func failingProvider(err error) *fakeProvider {
	return &fakeProvider{reply: func(providers.GenerateRequest) (*providers.Response, error) {
		return nil, err
	}}
}

func newTestClient(t *testing.T, name string, p providers.Provider, keys ...string) *resilient.Client {
	t.Helper()
	pool, err := keypool.New(keys, keypool.DefaultConfig())
	require.NoError(t, err)
	return resilient.New(name, p, pool, resilient.DefaultConfig(),
		resilient.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

// newTestRouter registers p as the only, default client
func newTestRouter(t *testing.T, p providers.Provider, keys ...string) *resilient.Router {
	t.Helper()
	router := resilient.NewRouter()
	router.Register(newTestClient(t, "gemini", p, keys...))
	return router
}

// memBackend is an in-memory cache.Backend
type memBackend struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string]string{}}
}

func (m *memBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("key not found")
	}
	return v, nil
}

func (m *memBackend) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// chanLogger hands every log entry to a channel
type chanLogger chan *models.GatewayLog

func (c chanLogger) LogRequest(_ context.Context, log *models.GatewayLog) error {
	c <- log
	return nil
}

func (c chanLogger) next(t *testing.T) *models.GatewayLog {
	t.Helper()
	select {
	case entry := <-c:
		return entry
	case <-time.After(time.Second):
		t.Fatal("no request log written")
		return nil
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
