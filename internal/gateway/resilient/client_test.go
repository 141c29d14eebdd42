package resilient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
)

const okBody = `{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`

// stubServer answers every attempt through respond and records which key was used
type stubServer struct {
	*httptest.Server
	calls atomic.Int32
	mu    sync.Mutex
	keys  []string
}

func newStubServer(t *testing.T, respond func(call int, w http.ResponseWriter, r *http.Request)) *stubServer {
	t.Helper()
	s := &stubServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(s.calls.Add(1))
		s.mu.Lock()
		s.keys = append(s.keys, r.Header.Get("x-goog-api-key"))
		s.mu.Unlock()
		respond(call, w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func status(code int, body string) func(int, http.ResponseWriter, *http.Request) {
	return func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type fixture struct {
	client *Client
	pool   *keypool.Pool
	clock  *testClock
	sleeps *recordedSleeps
}

func newFixture(t *testing.T, serverURL string, keys []string, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	pool, err := keypool.New(keys, keypool.DefaultConfig(), keypool.WithClock(clock.Now))
	require.NoError(t, err)

	sleeps := &recordedSleeps{}
	opts = append([]Option{WithSleep(sleeps.sleep)}, opts...)
	client := New("gemini", providers.NewGeminiProvider(serverURL, ""), pool, cfg, opts...)
	return &fixture{client: client, pool: pool, clock: clock, sleeps: sleeps}
}

func totalReports(pool *keypool.Pool) int64 {
	var total int64
	for _, cs := range pool.Stats().Credentials {
		total += cs.TotalRequests
	}
	return total
}

func totalFailures(pool *keypool.Pool) int {
	var total int
	for _, cs := range pool.Stats().Credentials {
		total += cs.Failures
	}
	return total
}

func TestSend_SuccessFirstAttempt(t *testing.T) {
	srv := newStubServer(t, status(http.StatusOK, okBody))
	f := newFixture(t, srv.URL, []string{"key-a", "key-b"}, DefaultConfig())

	resp, err := f.client.Send(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(1), srv.calls.Load())
	assert.Equal(t, int64(1), totalReports(f.pool))
	assert.Empty(t, f.sleeps.delays)

	stats := f.pool.Stats()
	assert.Equal(t, int64(1), stats.Credentials[0].SuccessfulRequests)
	assert.Equal(t, int64(0), stats.Credentials[1].TotalRequests)
}

func TestSend_AlwaysServerError(t *testing.T) {
	srv := newStubServer(t, status(http.StatusInternalServerError, `{"error":"boom"}`))
	f := newFixture(t, srv.URL, []string{"key-a", "key-b", "key-c", "key-d"}, DefaultConfig())

	_, err := f.client.Send(context.Background(), "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	var statusErr *providers.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	assert.Equal(t, int32(3), srv.calls.Load(), "never more than MaxRetries attempts")
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, srv.keys)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.sleeps.delays)
	assert.Equal(t, 3, totalFailures(f.pool))
	assert.Equal(t, int64(0), totalReports(f.pool), "failures are not counted as requests")
}

func TestSend_MaxRetriesBound(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max_%d", maxRetries), func(t *testing.T) {
			srv := newStubServer(t, status(http.StatusBadGateway, "bad gateway"))
			cfg := DefaultConfig()
			cfg.MaxRetries = maxRetries
			f := newFixture(t, srv.URL, []string{"a", "b", "c", "d", "e", "f"}, cfg)

			_, err := f.client.Send(context.Background(), "hello")

			assert.ErrorIs(t, err, ErrRetriesExhausted)
			assert.Equal(t, int32(maxRetries), srv.calls.Load())
			assert.Equal(t, maxRetries, totalFailures(f.pool))
			assert.Equal(t, int64(0), totalReports(f.pool))
		})
	}
}

func TestSend_BothCredentialsRateLimited(t *testing.T) {
	srv := newStubServer(t, status(http.StatusTooManyRequests, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	f := newFixture(t, srv.URL, []string{"key-a", "key-b"}, DefaultConfig())

	_, err := f.client.Send(context.Background(), "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, keypool.ErrNoCredential, "third attempt finds the pool empty")
	assert.Equal(t, int32(2), srv.calls.Load())

	stats := f.pool.Stats()
	assert.Equal(t, 0, stats.Available)
	for _, cs := range stats.Credentials {
		assert.True(t, cs.InCooldown)
		assert.Equal(t, 10*time.Minute, cs.CooldownRemaining)
		cred, _ := f.pool.Get(cs.ID)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), cred.CooldownUntil)
	}
}

func TestSend_QuotaExceeded(t *testing.T) {
	srv := newStubServer(t, status(http.StatusTooManyRequests,
		`{"error":{"message":"Quota exceeded for metric: GenerateRequestsPerDayPerProjectPerModel-FreeTier"}}`))
	f := newFixture(t, srv.URL, []string{"key-a"}, DefaultConfig())

	_, err := f.client.Send(context.Background(), "hello")
	require.Error(t, err)

	cred, _ := f.pool.Get(keypool.Fingerprint("key-a"))
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), cred.CooldownUntil)
}

func TestSend_UnauthorizedBelowThresholdReusesCredential(t *testing.T) {
	srv := newStubServer(t, func(call int, w http.ResponseWriter, r *http.Request) {
		if call == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"API key not valid"}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	})
	f := newFixture(t, srv.URL, []string{"only-key"}, DefaultConfig())

	resp, err := f.client.Send(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, []string{"only-key", "only-key"}, srv.keys)

	cred, _ := f.pool.Get(keypool.Fingerprint("only-key"))
	assert.Equal(t, 0, cred.ConsecutiveFailures)
	assert.True(t, cred.CooldownUntil.IsZero())
}

func TestSend_ParseErrorSurfacedWithoutReport(t *testing.T) {
	srv := newStubServer(t, status(http.StatusOK, `{"candidates":[]}`))
	f := newFixture(t, srv.URL, []string{"key-a", "key-b"}, DefaultConfig())

	_, err := f.client.Send(context.Background(), "hello")

	var parseErr *providers.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), srv.calls.Load())
	assert.Equal(t, int64(0), totalReports(f.pool))
	assert.Zero(t, totalFailures(f.pool))
}

func TestSend_Timeout(t *testing.T) {
	srv := newStubServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RequestTimeout = 50 * time.Millisecond
	rec := &fakeRecorder{}
	f := newFixture(t, srv.URL, []string{"slow-key"}, cfg, WithRecorder(rec))

	_, err := f.client.Send(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []keypool.Outcome{keypool.Timeout}, rec.outcomes)
	cred, _ := f.pool.Get(keypool.Fingerprint("slow-key"))
	assert.Equal(t, 1, cred.ConsecutiveFailures)
}

func TestSend_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	rec := &fakeRecorder{}
	f := newFixture(t, url, []string{"key-a"}, cfg, WithRecorder(rec))

	_, err := f.client.Send(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []keypool.Outcome{keypool.NetworkError, keypool.NetworkError}, rec.outcomes)
	require.Len(t, rec.sends, 1)
	assert.Equal(t, 2, rec.sends[0])
}

func TestSend_ContextCancelledDuringDelay(t *testing.T) {
	srv := newStubServer(t, status(http.StatusServiceUnavailable, "unavailable"))
	clock := &testClock{now: time.Now()}
	pool, err := keypool.New([]string{"a", "b"}, keypool.DefaultConfig(), keypool.WithClock(clock.Now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	client := New("gemini", providers.NewGeminiProvider(srv.URL, ""), pool, DefaultConfig(),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	_, err = client.Send(ctx, "hello")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestSend_ExponentialBackoff(t *testing.T) {
	srv := newStubServer(t, status(http.StatusInternalServerError, "boom"))
	cfg := DefaultConfig()
	cfg.MaxRetries = 4
	cfg.Backoff = BackoffExponential
	f := newFixture(t, srv.URL, []string{"a", "b", "c", "d"}, cfg)

	_, err := f.client.Send(context.Background(), "hello")
	require.Error(t, err)

	require.Len(t, f.sleeps.delays, 3)
	for _, d := range f.sleeps.delays {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxExponentialDelay)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want keypool.Outcome
	}{
		{"429", &providers.StatusError{StatusCode: 429}, keypool.RateLimited},
		{"429 daily quota", &providers.StatusError{StatusCode: 429, Body: "limit PerDay reached"}, keypool.QuotaExceeded},
		{"401", &providers.StatusError{StatusCode: 401}, keypool.Unauthorized},
		{"403", &providers.StatusError{StatusCode: 403}, keypool.Unknown},
		{"400", &providers.StatusError{StatusCode: 400}, keypool.Unknown},
		{"500", &providers.StatusError{StatusCode: 500}, keypool.ServerError},
		{"503 wrapped", fmt.Errorf("wrapped: %w", &providers.StatusError{StatusCode: 503}), keypool.ServerError},
		{"deadline", fmt.Errorf("Gemini API error: %w", context.DeadlineExceeded), keypool.Timeout},
		{"other", errors.New("connection reset by peer"), keypool.NetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{MaxRetries: 7, RetryDelay: 250 * time.Millisecond, Backoff: BackoffExponential}.withDefaults()
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, BackoffExponential, cfg.Backoff)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []keypool.Outcome
	sends    []int
}

func (r *fakeRecorder) RecordOutcome(_ string, outcome keypool.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) RecordSend(_ string, attempts int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, attempts)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), 0))
	assert.NoError(t, SleepContext(context.Background(), -time.Second))
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
