package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
)

// Backoff strategies between attempts
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

const maxExponentialDelay = 300 * time.Second

// Config controls the retry loop of a Client
type Config struct {
	MaxRetries     int
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	Backoff        string
}

// DefaultConfig returns three attempts, 30s per request and a fixed 1s delay
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		RetryDelay:     time.Second,
		Backoff:        BackoffFixed,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.Backoff == "" {
		c.Backoff = def.Backoff
	}
	return c
}

// Recorder receives per-attempt outcomes, typically for metrics
type Recorder interface {
	RecordOutcome(pool string, outcome keypool.Outcome)
	RecordSend(pool string, attempts int, err error)
}

// Option customizes a Client
type Option func(*Client)

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithSleep replaces the delay between attempts, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// Client performs generation requests, rotating credentials from a shared pool
// and retrying failed attempts against the next credential.
type Client struct {
	name     string
	provider providers.Provider
	pool     *keypool.Pool
	cfg      Config
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Client. The pool is owned by the caller and may be shared.
func New(name string, provider providers.Provider, pool *keypool.Pool, cfg Config, opts ...Option) *Client {
	c := &Client{
		name:     name,
		provider: provider,
		pool:     pool,
		cfg:      cfg.withDefaults(),
		sleep:    SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the pool name used in logs and metrics
func (c *Client) Name() string {
	return c.name
}

// ProviderName returns the name of the backing provider
func (c *Client) ProviderName() string {
	return c.provider.GetProviderName()
}

// Pool returns the credential pool backing this client
func (c *Client) Pool() *keypool.Pool {
	return c.pool
}

// Stats returns the credential pool summary
func (c *Client) Stats() keypool.Stats {
	return c.pool.Stats()
}

// Send generates text for a single user prompt using the default sampling parameters
func (c *Client) Send(ctx context.Context, prompt string) (*providers.Response, error) {
	return c.Generate(ctx, providers.UserPrompt(prompt).WithDefaults())
}

// Generate runs at most MaxRetries attempts. A ParseError is returned as soon as
// it happens and leaves the pool untouched; every other failure is reported to
// the pool and retried with the next credential.
func (c *Client) Generate(ctx context.Context, req providers.GenerateRequest) (*providers.Response, error) {
	delays := c.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := delays.NextBackOff()
			if delay == backoff.Stop {
				delay = c.cfg.RetryDelay
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s: %w", c.name, err)
			}
		}

		cred, err := c.pool.Acquire()
		if err != nil {
			slog.Error("no available credential",
				slog.String("pool", c.name),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", c.cfg.MaxRetries))
			lastErr = err
			continue
		}

		resp, err := c.attempt(ctx, cred, req)
		if err == nil {
			c.pool.Report(cred.ID, keypool.Success)
			c.recordOutcome(keypool.Success)
			c.recordSend(attempt, nil)
			slog.Debug("request successful",
				slog.String("pool", c.name),
				slog.String("credential", cred.ID),
				slog.Int("attempt", attempt),
				slog.Int("latency_ms", resp.LatencyMs))
			return resp, nil
		}

		var parseErr *providers.ParseError
		if errors.As(err, &parseErr) {
			slog.Error("provider returned an unparseable body",
				slog.String("pool", c.name),
				slog.String("credential", cred.ID),
				slog.Any("error", err))
			c.recordSend(attempt, err)
			return nil, err
		}

		if ctx.Err() != nil {
			c.recordSend(attempt, ctx.Err())
			return nil, fmt.Errorf("%s: %w", c.name, ctx.Err())
		}

		outcome := Classify(err)
		c.pool.Report(cred.ID, outcome)
		c.recordOutcome(outcome)
		slog.Warn("attempt failed",
			slog.String("pool", c.name),
			slog.String("credential", cred.ID),
			slog.String("outcome", outcome.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.Any("error", err))
		lastErr = err
	}

	exhausted := &ExhaustedError{Pool: c.name, Attempts: c.cfg.MaxRetries, Last: lastErr}
	c.recordSend(c.cfg.MaxRetries, exhausted)
	slog.Error("all retries exhausted", slog.String("pool", c.name), slog.Any("error", lastErr))
	return nil, exhausted
}

func (c *Client) attempt(ctx context.Context, cred keypool.Credential, req providers.GenerateRequest) (*providers.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	return c.provider.Generate(attemptCtx, cred.Key, req)
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.cfg.Backoff == BackoffExponential {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = c.cfg.RetryDelay
		expo.MaxInterval = maxExponentialDelay
		expo.MaxElapsedTime = 0
		expo.Reset()
		return expo
	}
	return backoff.NewConstantBackOff(c.cfg.RetryDelay)
}

func (c *Client) recordOutcome(outcome keypool.Outcome) {
	if c.recorder != nil {
		c.recorder.RecordOutcome(c.name, outcome)
	}
}

func (c *Client) recordSend(attempts int, err error) {
	if c.recorder != nil {
		c.recorder.RecordSend(c.name, attempts, err)
	}
}

// Classify maps a failed attempt onto a pool outcome
func Classify(err error) keypool.Outcome {
	var statusErr *providers.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			if statusErr.QuotaExhausted() {
				return keypool.QuotaExceeded
			}
			return keypool.RateLimited
		case statusErr.StatusCode == http.StatusUnauthorized:
			return keypool.Unauthorized
		case statusErr.StatusCode >= 500:
			return keypool.ServerError
		default:
			return keypool.Unknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return keypool.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return keypool.Timeout
	}

	return keypool.NetworkError
}

// SleepContext waits for d or until ctx is done, whichever comes first
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
