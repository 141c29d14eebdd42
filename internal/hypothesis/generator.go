// Package hypothesis generates research hypotheses in the background using a
// resilient generation client.
package hypothesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/resilient"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

const (
	recentStatements = 10
	historyLimit     = 100

	errorBackoffInitial = 2 * time.Second
	errorBackoffMax     = 300 * time.Second
)

var (
	// ErrDuplicate is returned when the model repeats a recent statement
	ErrDuplicate = errors.New("duplicate hypothesis statement")
	// ErrEmptyStatement is returned when the decoded payload has no statement
	ErrEmptyStatement = errors.New("hypothesis statement is empty")
)

var promptContexts = []string{
	"scientific research",
	"experimental analysis",
	"empirical study",
	"theoretical framework",
	"research methodology",
}

// Sender is the subset of resilient.Client the generator needs
type Sender interface {
	Send(ctx context.Context, prompt string) (*providers.Response, error)
}

// Store persists generated hypotheses
type Store interface {
	SaveHypothesis(ctx context.Context, h *models.Hypothesis) error
	ListHypotheses(ctx context.Context, limit int) ([]*models.Hypothesis, error)
}

// Option customizes a Generator
type Option func(*Generator)

// WithStore persists hypotheses through s
func WithStore(s Store) Option {
	return func(g *Generator) { g.store = s }
}

// WithInterval makes Run generate on its own every d, zero disables it
func WithInterval(d time.Duration) Option {
	return func(g *Generator) { g.interval = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSleep replaces the error backoff wait, mainly for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Generator) { g.sleep = sleep }
}

type payload struct {
	Statement        string   `json:"statement"`
	Background       string   `json:"background"`
	ExpectedOutcomes []string `json:"expected_outcomes"`
	Implications     []string `json:"implications"`
}

// Generator produces hypotheses on request or on a fixed interval. It keeps
// every hypothesis in memory and rejects repeats of the last few statements.
type Generator struct {
	sender   Sender
	store    Store
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	queue chan struct{}

	mu      sync.RWMutex
	items   map[string]*models.Hypothesis
	recent  []string
	running bool
	rng     *rand.Rand

	errBackoff *backoff.ExponentialBackOff
}

// New creates a Generator sending prompts through sender
func New(sender Sender, opts ...Option) *Generator {
	g := &Generator{
		sender: sender,
		now:    time.Now,
		sleep:  resilient.SleepContext,
		queue:  make(chan struct{}, 1),
		items:  make(map[string]*models.Hypothesis),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.errBackoff = backoff.NewExponentialBackOff()
	g.errBackoff.InitialInterval = errorBackoffInitial
	g.errBackoff.Multiplier = 2
	g.errBackoff.RandomizationFactor = 0
	g.errBackoff.MaxInterval = errorBackoffMax
	g.errBackoff.MaxElapsedTime = 0
	g.errBackoff.Reset()

	return g
}

// Load seeds the in-memory history from the store
func (g *Generator) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	list, err := g.store.ListHypotheses(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load hypotheses: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// list is newest first; replay oldest first so recent ends with the newest
	for i := len(list) - 1; i >= 0; i-- {
		h := list[i]
		g.items[h.ID] = h
		g.remember(h.Statement)
	}

	slog.Info("loaded hypothesis history", slog.Int("count", len(list)))
	return nil
}

// Trigger queues a generation without blocking and returns the latest
// hypothesis, nil if none exists yet. Requests made while one is already
// queued collapse into it.
func (g *Generator) Trigger() *models.Hypothesis {
	select {
	case g.queue <- struct{}{}:
		slog.Info("queued hypothesis generation")
	default:
	}
	return g.Latest()
}

// Busy reports whether a generation is in progress
func (g *Generator) Busy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Run processes queued requests until ctx is done
func (g *Generator) Run(ctx context.Context) {
	var tick <-chan time.Time
	if g.interval > 0 {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.queue:
		case <-tick:
		}

		if _, err := g.Generate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := g.errBackoff.NextBackOff()
			slog.Warn("hypothesis generation failed",
				slog.Any("error", err),
				slog.Duration("backoff", wait))
			if err := g.sleep(ctx, wait); err != nil {
				return
			}
			continue
		}
		g.errBackoff.Reset()
	}
}

// Generate produces one hypothesis synchronously
func (g *Generator) Generate(ctx context.Context) (*models.Hypothesis, error) {
	g.setRunning(true)
	defer g.setRunning(false)

	resp, err := g.sender.Send(ctx, g.prompt())
	if err != nil {
		return nil, err
	}

	var p payload
	if err := resp.DecodeJSON(&p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Statement) == "" {
		return nil, ErrEmptyStatement
	}

	h := &models.Hypothesis{
		ID:               uuid.NewString(),
		Statement:        p.Statement,
		Background:       p.Background,
		ExpectedOutcomes: nonNil(p.ExpectedOutcomes),
		Implications:     nonNil(p.Implications),
		Model:            resp.Model,
		CreatedAt:        g.now(),
	}

	g.mu.Lock()
	if g.isRecent(h.Statement) {
		g.mu.Unlock()
		return nil, ErrDuplicate
	}
	g.items[h.ID] = h
	g.remember(h.Statement)
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveHypothesis(ctx, h); err != nil {
			slog.Error("failed to persist hypothesis", slog.String("id", h.ID), slog.Any("error", err))
		}
	}

	slog.Info("generated hypothesis", slog.String("id", h.ID), slog.String("model", h.Model))
	return h, nil
}

// Get returns the hypothesis with the given id
func (g *Generator) Get(id string) (*models.Hypothesis, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.items[id]
	return h, ok
}

// List returns every hypothesis, newest first
func (g *Generator) List() []*models.Hypothesis {
	g.mu.RLock()
	out := make([]*models.Hypothesis, 0, len(g.items))
	for _, h := range g.items {
		out = append(out, h)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Latest returns the newest hypothesis, nil if none exists
func (g *Generator) Latest() *models.Hypothesis {
	list := g.List()
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

func (g *Generator) prompt() string {
	g.mu.Lock()
	seed := g.rng.Intn(1000) + 1
	topic := promptContexts[g.rng.Intn(len(promptContexts))]
	g.mu.Unlock()

	return fmt.Sprintf(`Generate a unique scientific hypothesis with the following structure (Seed: %d, Context: %s, Time: %s):
1. A clear, testable statement that hasn't been generated before
2. Background information and context
3. Expected outcomes if the hypothesis is true
4. Potential implications and applications

Format the response as a JSON object with these fields:
- statement: The main hypothesis (must be unique)
- background: Context and reasoning
- expected_outcomes: List of expected results
- implications: List of potential impacts`, seed, topic, g.now().Format(time.RFC3339))
}

func (g *Generator) setRunning(v bool) {
	g.mu.Lock()
	g.running = v
	g.mu.Unlock()
}

// isRecent must be called with mu held
func (g *Generator) isRecent(statement string) bool {
	n := normalize(statement)
	for _, s := range g.recent {
		if s == n {
			return true
		}
	}
	return false
}

// remember must be called with mu held
func (g *Generator) remember(statement string) {
	g.recent = append(g.recent, normalize(statement))
	if len(g.recent) > recentStatements {
		g.recent = g.recent[len(g.recent)-recentStatements:]
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
