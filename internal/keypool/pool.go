package keypool

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyPool is returned by New when no usable key was configured
	ErrEmptyPool = errors.New("keypool: no credentials configured")

	// ErrNoCredential is returned by Acquire when every credential is cooling down.
	// It is a normal outcome; callers wait and acquire again.
	ErrNoCredential = errors.New("keypool: no credential available")
)

const storeTimeout = 2 * time.Second

// Config controls cooldown bookkeeping
type Config struct {
	CooldownPeriod            time.Duration
	QuotaCooldownPeriod       time.Duration
	MaxFailuresBeforeCooldown int
}

// DefaultConfig returns the stock cooldown settings
func DefaultConfig() Config {
	return Config{
		CooldownPeriod:            10 * time.Minute,
		QuotaCooldownPeriod:       24 * time.Hour,
		MaxFailuresBeforeCooldown: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = def.CooldownPeriod
	}
	if c.QuotaCooldownPeriod <= 0 {
		c.QuotaCooldownPeriod = def.QuotaCooldownPeriod
	}
	if c.MaxFailuresBeforeCooldown <= 0 {
		c.MaxFailuresBeforeCooldown = def.MaxFailuresBeforeCooldown
	}
	return c
}

// Option customizes a Pool
type Option func(*Pool)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithStore writes every credential update through to store
func WithStore(store Store) Option {
	return func(p *Pool) { p.store = store }
}

// Pool hands out credentials in round-robin order and tracks their failures.
// It is safe for concurrent use; a single mutex guards the cursor and all records.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	byID   map[string]*Credential
	cursor int

	cfg   Config
	now   func() time.Time
	store Store
	saves map[string]*saveSlot
}

// saveSlot orders write-through saves of one credential. version is bumped
// under Pool.mu on every update; saved is guarded by mu.
type saveSlot struct {
	mu      sync.Mutex
	version uint64
	saved   uint64
}

// New builds a pool from raw key strings. Blank and duplicate keys are skipped,
// the remaining keys keep their configured order.
func New(keys []string, cfg Config, opts ...Option) (*Pool, error) {
	p := &Pool{
		byID:  make(map[string]*Credential),
		saves: make(map[string]*saveSlot),
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		id := Fingerprint(key)
		if _, dup := p.byID[id]; dup {
			continue
		}
		cred := &Credential{ID: id, Key: key}
		p.creds = append(p.creds, cred)
		p.byID[id] = cred
		p.saves[id] = &saveSlot{}
	}

	if len(p.creds) == 0 {
		return nil, ErrEmptyPool
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Len returns the number of credentials in the pool
func (p *Pool) Len() int {
	return len(p.creds)
}

// Config returns the effective cooldown settings
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire returns the next usable credential starting at the cursor and moves
// the cursor one past it. After one full cycle without a usable candidate it
// returns ErrNoCredential.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		cred := p.creds[idx]
		if !cred.Usable(now) {
			slog.Debug("credential cooling down",
				slog.String("credential", cred.ID),
				slog.Time("until", cred.CooldownUntil))
			continue
		}
		p.cursor = (idx + 1) % n
		return *cred, nil
	}

	slog.Warn("all credentials are cooling down", slog.Int("total", n))
	return Credential{}, ErrNoCredential
}

// Report applies the outcome of one attempt to the named credential.
// Unknown ids are ignored.
func (p *Pool) Report(id string, outcome Outcome) {
	p.mu.Lock()
	cred, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	now := p.now()

	switch outcome {
	case Success:
		cred.ConsecutiveFailures = 0
		cred.SuccessfulRequests++
		cred.TotalRequests++
		cred.LastUsedAt = now
	case RateLimited:
		cred.ConsecutiveFailures++
		cred.CooldownUntil = now.Add(p.cfg.CooldownPeriod)
		slog.Warn("credential rate limited",
			slog.String("credential", cred.ID),
			slog.Time("cooldown_until", cred.CooldownUntil))
	case QuotaExceeded:
		cred.ConsecutiveFailures++
		cred.CooldownUntil = now.Add(p.cfg.QuotaCooldownPeriod)
		slog.Warn("credential quota exceeded",
			slog.String("credential", cred.ID),
			slog.Time("cooldown_until", cred.CooldownUntil))
	default:
		cred.ConsecutiveFailures++
		if cred.ConsecutiveFailures >= p.cfg.MaxFailuresBeforeCooldown {
			cred.CooldownUntil = now.Add(p.cfg.CooldownPeriod)
			slog.Warn("credential exceeded max failures",
				slog.String("credential", cred.ID),
				slog.String("outcome", outcome.String()),
				slog.Int("failures", cred.ConsecutiveFailures),
				slog.Time("cooldown_until", cred.CooldownUntil))
		}
	}

	if p.store == nil {
		p.mu.Unlock()
		return
	}
	slot := p.saves[id]
	slot.version++
	p.mu.Unlock()

	p.persist(cred, slot)
}

// persist writes the current state of cred to the store. Saves of one
// credential never overlap and a save never replaces a newer one.
func (p *Pool) persist(cred *Credential, slot *saveSlot) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	p.mu.Lock()
	state, version := cred.state(), slot.version
	p.mu.Unlock()

	if version <= slot.saved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := p.store.Save(ctx, state); err != nil {
		slog.Error("failed to persist credential state",
			slog.String("credential", cred.ID),
			slog.Any("error", err))
		return
	}
	slot.saved = version
}

// Get returns a copy of the credential with the given id
func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return *cred, true
}
