package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Outcome is the classified result of one provider attempt
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	QuotaExceeded
	Unauthorized
	ServerError
	Timeout
	NetworkError
	Unknown
)

var outcomeNames = [...]string{
	Success:       "success",
	RateLimited:   "rate_limited",
	QuotaExceeded: "quota_exceeded",
	Unauthorized:  "unauthorized",
	ServerError:   "server_error",
	Timeout:       "timeout",
	NetworkError:  "network_error",
	Unknown:       "unknown",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Credential is one API key together with its usage bookkeeping.
// Values returned by the pool are copies; mutating them has no effect on the pool.
type Credential struct {
	// ID is a fingerprint of the key, safe to log and display
	ID  string
	Key string

	LastUsedAt          time.Time // zero until the first success
	ConsecutiveFailures int
	CooldownUntil       time.Time // zero when no cooldown was ever set
	TotalRequests       int64
	SuccessfulRequests  int64
}

// Usable reports whether the credential may be handed out at now
func (c *Credential) Usable(now time.Time) bool {
	return c.CooldownUntil.IsZero() || !now.Before(c.CooldownUntil)
}

// CooldownLeft returns the remaining cooldown at now, 0 if none
func (c *Credential) CooldownLeft(now time.Time) time.Duration {
	if c.Usable(now) {
		return 0
	}
	return c.CooldownUntil.Sub(now)
}

// State is the persistable part of a Credential (everything but the secret)
type State struct {
	ID                  string    `json:"id"`
	LastUsedAt          time.Time `json:"last_used_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
}

func (c *Credential) state() State {
	return State{
		ID:                  c.ID,
		LastUsedAt:          c.LastUsedAt,
		ConsecutiveFailures: c.ConsecutiveFailures,
		CooldownUntil:       c.CooldownUntil,
		TotalRequests:       c.TotalRequests,
		SuccessfulRequests:  c.SuccessfulRequests,
	}
}

func (c *Credential) apply(s State) {
	c.LastUsedAt = s.LastUsedAt
	c.ConsecutiveFailures = s.ConsecutiveFailures
	c.CooldownUntil = s.CooldownUntil
	c.TotalRequests = s.TotalRequests
	c.SuccessfulRequests = s.SuccessfulRequests
}

// Fingerprint derives the credential ID from the raw key
func Fingerprint(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])[:16]
}
