package keypool

import "time"

// Stats summarizes pool health for operators
type Stats struct {
	Total       int               `json:"total_keys"`
	Available   int               `json:"available_keys"`
	Unavailable int               `json:"unavailable_keys"`
	Credentials []CredentialStats `json:"key_details"`
}

// CredentialStats holds the derived metrics of one credential
type CredentialStats struct {
	ID                 string        `json:"id"`
	Failures           int           `json:"failures"`
	SuccessRate        float64       `json:"success_rate"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	InCooldown         bool          `json:"in_cooldown"`
	CooldownRemaining  time.Duration `json:"cooldown_remaining_ns,omitempty"`
	LastUsedAt         *time.Time    `json:"last_used_at,omitempty"`
}

// Stats returns a point-in-time summary. It does not modify the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := Stats{
		Total:       len(p.creds),
		Credentials: make([]CredentialStats, 0, len(p.creds)),
	}

	for _, cred := range p.creds {
		cs := CredentialStats{
			ID:                 cred.ID,
			Failures:           cred.ConsecutiveFailures,
			TotalRequests:      cred.TotalRequests,
			SuccessfulRequests: cred.SuccessfulRequests,
		}
		if cred.TotalRequests > 0 {
			cs.SuccessRate = float64(cred.SuccessfulRequests) / float64(cred.TotalRequests)
		}
		if left := cred.CooldownLeft(now); left > 0 {
			cs.InCooldown = true
			cs.CooldownRemaining = left
		} else {
			stats.Available++
		}
		if !cred.LastUsedAt.IsZero() {
			last := cred.LastUsedAt
			cs.LastUsedAt = &last
		}
		stats.Credentials = append(stats.Credentials, cs)
	}

	stats.Unavailable = stats.Total - stats.Available
	return stats
}
