package keypool

import (
	"context"
	"fmt"
	"log/slog"
)

// Store persists credential bookkeeping across restarts, keyed by credential ID
type Store interface {
	Load(ctx context.Context, id string) (State, bool, error)
	Save(ctx context.Context, state State) error
}

// Restore reloads the state of every credential from the configured store.
// Credentials without a stored record keep their fresh state.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	restored := 0
	for _, cred := range p.creds {
		state, ok, err := p.store.Load(ctx, cred.ID)
		if err != nil {
			return fmt.Errorf("failed to restore credential %s: %w", cred.ID, err)
		}
		if !ok {
			continue
		}
		p.mu.Lock()
		cred.apply(state)
		p.mu.Unlock()
		restored++
	}

	slog.Info("restored credential state", slog.Int("restored", restored), slog.Int("total", len(p.creds)))
	return nil
}
