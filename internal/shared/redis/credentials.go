package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
)

// CredentialStore persists key pool bookkeeping as JSON documents, one per
// credential fingerprint. It implements keypool.Store.
type CredentialStore struct {
	redis *Client
	pool  string
}

// NewCredentialStore scopes stored state to the named pool
func NewCredentialStore(client *Client, pool string) *CredentialStore {
	return &CredentialStore{redis: client, pool: pool}
}

func (s *CredentialStore) key(id string) string {
	return fmt.Sprintf("keypool:%s:%s", s.pool, id)
}

// Load returns the stored state for id, ok is false when nothing was saved
func (s *CredentialStore) Load(ctx context.Context, id string) (keypool.State, bool, error) {
	val, err := s.redis.Get(ctx, s.key(id))
	if errors.Is(err, ErrNotFound) {
		return keypool.State{}, false, nil
	}
	if err != nil {
		return keypool.State{}, false, err
	}

	var state keypool.State
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return keypool.State{}, false, fmt.Errorf("failed to decode credential state: %w", err)
	}
	return state, true, nil
}

// Save writes the state without expiry
func (s *CredentialStore) Save(ctx context.Context, state keypool.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode credential state: %w", err)
	}
	return s.redis.Set(ctx, s.key(state.ID), string(data), 0)
}

var _ keypool.Store = (*CredentialStore)(nil)
