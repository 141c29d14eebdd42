package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
)

// Backend is the key/value store behind the cache, satisfied by *redis.Client
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type Cache struct {
	backend Backend
	ttl     time.Duration
}

// New creates a new cache instance
func New(backend Backend, ttl time.Duration) *Cache {
	return &Cache{backend: backend, ttl: ttl}
}

// generateCacheKey generates a hash of the request for caching
func (c *Cache) generateCacheKey(pool string, req providers.GenerateRequest) (string, error) {
	// The request is plain data, so its JSON form is deterministic
	keyData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	hash := sha256.Sum256(append([]byte(pool+":"), keyData...))
	return "cache:exact:" + hex.EncodeToString(hash[:]), nil
}

// Get retrieves a cached response
func (c *Cache) Get(ctx context.Context, pool string, req providers.GenerateRequest) (*providers.Response, error) {
	key, err := c.generateCacheKey(pool, req)
	if err != nil {
		return nil, err
	}

	val, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Deserialize
	var cachedResp providers.Response
	if err := json.Unmarshal([]byte(val), &cachedResp); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached response: %w", err)
	}

	return &cachedResp, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, pool string, req providers.GenerateRequest, resp *providers.Response) error {
	key, err := c.generateCacheKey(pool, req)
	if err != nil {
		return err
	}

	// Serialize response
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	return c.backend.Set(ctx, key, string(data), c.ttl)
}
