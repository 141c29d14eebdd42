package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL, zero keeps it forever
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CheckRateLimit counts a request against a one minute fixed window.
// It returns whether the limit is exceeded and how many requests remain.
func (c *Client) CheckRateLimit(ctx context.Context, clientID string, limit int) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s", clientID)

	newCount, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}

	// The first request opens the window
	if newCount == 1 {
		if err := c.client.Expire(ctx, key, time.Minute).Err(); err != nil {
			return false, 0, err
		}
	}

	count := int(newCount)
	if count > limit {
		return true, 0, nil
	}

	return false, limit - count, nil
}
