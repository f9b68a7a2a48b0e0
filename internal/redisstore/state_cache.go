package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"vendpoint/internal/models"
)

const stateKey = "vendpoint:state"

// CachedState mirrors the durable row for low-latency reads, plus the
// ephemeral gateway order id that is intentionally never persisted.
type CachedState struct {
	StockCount    int          `json:"stock_count"`
	Phase         models.Phase `json:"phase"`
	ActiveOrderID string       `json:"active_order_id"`
	PaymentID     string       `json:"payment_id"`
	RotationCount int          `json:"rotation_count"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// StateCache manages the process-adjacent mirror of the machine state.
// It is refreshed after every store write and is never the sole authority.
type StateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateCache returns redis-backed cache.
func NewStateCache(client *redis.Client, ttl time.Duration) *StateCache {
	return &StateCache{client: client, ttl: ttl}
}

// Save overwrites the cached mirror.
func (c *StateCache) Save(ctx context.Context, state CachedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stateKey, data, c.ttl).Err()
}

// Get returns the cached mirror.
func (c *StateCache) Get(ctx context.Context) (*CachedState, error) {
	result, err := c.client.Get(ctx, stateKey).Result()
	if err != nil {
		return nil, err
	}
	var state CachedState
	if err := json.Unmarshal([]byte(result), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Delete drops the cached mirror, forcing the next refresh from the store.
func (c *StateCache) Delete(ctx context.Context) error {
	return c.client.Del(ctx, stateKey).Err()
}
