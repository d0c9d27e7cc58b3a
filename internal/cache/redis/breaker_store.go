package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// BreakerStore persists the circuit breaker snapshot as a JSON string so a
// restart inside a cooldown keeps blocking entries.
type BreakerStore struct {
	client *Client
	name   string
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates a BreakerStore. name distinguishes breakers that
// share a Redis instance.
func NewBreakerStore(c *Client, name string) *BreakerStore {
	if name == "" {
		name = "default"
	}
	return &BreakerStore{client: c, name: name}
}

func (s *BreakerStore) key() string {
	return s.client.Key("breaker:" + s.name)
}

// Load returns the stored state, or domain.ErrNotFound when none exists.
func (s *BreakerStore) Load(ctx context.Context) (domain.BreakerState, error) {
	data, err := s.client.rdb.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BreakerState{}, domain.ErrNotFound
		}
		return domain.BreakerState{}, fmt.Errorf("redis: load breaker %s: %w", s.name, err)
	}
	var st domain.BreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.BreakerState{}, fmt.Errorf("redis: decode breaker %s: %w", s.name, err)
	}
	return st, nil
}

// Save overwrites the stored state.
func (s *BreakerStore) Save(ctx context.Context, st domain.BreakerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: encode breaker %s: %w", s.name, err)
	}
	if err := s.client.rdb.Set(ctx, s.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: save breaker %s: %w", s.name, err)
	}
	return nil
}
