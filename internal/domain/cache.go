package domain

import (
	"context"
	"time"
)

// PriceStore is a shared last-price store written by price feeds.
type PriceStore interface {
	SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, instrument string) (float64, time.Time, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelPositionClosed = "positions.closed"
	ChannelAdjustment     = "positions.adjusted"
	ChannelBreaker        = "breaker.transition"
	StreamAdjustments     = "stream:adjustments"
)
