package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

// PriceStore implements domain.PriceStore using Redis hashes. Each
// instrument's last price lives at "price:{instrument}" with fields "price"
// and "ts" (Unix nanoseconds).
type PriceStore struct {
	client *Client
}

var _ domain.PriceStore = (*PriceStore)(nil)

// NewPriceStore creates a PriceStore backed by the given Client.
func NewPriceStore(c *Client) *PriceStore {
	return &PriceStore{client: c}
}

func (ps *PriceStore) key(instrument string) string {
	return ps.client.Key("price:" + instrument)
}

// SetPrice stores the latest price and timestamp for an instrument.
func (ps *PriceStore) SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error {
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := ps.client.rdb.HSet(ctx, ps.key(instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}

// GetPrice returns the latest price and its timestamp, or domain.ErrNotFound.
func (ps *PriceStore) GetPrice(ctx context.Context, instrument string) (float64, time.Time, error) {
	vals, err := ps.client.rdb.HGetAll(ctx, ps.key(instrument)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	price, ts, err := parsePriceHash(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	return price, ts, nil
}

func parsePriceHash(vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// MarketData serves domain.MarketData from a PriceStore that a separate feed
// keeps current. Prices older than maxAge are reported unavailable.
type MarketData struct {
	store  domain.PriceStore
	maxAge time.Duration
	now    func() time.Time
}

var _ domain.MarketData = (*MarketData)(nil)

// NewMarketData creates a MarketData reader. maxAge <= 0 disables the age
// check.
func NewMarketData(store domain.PriceStore, maxAge time.Duration) *MarketData {
	return &MarketData{store: store, maxAge: maxAge, now: time.Now}
}

// GetPrice returns the stored price of instrument.
func (m *MarketData) GetPrice(ctx context.Context, instrument string) (float64, error) {
	price, ts, err := m.store.GetPrice(ctx, instrument)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("redis: market data %s: %w", instrument, domain.ErrPriceUnavailable)
		}
		return 0, err
	}
	if age := m.now().Sub(ts); m.maxAge > 0 && age > m.maxAge {
		return 0, fmt.Errorf("redis: market data %s is %s old: %w", instrument, age.Round(time.Millisecond), domain.ErrPriceUnavailable)
	}
	return price, nil
}
