package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

func TestParsePriceHash(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	price, got, err := parsePriceHash(map[string]string{"price": "101.25", "ts": "1772366400000000000"})
	require.NoError(t, err)
	assert.Equal(t, 101.25, price)
	assert.True(t, ts.Equal(got))

	_, _, err = parsePriceHash(map[string]string{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = parsePriceHash(map[string]string{"price": "x", "ts": "1"})
	require.Error(t, err)
}

type staticPrices struct {
	price float64
	ts    time.Time
	err   error
}

func (s staticPrices) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (s staticPrices) GetPrice(context.Context, string) (float64, time.Time, error) {
	return s.price, s.ts, s.err
}

func TestMarketData_GetPrice(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		store   staticPrices
		want    float64
		wantErr error
	}{
		{name: "fresh", store: staticPrices{price: 50, ts: now.Add(-time.Second)}, want: 50},
		{name: "stale", store: staticPrices{price: 50, ts: now.Add(-time.Minute)}, wantErr: domain.ErrPriceUnavailable},
		{name: "missing", store: staticPrices{err: domain.ErrNotFound}, wantErr: domain.ErrPriceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := NewMarketData(tt.store, 10*time.Second)
			md.now = func() time.Time { return now }
			got, err := md.GetPrice(context.Background(), "BTC-USD")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
