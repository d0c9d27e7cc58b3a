package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskguard/internal/domain"
)

func TestBreakerStore_SaveLoad(t *testing.T) {
	t.Parallel()
	c, h := newHookedClient(t, "rg:")
	s := NewBreakerStore(c, "")
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	tripped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := tripped.Add(40 * time.Minute)
	want := domain.BreakerState{
		Phase:             domain.BreakerTripped,
		ConsecutiveLosses: 3,
		TripCount:         2,
		TrippedAt:         &tripped,
		CooldownUntil:     &until,
		UpdatedAt:         tripped,
	}
	require.NoError(t, s.Save(ctx, want))

	raw, ok := h.get("rg:breaker:default")
	require.True(t, ok, "stored under the prefixed default key")
	assert.True(t, json.Valid([]byte(raw)))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, 3, got.ConsecutiveLosses)
	assert.Equal(t, 2, got.TripCount)
	require.NotNil(t, got.TrippedAt)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, tripped.Equal(*got.TrippedAt))
	assert.True(t, until.Equal(*got.CooldownUntil))

	armed := domain.BreakerState{Phase: domain.BreakerArmed, UpdatedAt: until}
	require.NoError(t, s.Save(ctx, armed))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerArmed, got.Phase)
	assert.Nil(t, got.CooldownUntil)
}

func TestBreakerStore_NamesAreIsolated(t *testing.T) {
	t.Parallel()
	c, _ := newHookedClient(t, "")
	a := NewBreakerStore(c, "a")
	b := NewBreakerStore(c, "b")
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, domain.BreakerState{Phase: domain.BreakerTripped}))
	_, err := b.Load(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBreakerStore_CorruptValue(t *testing.T) {
	t.Parallel()
	c, h := newHookedClient(t, "")
	h.put("breaker:default", "{not json")

	_, err := NewBreakerStore(c, "default").Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "decode breaker")
}
