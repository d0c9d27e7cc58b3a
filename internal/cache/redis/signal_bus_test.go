package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBus_PublishUsesPrefix(t *testing.T) {
	t.Parallel()
	c, h := newHookedClient(t, "rg:")
	sb := NewSignalBus(c, 0)
	assert.Equal(t, int64(10000), sb.maxLen)

	require.NoError(t, sb.Publish(context.Background(), "breaker", []byte(`{"to":"TRIPPED"}`)))
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{`{"to":"TRIPPED"}`}, h.pubs["rg:breaker"])
}

func TestHasPattern(t *testing.T) {
	t.Parallel()
	assert.True(t, hasPattern("positions:*"))
	assert.True(t, hasPattern("breaker?"))
	assert.True(t, hasPattern("p[12]"))
	assert.False(t, hasPattern("positions:closed"))
}
