package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	clk := newClock()
	s := NewMemStore(0)
	s.now = clk.Now
	testStore(t, s, clk)
}

func TestMemStoreDropsExpiredOnRead(t *testing.T) {
	clk := newClock()
	s := NewMemStore(0)
	s.now = clk.Now
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, mustKey(t, "a"), testEntry("a", clk.Now())))
	assert.Equal(t, 1, s.Len())
	clk.Advance(testTTL)
	_, ok, err := s.Match(ctx, mustKey(t, "a"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemStoreSweep(t *testing.T) {
	clk := newClock()
	s := NewMemStore(time.Minute)
	s.now = clk.Now
	s.lastSweep = clk.Now()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, mustKey(t, "old"), testEntry("old", clk.Now())))
	clk.Advance(time.Minute)
	require.NoError(t, s.Put(ctx, mustKey(t, "new"), testEntry("new", clk.Now())))

	assert.Equal(t, 1, s.Len())
	_, ok, err := s.Match(ctx, mustKey(t, "new"))
	require.NoError(t, err)
	assert.True(t, ok)
}
