package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TTLExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newMemoryStore(10, clk.Now)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "a", []byte("1"), time.Minute))
	_, ok, _ := s.Get(ctx, "a")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, s.SetWithTTL(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, s.SetWithTTL(ctx, "b", []byte("2"), time.Hour))
	_, _, _ = s.Get(ctx, "a")
	require.NoError(t, s.SetWithTTL(ctx, "c", []byte("3"), time.Hour))

	_, okA, _ := s.Get(ctx, "a")
	_, okB, _ := s.Get(ctx, "b")
	_, okC, _ := s.Get(ctx, "c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestExpiryHeap_UpToAndRemove(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newExpiryHeap()
	for _, m := range []string{"t5", "t1", "t4", "t2", "t3"} {
		h.addMin(m, base.Add(time.Duration(m[1]-'0')*time.Hour))
	}

	got := h.upTo(base.Add(3 * time.Hour))
	sort.Strings(got)
	assert.Equal(t, []string{"t1", "t2", "t3"}, got)

	h.remove("t2")
	got = h.upTo(base.Add(3 * time.Hour))
	sort.Strings(got)
	assert.Equal(t, []string{"t1", "t3"}, got)

	h.addMin("t5", base)
	got = h.upTo(base)
	assert.ElementsMatch(t, []string{"t5"}, got)

	h.addMin("t5", base.Add(10*time.Hour))
	assert.ElementsMatch(t, []string{"t5"}, h.upTo(base))
}
