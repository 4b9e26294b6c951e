package draw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawDeterminism(t *testing.T) {
	first := Draw("42", "2024-01-01T00:00:00.000Z", []int64{5, 9, 2}, 2)
	for i := 0; i < 10; i++ {
		again := Draw("42", "2024-01-01T00:00:00.000Z", []int64{5, 9, 2}, 2)
		require.Equal(t, first.Winners, again.Winners)
		require.Equal(t, first.SeedHash, again.SeedHash)
		require.Equal(t, first.EligibleHash, again.EligibleHash)
	}
}

func TestDrawPoolOrderIndependence(t *testing.T) {
	a := Draw("42", "2024-01-01T00:00:00.000Z", []int64{5, 9, 2}, 2)
	b := Draw("42", "2024-01-01T00:00:00.000Z", []int64{2, 5, 9}, 2)
	assert.Equal(t, a.Winners, b.Winners)
	assert.Equal(t, a.SeedHash, b.SeedHash)
	assert.Equal(t, a.EligibleHash, b.EligibleHash)
}

func TestDrawPoolChangeChangesSeed(t *testing.T) {
	a := Draw("42", "2024-01-01T00:00:00.000Z", []int64{5, 9, 2}, 2)
	b := Draw("42", "2024-01-01T00:00:00.000Z", []int64{5, 9, 2, 1}, 2)
	assert.NotEqual(t, a.SeedHash, b.SeedHash)
	assert.NotEqual(t, a.EligibleHash, b.EligibleHash)
}

func TestDrawSamplingWithoutReplacement(t *testing.T) {
	cases := []struct {
		poolSize int
		count    int
		want     int
	}{
		{poolSize: 10, count: 3, want: 3},
		{poolSize: 3, count: 10, want: 3},
		{poolSize: 1, count: 1, want: 1},
		{poolSize: 0, count: 5, want: 0},
		{poolSize: 100, count: 100, want: 100},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("pool=%d count=%d", tc.poolSize, tc.count), func(t *testing.T) {
			pool := make([]int64, tc.poolSize)
			inPool := make(map[int64]bool, tc.poolSize)
			for i := range pool {
				pool[i] = int64(i + 1)
				inPool[int64(i+1)] = true
			}

			res := Draw("gw-1", "2025-06-01T12:00:00.000Z", pool, tc.count)
			require.Len(t, res.Winners, tc.want)

			seen := make(map[int64]bool, len(res.Winners))
			for _, w := range res.Winners {
				assert.True(t, inPool[w], "winner %d not in pool", w)
				assert.False(t, seen[w], "winner %d drawn twice", w)
				seen[w] = true
			}
		})
	}
}

func TestDrawNegativeCount(t *testing.T) {
	res := Draw("gw-1", "2025-06-01T12:00:00.000Z", []int64{1, 2, 3}, -1)
	assert.Empty(t, res.Winners)
	assert.NotEmpty(t, res.SeedHash)
}

func TestDrawDistinctGiveawaysDiffer(t *testing.T) {
	// Same pool, different giveaway identity: the seed commitment must differ.
	a := Draw("gw-1", "2025-06-01T12:00:00.000Z", []int64{1, 2, 3}, 1)
	b := Draw("gw-2", "2025-06-01T12:00:00.000Z", []int64{1, 2, 3}, 1)
	assert.NotEqual(t, a.SeedHash, b.SeedHash)
	assert.Equal(t, a.EligibleHash, b.EligibleHash)
}

func TestXorshift32ZeroSeed(t *testing.T) {
	rng := newXorshift32(0)
	v := rng.next()
	assert.NotZero(t, v, "zero state must be substituted, generator is degenerate at zero")
}

func TestNextFloatRange(t *testing.T) {
	rng := newXorshift32(0xDEADBEEF)
	for i := 0; i < 10000; i++ {
		v := rng.nextFloat()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}
