package lod

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpecs() []ParameterSpec {
	return []ParameterSpec{
		{Key: "fast", Min: 5, Max: 20, MaxTests: 4, IsInteger: true, Optimize: true},
		{Key: "slow", Min: 20, Max: 100, MaxTests: 8, IsInteger: true, Optimize: true},
		{Key: "ma_type", Categorical: true, Values: [][]any{{"sma"}, {"sma", "ema", "wma"}}, Optimize: true},
		{Key: "fee", Min: 0.001, Max: 0.001, Default: 0.001},
		{Key: "trailing", Min: 0, Max: 1, Optimize: false},
	}
}

func TestLevelCache_Get(t *testing.T) {
	cache, err := NewLevelCache(testSpecs())
	require.NoError(t, err)

	l := cache.Get(0)
	assert.Equal(t, []string{"fast", "slow", "ma_type"}, l.Keys())
	assert.Equal(t, []int{4, 8, 3}, l.TestCounts())
	assert.Equal(t, int64(96), l.TotalPermutations)
	assert.Same(t, l, cache.Get(0))

	coarse := cache.Get(-1)
	assert.Equal(t, []int{2, 4, 1}, coarse.TestCounts())
	assert.Equal(t, int64(8), coarse.TotalPermutations)
	assert.Len(t, cache.Specs(), 5)
}

func TestLevelCache_ConcurrentGet(t *testing.T) {
	cache, err := NewLevelCache(testSpecs())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*LevelOfDetail, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(-2)
		}(i)
	}
	wg.Wait()

	for _, l := range results {
		assert.Same(t, results[0], l)
	}
}

func TestLevelCache_Enumerator(t *testing.T) {
	cache, err := NewLevelCache(testSpecs())
	require.NoError(t, err)

	l := cache.Get(-1)
	e := l.Enumerator()
	var n int64
	for e.Advance() {
		point := e.Current()
		assert.Len(t, point, 3)
		n++
	}
	assert.Equal(t, l.TotalPermutations, n)
}

func TestLevelCache_DuplicateKey(t *testing.T) {
	_, err := NewLevelCache([]ParameterSpec{
		{Key: "a", Min: 0, Max: 1, Optimize: true},
		{Key: "a", Min: 0, Max: 2, Optimize: true},
	})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestLevelCache_InvalidSpec(t *testing.T) {
	_, err := NewLevelCache([]ParameterSpec{{Key: "a", Min: 3, Max: 1, Optimize: true}})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestSaturatingMul(t *testing.T) {
	assert.Equal(t, int64(12), saturatingMul(3, 4))
	assert.Equal(t, int64(0), saturatingMul(0, 4))
	assert.Equal(t, int64(math.MaxInt64), saturatingMul(math.MaxInt64/2, 3))
}
