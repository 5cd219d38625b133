package lod

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridEnumerator_Completeness(t *testing.T) {
	e := NewGridEnumerator([]int{3, 4})
	assert.Equal(t, int64(12), e.Total())

	seen := make(map[string]bool)
	calls := 0
	for e.Advance() {
		calls++
		seen[fmt.Sprint(e.Current())] = true
	}
	calls++

	assert.Len(t, seen, 12)
	assert.Equal(t, 13, calls)
	assert.True(t, e.Done())
	assert.False(t, e.Advance())
}

func TestGridEnumerator_LowestDigitFirst(t *testing.T) {
	e := NewGridEnumerator([]int{2, 2})
	var got [][]int
	for e.Advance() {
		got = append(got, e.Current())
	}
	assert.Equal(t, [][]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}}, got)
}

func TestGridEnumerator_Reset(t *testing.T) {
	e := NewGridEnumerator([]int{2, 3})
	for e.Advance() {
	}
	require.True(t, e.Done())

	e.Reset()
	assert.False(t, e.Done())
	n := 0
	for e.Advance() {
		n++
	}
	assert.Equal(t, 6, n)
}

func TestGridEnumerator_CurrentIsCopy(t *testing.T) {
	e := NewGridEnumerator([]int{3})
	require.True(t, e.Advance())
	cur := e.Current()
	cur[0] = 99
	assert.Equal(t, []int{0}, e.Current())
}

func TestGridEnumerator_EdgeCases(t *testing.T) {
	t.Run("zero count", func(t *testing.T) {
		e := NewGridEnumerator([]int{3, 0})
		assert.Equal(t, int64(0), e.Total())
		assert.True(t, e.Done())
		assert.False(t, e.Advance())
	})

	t.Run("no parameters", func(t *testing.T) {
		e := NewGridEnumerator(nil)
		assert.Equal(t, int64(1), e.Total())
		assert.True(t, e.Advance())
		assert.Empty(t, e.Current())
		assert.False(t, e.Advance())
	})
}
