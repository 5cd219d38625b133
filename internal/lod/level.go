package lod

import (
	"fmt"
	"math"
	"sync"
)

// LevelOfDetail is the sampled grid of every eligible parameter at one level.
// It never changes after creation.
type LevelOfDetail struct {
	Level             int
	Samplers          []*ParameterSampler
	Samplings         []Sampling
	TotalPermutations int64
}

// Keys returns the parameter keys in grid-digit order.
func (l *LevelOfDetail) Keys() []string {
	keys := make([]string, len(l.Samplers))
	for i, s := range l.Samplers {
		keys[i] = s.spec.Key
	}
	return keys
}

// TestCounts returns the per-parameter test counts in grid-digit order.
func (l *LevelOfDetail) TestCounts() []int {
	counts := make([]int, len(l.Samplings))
	for i, s := range l.Samplings {
		counts[i] = s.TestCount
	}
	return counts
}

// Value returns the concrete value of parameter param at grid index.
func (l *LevelOfDetail) Value(param, index int) any {
	return l.Samplings[param].Value(index)
}

// Enumerator returns a fresh grid enumerator over this level.
func (l *LevelOfDetail) Enumerator() *GridEnumerator {
	return NewGridEnumerator(l.TestCounts())
}

// newLevelOfDetail samples every sampler at level.
func newLevelOfDetail(level int, samplers []*ParameterSampler) *LevelOfDetail {
	l := &LevelOfDetail{
		Level:     level,
		Samplers:  samplers,
		Samplings: make([]Sampling, len(samplers)),
	}
	total := int64(1)
	for i, s := range samplers {
		sampling := s.At(level)
		l.Samplings[i] = sampling
		total = saturatingMul(total, int64(sampling.TestCount))
	}
	l.TotalPermutations = total
	return l
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

// LevelCache lazily builds and caches one LevelOfDetail per level for a fixed
// set of parameter specs.
type LevelCache struct {
	samplers []*ParameterSampler
	specs    []ParameterSpec

	mu     sync.Mutex
	levels map[int]*LevelOfDetail
}

// NewLevelCache validates specs and keeps samplers for the eligible ones.
// Non-optimized parameters are kept for their defaults only.
func NewLevelCache(specs []ParameterSpec) (*LevelCache, error) {
	seen := make(map[string]bool, len(specs))
	c := &LevelCache{
		specs:  append([]ParameterSpec(nil), specs...),
		levels: make(map[int]*LevelOfDetail),
	}
	for _, spec := range specs {
		if seen[spec.Key] {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidSpec, spec.Key)
		}
		seen[spec.Key] = true
		if !spec.Eligible() {
			if err := spec.Validate(); err != nil {
				return nil, err
			}
			continue
		}
		sampler, err := NewParameterSampler(spec)
		if err != nil {
			return nil, err
		}
		c.samplers = append(c.samplers, sampler)
	}
	return c, nil
}

// Specs returns every parameter spec, eligible or not.
func (c *LevelCache) Specs() []ParameterSpec {
	return append([]ParameterSpec(nil), c.specs...)
}

// Get returns the LevelOfDetail for level, creating it on first use.
func (c *LevelCache) Get(level int) *LevelOfDetail {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.levels[level]; ok {
		return l
	}
	l := newLevelOfDetail(level, c.samplers)
	c.levels[level] = l
	return l
}
