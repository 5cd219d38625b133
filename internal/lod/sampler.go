package lod

import (
	"fmt"
	"math"
	"sync"
)

// Sampling is the concrete set of test values of one parameter at one level.
type Sampling struct {
	Level     int
	TestCount int
	Step      float64
	values    []any
}

// Value returns the value at index; indexes are clamped into range.
func (s Sampling) Value(index int) any {
	if index < 0 {
		index = 0
	}
	if index >= s.TestCount {
		index = s.TestCount - 1
	}
	return s.values[index]
}

// Values returns a copy of every sampled value in index order.
func (s Sampling) Values() []any {
	return append([]any(nil), s.values...)
}

// ParameterSampler maps (level, index) pairs to concrete parameter values.
type ParameterSampler struct {
	spec  ParameterSpec
	cache sync.Map // level -> Sampling
}

// NewParameterSampler validates spec and returns a sampler for it.
func NewParameterSampler(spec ParameterSpec) (*ParameterSampler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &ParameterSampler{spec: spec}, nil
}

// Spec returns the sampled parameter spec.
func (s *ParameterSampler) Spec() ParameterSpec {
	return s.spec
}

// TestCount returns the number of discrete values sampled at level.
func (s *ParameterSampler) TestCount(level int) int {
	return s.At(level).TestCount
}

// Value returns the concrete value for index at level.
func (s *ParameterSampler) Value(level, index int) any {
	return s.At(level).Value(index)
}

// At returns the sampling for level, computing it once.
func (s *ParameterSampler) At(level int) Sampling {
	if v, ok := s.cache.Load(level); ok {
		return v.(Sampling)
	}
	var sampling Sampling
	if s.spec.Categorical {
		sampling = s.categorical(level)
	} else {
		sampling = s.numeric(level)
	}
	actual, _ := s.cache.LoadOrStore(level, sampling)
	return actual.(Sampling)
}

func (s *ParameterSampler) categorical(level int) Sampling {
	if s.spec.Orthogonal {
		return Sampling{Level: level, TestCount: len(s.allValues()), values: s.allValues()}
	}
	// Level 0 uses the largest tier; each coarser level drops one tier.
	last := len(s.spec.Values) - 1
	tier := min(max(last+level, 0), last)
	values := s.spec.Values[tier]
	return Sampling{Level: level, TestCount: len(values), values: values}
}

// allValues returns the ordered union of every tier.
func (s *ParameterSampler) allValues() []any {
	seen := make(map[string]bool)
	var out []any
	for _, tier := range s.spec.Values {
		for _, v := range tier {
			k := fmt.Sprintf("%T:%v", v, v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

// baseTestCount applies configured, hard and effective limits.
func (s *ParameterSampler) baseTestCount() float64 {
	p := s.spec
	var count float64
	switch {
	case p.MinTests > 0 && p.MaxTests > 0:
		count = float64(p.MinTests+p.MaxTests) / 2
	case p.MaxTests > 0:
		count = float64(p.MaxTests)
	case p.MinTests > 0:
		count = float64(p.MinTests)
	case p.Step > 0:
		count = math.Floor((p.Max-p.Min)/p.Step) + 1
	default:
		count = DefaultTestCount
	}

	count = clampCount(count, p.HardMinTests, p.HardMaxTests)
	count = clampCount(count, p.EffectiveMinTests, p.EffectiveMaxTests)
	return count
}

// clampCount caps at hi and then raises to lo, so lo wins on conflict.
func clampCount(count float64, lo, hi int) float64 {
	if hi > 0 && count > float64(hi) {
		count = float64(hi)
	}
	if lo > 0 && count < float64(lo) {
		count = float64(lo)
	}
	return count
}

// levelCount scales the base count by 2^level, rounding up so that coarse
// levels never request zero samples.
func levelCount(base float64, level int) int {
	n := int(math.Ceil(base * math.Pow(2, float64(level))))
	return max(n, 1)
}

func (s *ParameterSampler) numeric(level int) Sampling {
	p := s.spec
	span := p.Max - p.Min
	count := levelCount(s.baseTestCount(), level)

	if span == 0 {
		return Sampling{Level: level, TestCount: 1, values: []any{s.format(p.Min)}}
	}
	if p.IsLogarithmic() {
		return s.logarithmic(level, count)
	}

	step := span / float64(count)
	unit := s.unit()
	if unit > 0 && step < unit {
		step = unit
	}
	if p.IsInteger {
		step = math.Max(1, math.Ceil(step))
	}
	if fit := int(math.Floor(span/step)) + 1; count > fit {
		count = fit
	}

	values := make([]any, count)
	for i := range values {
		values[i] = s.format(s.snap(p.Min + float64(i)*step))
	}
	return Sampling{Level: level, TestCount: count, Step: step, values: values}
}

// logarithmic spaces count values between Min and Max along an exponential
// curve. Rounding to the value unit can push late values past Max or collapse
// early ones, so values are forced strictly increasing and the count is then cut
// back to the largest index that still maps at or below Max.
func (s *ParameterSampler) logarithmic(level, count int) Sampling {
	p := s.spec
	span := p.Max - p.Min
	base := p.Exponent
	unit := s.unit()

	raw := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		var frac float64
		if count > 1 {
			frac = (math.Pow(base, float64(i)/float64(count-1)) - 1) / (base - 1)
		}
		v := s.snap(p.Min + span*frac)
		if n := len(raw); n > 0 && v <= raw[n-1] {
			bump := unit
			if bump == 0 {
				bump = span / float64(count) / 1e6
			}
			v = s.snap(raw[n-1] + bump)
		}
		raw = append(raw, v)
	}

	last := len(raw) - 1
	for last > 0 && raw[last] > p.Max+1e-9 {
		last--
	}
	values := make([]any, last+1)
	for i := 0; i <= last; i++ {
		values[i] = s.format(raw[i])
	}
	return Sampling{Level: level, TestCount: last + 1, values: values}
}

// unit returns the smallest distinguishable value difference.
func (s *ParameterSampler) unit() float64 {
	switch {
	case s.spec.Step > 0 && s.spec.IsInteger:
		return math.Max(1, math.Ceil(s.spec.Step))
	case s.spec.Step > 0:
		return s.spec.Step
	case s.spec.IsInteger:
		return 1
	default:
		return 0
	}
}

// snap truncates v onto the parameter's value grid, measured from Min, so a
// snapped value never exceeds the unsnapped one.
func (s *ParameterSampler) snap(v float64) float64 {
	unit := s.unit()
	if unit == 0 {
		return v
	}
	return s.spec.Min + math.Floor((v-s.spec.Min)/unit+1e-9)*unit
}

func (s *ParameterSampler) format(v float64) any {
	if s.spec.IsInteger {
		return int64(math.Round(v))
	}
	return v
}
