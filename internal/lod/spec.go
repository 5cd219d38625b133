// Package lod samples strategy parameter spaces at multiple resolutions
// ("levels of detail") and enumerates the resulting grids.
//
// Level 0 is the baseline resolution taken from the parameter's configured test
// counts. Every step towards negative levels halves the number of sampled
// values; positive levels double it.
package lod

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSpec is returned for parameter specs that cannot be sampled.
var ErrInvalidSpec = errors.New("invalid parameter spec")

// DefaultTestCount is used when a numeric parameter configures neither a test
// count nor a step unit.
const DefaultTestCount = 8

// ParameterSpec describes one tunable bot parameter. It is immutable once
// validated.
type ParameterSpec struct {
	Key string `json:"key" yaml:"key"`

	// Numeric domain.
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Step      float64 `json:"step,omitempty" yaml:"step"`
	IsInteger bool    `json:"integer,omitempty" yaml:"integer"`

	// Exponent > 1 spaces values logarithmically, denser near Min.
	Exponent float64 `json:"exponent,omitempty" yaml:"exponent"`

	// Configured test counts.
	MinTests int `json:"min_tests,omitempty" yaml:"min_tests"`
	MaxTests int `json:"max_tests,omitempty" yaml:"max_tests"`

	// Hard limits always apply; the minimum wins when both conflict.
	HardMinTests int `json:"hard_min_tests,omitempty" yaml:"hard_min_tests"`
	HardMaxTests int `json:"hard_max_tests,omitempty" yaml:"hard_max_tests"`

	// Soft limits applied after the hard limits.
	EffectiveMinTests int `json:"effective_min_tests,omitempty" yaml:"effective_min_tests"`
	EffectiveMaxTests int `json:"effective_max_tests,omitempty" yaml:"effective_max_tests"`

	// Categorical parameters list their values per resolution tier; tier 0 is
	// the smallest set.
	Categorical bool    `json:"categorical,omitempty" yaml:"categorical"`
	Values      [][]any `json:"values,omitempty" yaml:"values"`

	// Orthogonal categorical parameters enumerate every value at every level.
	Orthogonal bool `json:"orthogonal,omitempty" yaml:"orthogonal"`

	Default  any  `json:"default,omitempty" yaml:"default"`
	Optimize bool `json:"optimize" yaml:"optimize"`
}

// IsLogarithmic reports whether values are spaced in log space.
func (p ParameterSpec) IsLogarithmic() bool {
	return !p.Categorical && p.Exponent > 1
}

// Eligible reports whether the parameter takes part in the search grid.
func (p ParameterSpec) Eligible() bool {
	if !p.Optimize {
		return false
	}
	if p.Categorical {
		return len(p.Values) > 0
	}
	return p.Max > p.Min
}

// Validate checks the spec for missing or contradictory bounds.
func (p ParameterSpec) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidSpec)
	}
	if p.Categorical {
		if len(p.Values) == 0 {
			return fmt.Errorf("%w: %s: categorical parameter has no values", ErrInvalidSpec, p.Key)
		}
		for i, tier := range p.Values {
			if len(tier) == 0 {
				return fmt.Errorf("%w: %s: value tier %d is empty", ErrInvalidSpec, p.Key, i)
			}
		}
		return nil
	}
	if p.Orthogonal {
		return fmt.Errorf("%w: %s: only categorical parameters can be orthogonal", ErrInvalidSpec, p.Key)
	}
	if math.IsNaN(p.Min) || math.IsNaN(p.Max) || math.IsInf(p.Min, 0) || math.IsInf(p.Max, 0) {
		return fmt.Errorf("%w: %s: bounds must be finite", ErrInvalidSpec, p.Key)
	}
	if p.Min > p.Max {
		return fmt.Errorf("%w: %s: min %g exceeds max %g", ErrInvalidSpec, p.Key, p.Min, p.Max)
	}
	if p.Step < 0 || p.Exponent < 0 {
		return fmt.Errorf("%w: %s: step and exponent must be non-negative", ErrInvalidSpec, p.Key)
	}
	for name, v := range map[string]int{
		"min_tests":           p.MinTests,
		"max_tests":           p.MaxTests,
		"hard_min_tests":      p.HardMinTests,
		"hard_max_tests":      p.HardMaxTests,
		"effective_min_tests": p.EffectiveMinTests,
		"effective_max_tests": p.EffectiveMaxTests,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s: %s must be non-negative", ErrInvalidSpec, p.Key, name)
		}
	}
	return nil
}

// DefaultValue returns the configured default, falling back to Min for numeric
// parameters and the first value for categorical ones.
func (p ParameterSpec) DefaultValue() any {
	if p.Default != nil {
		return p.Default
	}
	if p.Categorical {
		if len(p.Values) > 0 && len(p.Values[0]) > 0 {
			return p.Values[0][0]
		}
		return nil
	}
	if p.IsInteger {
		return int64(math.Round(p.Min))
	}
	return p.Min
}
