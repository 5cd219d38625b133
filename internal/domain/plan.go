package domain

import "github.com/saltfish/paramsearch/internal/lod"

// SymbolSelector picks the symbols of a plan, either from a static list or from
// a named collection resolved at matrix-generation time.
type SymbolSelector struct {
	Static     []string `json:"static,omitempty" yaml:"static"`
	Collection string   `json:"collection,omitempty" yaml:"collection"`
	Limit      int      `json:"limit,omitempty" yaml:"limit" validate:"gte=0"`
}

// DateRangeSpec is an unresolved date range. Start and End accept absolute dates
// ("2024-01-01", RFC3339) or expressions relative to a reference time
// ("-3M", "-1Y", "-2W", "-10d", "now").
type DateRangeSpec struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	Start string `json:"start" yaml:"start" validate:"required"`
	End   string `json:"end,omitempty" yaml:"end"`
}

// Plan is the top-level description of bot × symbols × timeframes × date ranges
// that expands into jobs.
type Plan struct {
	ID          string              `json:"id" yaml:"id" validate:"required"`
	Name        string              `json:"name" yaml:"name"`
	Bot         string              `json:"bot" yaml:"bot" validate:"required"`
	Exchange    string              `json:"exchange" yaml:"exchange" validate:"required"`
	Symbols     SymbolSelector      `json:"symbols" yaml:"symbols"`
	Timeframes  []string            `json:"timeframes" yaml:"timeframes" validate:"min=1,dive,timeframe"`
	DateRanges  []DateRangeSpec     `json:"date_ranges" yaml:"date_ranges" validate:"min=1,unique=Name,dive"`
	Tier        ResolutionTier      `json:"tier" yaml:"tier" validate:"omitempty,oneof=coarse medium full"`
	Priority    int                 `json:"priority" yaml:"priority" validate:"gte=0"`
	AutoPromote bool                `json:"auto_promote" yaml:"auto_promote"`
	Schedule    string              `json:"schedule,omitempty" yaml:"schedule"`
	Parameters  []lod.ParameterSpec `json:"parameters,omitempty" yaml:"parameters"`
}

// DisplayName returns the plan name, falling back to its ID.
func (p *Plan) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
