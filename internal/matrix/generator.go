// Package matrix expands plans into the cartesian product of symbols,
// timeframes and date ranges, one job per cell.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/lod"
)

// DefaultMaxJobs caps the size of a generated job matrix.
const DefaultMaxJobs = 10000

// Generator builds job matrices from plans.
type Generator struct {
	validate *validator.Validate
	symbols  SymbolProvider
	maxJobs  int
	logger   *zap.Logger
}

// NewGenerator creates a generator. symbols resolves plan collections and may be
// nil when every plan lists its symbols statically. maxJobs <= 0 uses
// DefaultMaxJobs.
func NewGenerator(symbols SymbolProvider, maxJobs int, logger *zap.Logger) *Generator {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	return &Generator{
		validate: newPlanValidator(),
		symbols:  symbols,
		maxJobs:  maxJobs,
		logger:   logger,
	}
}

func newPlanValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseTimeframe(fl.Field().String())
		return err == nil
	})
	return v
}

// ValidatePlan checks the plan structure and its parameter specs. All problems
// are returned joined; each wraps domain.ErrInvalidInput.
func (g *Generator) ValidatePlan(plan *domain.Plan) error {
	if plan == nil {
		return domain.NewConfigError("plan", "plan is required")
	}

	var errs []error
	if err := g.validate.Struct(plan); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		for _, fe := range verrs {
			errs = append(errs, domain.NewConfigError(fieldPath(fe), describe(fe)))
		}
	}
	if _, err := lod.NewLevelCache(plan.Parameters); err != nil {
		errs = append(errs, domain.NewConfigError("parameters", err.Error()))
	}
	return errors.Join(errs...)
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "timeframe":
		return fmt.Sprintf("unknown timeframe %q", fe.Value())
	case "oneof":
		return "must be one of: " + fe.Param()
	case "unique":
		return "must have unique " + strings.ToLower(fe.Param()) + " values"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// Generate validates plan and expands it into one pending job per
// (symbol, timeframe, date range) cell, with date expressions resolved against
// ref. Job IDs are deterministic, so regenerating a plan yields the same IDs.
func (g *Generator) Generate(ctx context.Context, plan *domain.Plan, ref time.Time) ([]*domain.Job, error) {
	if err := g.ValidatePlan(plan); err != nil {
		return nil, err
	}

	symbols, err := g.resolveSymbols(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, domain.ErrNoSymbols)
	}

	ranges := make([]domain.DateRange, 0, len(plan.DateRanges))
	for _, spec := range plan.DateRanges {
		r, err := ResolveDateRange(spec, ref)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
		}
		ranges = append(ranges, r)
	}
	// "h1" and "1h" name the same bar size; the first spelling wins.
	timeframes := lo.UniqBy(plan.Timeframes, domain.TimeframeDuration)

	total := len(symbols) * len(timeframes) * len(ranges)
	if total > g.maxJobs {
		return nil, fmt.Errorf("plan %s: %d jobs > %d: %w", plan.ID, total, g.maxJobs, domain.ErrTooManyJobs)
	}

	tier := plan.Tier
	if tier == "" {
		tier = domain.TierCoarse
	}
	jobs := lo.CrossJoinBy3(symbols, timeframes, ranges, func(symbol, timeframe string, r domain.DateRange) *domain.Job {
		return &domain.Job{
			ID:           domain.NewJobID(plan.ID, symbol, timeframe, r.Name),
			PlanID:       plan.ID,
			Bot:          plan.Bot,
			Exchange:     plan.Exchange,
			Symbol:       symbol,
			Timeframe:    timeframe,
			DateRange:    r,
			Tier:         tier,
			MaxBacktests: tier.DefaultMaxBacktests(),
			Priority:     plan.Priority,
			Status:       domain.JobStatusPending,
			CreatedAt:    ref,
		}
	})

	g.logger.Info("Generated job matrix",
		zap.String("plan_id", plan.ID),
		zap.Int("symbols", len(symbols)),
		zap.Int("timeframes", len(timeframes)),
		zap.Int("date_ranges", len(ranges)),
		zap.Int("jobs", len(jobs)),
	)
	return jobs, nil
}

func (g *Generator) resolveSymbols(ctx context.Context, plan *domain.Plan) ([]string, error) {
	sel := plan.Symbols
	symbols := lo.Compact(sel.Static)
	if sel.Collection != "" {
		if g.symbols == nil {
			return nil, domain.NewConfigError("symbols.collection", "no symbol provider configured")
		}
		resolved, err := g.symbols.Resolve(ctx, sel.Collection, sel.Limit)
		if err != nil {
			return nil, fmt.Errorf("plan %s: resolve symbols: %w", plan.ID, err)
		}
		symbols = append(symbols, resolved...)
	}
	return truncate(lo.Uniq(symbols), sel.Limit), nil
}
