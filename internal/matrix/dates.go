package matrix

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/saltfish/paramsearch/internal/domain"
)

var relativeDate = regexp.MustCompile(`^([+-]?)(\d+)([dDwWMyY])$`)

// ResolveDate resolves an absolute date ("2024-01-01", RFC3339) or an expression
// relative to ref ("now", "-10d", "-2W", "-3M", "-1Y"). An empty expression
// means ref.
func ResolveDate(expr string, ref time.Time) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" || strings.EqualFold(s, "now") {
		return ref, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, ref.Location()); err == nil {
		return t, nil
	}

	m := relativeDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, domain.NewConfigError("date", fmt.Sprintf("cannot parse %q", expr))
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, domain.NewConfigError("date", fmt.Sprintf("cannot parse %q", expr))
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "d", "D":
		return ref.AddDate(0, 0, n), nil
	case "w", "W":
		return ref.AddDate(0, 0, 7*n), nil
	case "M":
		return ref.AddDate(0, n, 0), nil
	default:
		return ref.AddDate(n, 0, 0), nil
	}
}

// ResolveDateRange resolves spec against ref. A missing end means ref.
func ResolveDateRange(spec domain.DateRangeSpec, ref time.Time) (domain.DateRange, error) {
	start, err := ResolveDate(spec.Start, ref)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("date range %s: start: %w", spec.Name, err)
	}
	end, err := ResolveDate(spec.End, ref)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("date range %s: end: %w", spec.Name, err)
	}
	if !start.Before(end) {
		return domain.DateRange{}, domain.NewConfigError("date_ranges."+spec.Name,
			fmt.Sprintf("start %s is not before end %s", start.Format(time.DateOnly), end.Format(time.DateOnly)))
	}
	return domain.DateRange{Name: spec.Name, Start: start, End: end}, nil
}
