package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeframeUnits = map[string]time.Duration{
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"mn": 30 * 24 * time.Hour,
	"M":  30 * 24 * time.Hour,
}

// ParseTimeframe converts a timeframe name to its bar duration. Both the
// unit-first form ("m15", "h4", "d1", "mn1") and the count-first form
// ("15m", "4h", "1d") are accepted.
func ParseTimeframe(tf string) (time.Duration, error) {
	s := strings.TrimSpace(tf)
	if s == "" {
		return 0, fmt.Errorf("%w: empty timeframe", ErrInvalidInput)
	}

	split := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	var unit, count string
	switch {
	case split > 0:
		unit, count = s[:split], s[split:]
	case split == 0:
		end := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
		if end < 0 {
			return 0, fmt.Errorf("%w: timeframe %q has no unit", ErrInvalidInput, tf)
		}
		count, unit = s[:end], s[end:]
	default:
		return 0, fmt.Errorf("%w: timeframe %q has no count", ErrInvalidInput, tf)
	}

	if unit != "M" {
		unit = strings.ToLower(unit)
	}
	base, ok := timeframeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown timeframe unit in %q", ErrInvalidInput, tf)
	}
	n, err := strconv.Atoi(count)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid timeframe count in %q", ErrInvalidInput, tf)
	}
	return time.Duration(n) * base, nil
}

// TimeframeDuration is ParseTimeframe without the error; unknown timeframes
// report zero and therefore sort as the finest.
func TimeframeDuration(tf string) time.Duration {
	d, err := ParseTimeframe(tf)
	if err != nil {
		return 0
	}
	return d
}
