package timespec

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Parse turns a wait value into a duration from now.
// Supports three formats:
//   - Go duration format: "1h", "30m", "1m30s"
//   - bare seconds: "45", "2.5"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z", measured from now
//
// An empty value and "0" mean no limit and return zero.
func Parse(spec string, now time.Time) (time.Duration, error) {
	if spec == "" || spec == "0" {
		return 0, nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return 0, fmt.Errorf("time %s is in the past", spec)
		}
		return d, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", spec)
		}
		return d, nil
	}

	if secs, err := strconv.ParseFloat(spec, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}

	return 0, fmt.Errorf("invalid time value: %s (use duration like '30s', seconds like '45' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// WithTimeout derives a context that ends after the parsed spec. A spec
// meaning no limit returns a plain cancellable context.
func WithTimeout(parent context.Context, spec string) (context.Context, context.CancelFunc, error) {
	d, err := Parse(spec, time.Now())
	if err != nil {
		return nil, nil, err
	}
	if d == 0 {
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, cancel, nil
}
