// Package cron evaluates five-field cron expressions (minute, hour,
// day-of-month, month, day-of-week with *, ranges, steps and comma lists)
// in a single configured time zone. Parsing is delegated to gronx.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Evaluator computes firing instants for cron expressions. All evaluation
// happens in the evaluator's zone regardless of the caller's instants.
type Evaluator struct {
	loc *time.Location
	gx  *gronx.Gronx
}

// New creates an evaluator for the given IANA zone. An empty zone means UTC.
func New(tz string) (*Evaluator, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load cron timezone %q: %w", tz, err)
		}
	}
	return &Evaluator{loc: loc, gx: gronx.New()}, nil
}

// Location returns the evaluator's zone.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Validate returns an error when expr is not a parseable cron expression.
// The schedule store calls this at write time so the beat never sees an
// invalid expression through the normal path.
func (e *Evaluator) Validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty cron expression")
	}
	if !e.gx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %s", expr)
	}
	return nil
}

// NextFire returns the smallest instant strictly greater than after that
// matches expr.
func (e *Evaluator) NextFire(expr string, after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, after.In(e.loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next fire for %q: %w", expr, err)
	}
	return next, nil
}

// IsDue reports whether expr has a firing between lastFire (exclusive) and
// now (inclusive). The returned duration is the time until the next firing
// strictly after now, capped below at zero; the beat uses it to size its
// sleep.
func (e *Evaluator) IsDue(expr string, lastFire, now time.Time) (bool, time.Duration, error) {
	next, err := e.NextFire(expr, lastFire)
	if err != nil {
		return false, 0, err
	}
	if next.After(now) {
		return false, next.Sub(now), nil
	}

	// Due. Report the wait until the firing after now so the caller can
	// sleep correctly once it has dispatched.
	following, err := e.NextFire(expr, now)
	if err != nil {
		return true, 0, err
	}
	return true, following.Sub(now), nil
}
