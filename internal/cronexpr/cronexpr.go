// Package cronexpr implements velosd's cron-restart matching: parse a
// standard five-field expression, then ask synchronously whether a given
// (minute, hour, day, month, weekday) tuple matches.
//
// Field parsing and range/step/list semantics are delegated to
// github.com/robfig/cron/v3's standard parser rather than hand-rolled
// bitfields — robfig/cron already implements the full grammar (*, values,
// a-b ranges, */s and a-b/s steps, comma lists).
package cronexpr

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Expr wraps a parsed five-field cron schedule.
type Expr struct {
	spec *cron.SpecSchedule
}

// Parse parses a standard five-field expression (minute hour dom month
// dow). It rejects anything robfig/cron's standard parser rejects.
func Parse(expr string) (*Expr, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("parse cron expression %q: unexpected schedule type %T", expr, sched)
	}
	return &Expr{spec: spec}, nil
}

// Matches reports whether every one of the five fields' bitmasks contains
// the corresponding input — a plain AND across all five fields, not
// robfig/cron's own day-of-month/day-of-week OR-when-both-restricted rule
// used by its Next. Out-of-range inputs return false rather than
// panicking.
func (e *Expr) Matches(minute, hour, day, month, weekday int) bool {
	if minute < 0 || minute > 59 || hour < 0 || hour > 23 || day < 1 || day > 31 ||
		month < 1 || month > 12 || weekday < 0 || weekday > 6 {
		return false
	}

	return bitSet(e.spec.Minute, minute) &&
		bitSet(e.spec.Hour, hour) &&
		bitSet(e.spec.Dom, day) &&
		bitSet(e.spec.Month, month) &&
		bitSet(e.spec.Dow, weekday)
}

func bitSet(mask uint64, n int) bool {
	return mask&(1<<uint(n)) != 0
}
