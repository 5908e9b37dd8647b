// Package cron evaluates five-field cron expressions against a timezone.
//
// Supported per field: "*", single values, ranges ("a-b"), steps ("*/n",
// "a-b/n"), and comma lists. Day-of-week 7 is normalized to 0 (Sunday).
// Day-of-month and day-of-week are both required to match (no vixie-style
// OR between the day fields).
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCron marks expressions that do not parse to a usable schedule.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNoUpcomingRun marks schedules with no match inside the search
	// horizon. Callers must disable or alert, never loop forever.
	ErrNoUpcomingRun = errors.New("no upcoming run within search horizon")
)

// Horizon bounds the minute-by-minute search in Next.
const Horizon = 366 * 24 * time.Hour

// ParseError describes why an expression was rejected.
type ParseError struct {
	Expr   string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cron %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("cron %q: field %s: %s", e.Expr, e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidCron }

type fieldSpec struct {
	name string
	min  int
	max  int
}

var fields = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a parsed cron expression. Zero state beyond the candidate
// sets; safe for concurrent use.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}

	var sets [5]uint64
	for i, raw := range parts {
		set, err := parseField(raw, fields[i])
		if err != nil {
			return nil, &ParseError{Expr: expr, Field: fields[i].name, Reason: err.Error()}
		}
		if set == 0 {
			return nil, &ParseError{Expr: expr, Field: fields[i].name, Reason: "no candidate values"}
		}
		sets[i] = set
	}

	return &Schedule{
		expr:   expr,
		minute: sets[0],
		hour:   sets[1],
		dom:    sets[2],
		month:  sets[3],
		dow:    sets[4],
	}, nil
}

func parseField(raw string, spec fieldSpec) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, fmt.Errorf("empty list element")
		}

		step := 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", part)
			}
			step = n
			part = part[:i]
		}

		// Day-of-week accepts 7 as an alias for Sunday; the bit folds to 0.
		max := spec.max
		dow := spec.name == "day-of-week"
		if dow {
			max = 7
		}

		lo, hi := spec.min, spec.max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil {
				return 0, fmt.Errorf("bad range %q", part)
			}
			lo, hi = a, b
			if lo < spec.min || hi > max || lo > hi {
				return 0, fmt.Errorf("range %q out of %d-%d", part, spec.min, max)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			if v < spec.min || v > max {
				return 0, fmt.Errorf("value %d out of %d-%d", v, spec.min, max)
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			bit := v
			if dow && bit == 7 {
				bit = 0
			}
			set |= 1 << uint(bit)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// Matches reports whether t satisfies all five fields. The caller is
// responsible for evaluating t in the schedule's intended location.
func (s *Schedule) Matches(t time.Time) bool {
	return has(s.minute, t.Minute()) &&
		has(s.hour, t.Hour()) &&
		has(s.dom, t.Day()) &&
		has(s.month, int(t.Month())) &&
		has(s.dow, int(t.Weekday()))
}

// Next returns the first instant strictly after `after` matching the
// schedule, evaluated in after's location. Fails with ErrNoUpcomingRun
// once the horizon is exhausted.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	// Start from the minute after `after`.
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(Horizon)
	for !t.After(limit) {
		if s.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron %q: %w", s.expr, ErrNoUpcomingRun)
}

// Next computes the next matching instant for expr in the given IANA
// timezone ("" means UTC), strictly after `after`.
func Next(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc))
}

// LoadLocation resolves an IANA timezone name, defaulting to UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w: %v", tz, ErrInvalidCron, err)
	}
	return loc, nil
}
