package cron

import (
	"errors"
	"testing"
	"time"

	robfig "github.com/robfig/cron/v3"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test time %q: %v", s, err)
	}
	return ts
}

func TestNextDailyAtTwo(t *testing.T) {
	t.Parallel()
	after := mustTime(t, "2024-01-01T00:00:00Z")
	got, err := Next("0 2 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := mustTime(t, "2024-01-01T02:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		expr  string
		after string
		want  string
	}{
		{name: "every minute", expr: "* * * * *", after: "2024-01-01T00:00:30Z", want: "2024-01-01T00:01:00Z"},
		{name: "step", expr: "*/15 * * * *", after: "2024-01-01T00:16:00Z", want: "2024-01-01T00:30:00Z"},
		{name: "range", expr: "0 9-17 * * *", after: "2024-01-01T17:30:00Z", want: "2024-01-02T09:00:00Z"},
		{name: "list", expr: "0 0 1,15 * *", after: "2024-01-02T00:00:00Z", want: "2024-01-15T00:00:00Z"},
		{name: "month", expr: "0 0 1 6 *", after: "2024-01-01T00:00:00Z", want: "2024-06-01T00:00:00Z"},
		{name: "dow sunday as 7", expr: "0 12 * * 7", after: "2024-01-01T00:00:00Z", want: "2024-01-07T12:00:00Z"},
		{name: "dow range with 7", expr: "0 12 * * 5-7", after: "2024-01-01T00:00:00Z", want: "2024-01-05T12:00:00Z"},
		{name: "range step", expr: "10-50/20 * * * *", after: "2024-01-01T00:11:00Z", want: "2024-01-01T00:30:00Z"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tt.expr, "UTC", mustTime(t, tt.after))
			if err != nil {
				t.Fatalf("Next(%q) error: %v", tt.expr, err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Fatalf("Next(%q) = %v, want %v", tt.expr, got, want)
			}
		})
	}
}

func TestNextStrictlyAfter(t *testing.T) {
	t.Parallel()
	// Calling Next from a matching instant must not return that instant.
	after := mustTime(t, "2024-01-01T02:00:00Z")
	got, err := Next("0 2 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if !got.After(after) {
		t.Fatalf("Next = %v, not strictly after %v", got, after)
	}
	if want := mustTime(t, "2024-01-02T02:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextTimezone(t *testing.T) {
	t.Parallel()
	// 02:00 in New York (EST, UTC-5) is 07:00 UTC.
	after := mustTime(t, "2024-01-15T00:00:00Z")
	got, err := Next("0 2 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := mustTime(t, "2024-01-15T07:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.UTC(), want)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
	}{
		{name: "too few fields", expr: "* * * *"},
		{name: "too many fields", expr: "* * * * * *"},
		{name: "bad value", expr: "61 * * * *"},
		{name: "bad hour", expr: "0 24 * * *"},
		{name: "bad range", expr: "0 9-29 * * *"},
		{name: "inverted range", expr: "30-10 * * * *"},
		{name: "zero step", expr: "*/0 * * * *"},
		{name: "garbage", expr: "foo * * * *"},
		{name: "empty list element", expr: "1,,2 * * * *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.expr)
			if !errors.Is(err, ErrInvalidCron) {
				t.Fatalf("Parse(%q) err = %v, want ErrInvalidCron", tt.expr, err)
			}
		})
	}
}

func TestNextNoUpcomingRun(t *testing.T) {
	t.Parallel()
	// February 30th never exists.
	_, err := Next("0 0 30 2 *", "UTC", mustTime(t, "2024-01-01T00:00:00Z"))
	if !errors.Is(err, ErrNoUpcomingRun) {
		t.Fatalf("err = %v, want ErrNoUpcomingRun", err)
	}
}

func TestBadTimezone(t *testing.T) {
	t.Parallel()
	_, err := Next("* * * * *", "Mars/Olympus", time.Now())
	if !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v, want ErrInvalidCron", err)
	}
}

// TestNextAgainstRobfig cross-checks the evaluator against robfig/cron for
// expressions where the day fields don't diverge (robfig ORs restricted
// dom/dow; this evaluator requires both to match).
func TestNextAgainstRobfig(t *testing.T) {
	t.Parallel()
	parser := robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)
	exprs := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 2 * * *",
		"30 6 * * 1",
		"0 0 1 * *",
		"15,45 8-18 * * *",
		"0 12 1-7 * *",
	}
	starts := []string{
		"2024-01-01T00:00:00Z",
		"2024-02-28T23:59:00Z",
		"2024-12-31T23:00:00Z",
	}
	for _, expr := range exprs {
		ref, err := parser.Parse(expr)
		if err != nil {
			t.Fatalf("robfig rejected %q: %v", expr, err)
		}
		for _, s := range starts {
			after := mustTime(t, s)
			got, err := Next(expr, "UTC", after)
			if err != nil {
				t.Fatalf("Next(%q, %s) error: %v", expr, s, err)
			}
			if want := ref.Next(after); !got.Equal(want) {
				t.Fatalf("Next(%q, %s) = %v, robfig says %v", expr, s, got, want)
			}
		}
	}
}
