package cronexpr

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"monday nine am", "0 9 * * 1", false},
		{"minute step", "*/5 * * * *", false},
		{"hour range step", "0 9-17/2 * * *", false},
		{"lists and ranges", "15,45 9-17 * * 1-5", false},
		{"month and dom", "30 6 1,15 1-6 *", false},
		{"too few fields", "* * * *", true},
		{"too many fields", "* * * * * *", true},
		{"minute out of range", "60 * * * *", true},
		{"hour out of range", "* 24 * * *", true},
		{"dom zero", "* * 0 * *", true},
		{"month thirteen", "* * * 13 *", true},
		{"dow seven", "* * * * 7", true},
		{"step in day-of-month", "* * */2 * *", true},
		{"step in month", "* * * */3 *", true},
		{"step in day-of-week", "* * * * */2", true},
		{"zero step", "*/0 * * * *", true},
		{"step without anchor", "5/2 * * * *", true},
		{"inverted range", "5-1 * * * *", true},
		{"garbage value", "a * * * *", true},
		{"dangling range", "1- * * * *", true},
		{"empty expression", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate(%q) = nil, want error", tt.expr)
				}
				if !errors.Is(err, ErrInvalidCron) {
					t.Fatalf("Validate(%q) error = %v, want ErrInvalidCron", tt.expr, err)
				}
			} else if err != nil {
				t.Fatalf("Validate(%q) = %v, want nil", tt.expr, err)
			}
		})
	}
}

func TestNextMondayNine(t *testing.T) {
	// 2026-01-06 is a Tuesday
	after := time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC)

	next, err := Next("0 9 * * 1", after, time.UTC)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if next.Weekday() != time.Monday {
		t.Fatalf("Next fell on %v, want Monday", next.Weekday())
	}
}

func TestNextStrictlyMonotonic(t *testing.T) {
	exprs := []string{"* * * * *", "0 9 * * 1", "*/15 8-18 * * *", "30 6 1,15 * *"}
	for _, expr := range exprs {
		ref := time.Date(2026, 3, 10, 12, 34, 56, 0, time.UTC)
		for i := 0; i < 10; i++ {
			next, err := Next(expr, ref, time.UTC)
			if err != nil {
				t.Fatalf("Next(%q): %v", expr, err)
			}
			if !next.After(ref) {
				t.Fatalf("Next(%q) = %v, not strictly after %v", expr, next, ref)
			}
			ref = next
		}
	}
}

func TestNextDayOfMonthDayOfWeekUnion(t *testing.T) {
	// Both DOM and DOW restricted: fires on the 13th OR on Fridays,
	// whichever comes first.
	// 2026-01-01 is a Thursday, so the next Friday (Jan 2) beats Jan 13.
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, err := Next("0 9 13 * 5", after, time.UTC)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v (Friday before the 13th)", next, want)
	}

	// From that Friday the following Friday (Jan 9) still beats the 13th
	next, err = Next("0 9 13 * 5", next, time.UTC)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want = time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC) // the following Friday
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextSkipsShortMonths(t *testing.T) {
	// Day 31 in April (30 days) is skipped, not rolled over
	after := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	next, err := Next("0 9 31 * *", after, time.UTC)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2026, 5, 31, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextEvaluatesInTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	// 09:00 in New York during winter is 14:00 UTC
	after := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * *", after, loc)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2026, 1, 6, 14, 0, 0, 0, time.UTC)
	if !next.UTC().Equal(want) {
		t.Fatalf("Next = %v, want %v", next.UTC(), want)
	}
}

func TestValidatedExpressionsEvaluate(t *testing.T) {
	// Anything Validate accepts must evaluate without error
	exprs := []string{
		"* * * * *",
		"0 9 * * 1",
		"*/10 0-12/3 * * *",
		"15,45 9-17 1,15 1-6 1-5",
	}
	after := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, expr := range exprs {
		if err := Validate(expr); err != nil {
			t.Fatalf("Validate(%q): %v", expr, err)
		}
		if _, err := Next(expr, after, time.UTC); err != nil {
			t.Fatalf("Next(%q): %v", expr, err)
		}
	}
}
