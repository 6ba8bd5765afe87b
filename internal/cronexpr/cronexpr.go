package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned when a cron expression fails validation
var ErrInvalidCron = errors.New("invalid cron expression")

// fieldSpec describes the constraints of one cron field
type fieldSpec struct {
	name       string
	min, max   int
	allowSteps bool
}

// Fields in order: minute hour day-of-month month day-of-week.
// Step syntax is only permitted on the minute and hour fields.
var fieldSpecs = []fieldSpec{
	{name: "minute", min: 0, max: 59, allowSteps: true},
	{name: "hour", min: 0, max: 23, allowSteps: true},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

// Validate checks a 5-field cron expression. It is the write-time gate:
// expressions accepted here are guaranteed to evaluate without error, so
// Next never fails for a stored schedule.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != len(fieldSpecs) {
		return fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}

	for i, field := range fields {
		if err := validateField(field, fieldSpecs[i]); err != nil {
			return fmt.Errorf("%w: %s field %q: %v", ErrInvalidCron, fieldSpecs[i].name, field, err)
		}
	}
	return nil
}

// validateField checks one comma-separated field against its spec
func validateField(field string, spec fieldSpec) error {
	if field == "" {
		return fmt.Errorf("empty field")
	}

	for _, part := range strings.Split(field, ",") {
		base := part
		if slash := strings.Index(part, "/"); slash >= 0 {
			if !spec.allowSteps {
				return fmt.Errorf("step syntax is not allowed in this field")
			}
			base = part[:slash]
			step := part[slash+1:]
			n, err := strconv.Atoi(step)
			if err != nil || n <= 0 {
				return fmt.Errorf("malformed step %q", step)
			}
			// Steps must be anchored to * or a range
			if base != "*" && !strings.Contains(base, "-") {
				return fmt.Errorf("step requires * or a range base")
			}
		}

		if base == "*" {
			continue
		}

		if dash := strings.Index(base, "-"); dash >= 0 {
			lo, err := parseValue(base[:dash], spec)
			if err != nil {
				return err
			}
			hi, err := parseValue(base[dash+1:], spec)
			if err != nil {
				return err
			}
			if lo > hi {
				return fmt.Errorf("range %d-%d is inverted", lo, hi)
			}
			continue
		}

		if _, err := parseValue(base, spec); err != nil {
			return err
		}
	}
	return nil
}

// parseValue parses a single numeric value and checks its range
func parseValue(s string, spec fieldSpec) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if n < spec.min || n > spec.max {
		return 0, fmt.Errorf("%d out of range %d-%d", n, spec.min, spec.max)
	}
	return n, nil
}

// Next returns the earliest instant strictly after the reference that
// matches the expression, evaluated in loc. Day-of-month and day-of-week
// combine with OR semantics when both are restricted, per cron tradition.
// The evaluator is stateless and safe for concurrent use.
func Next(expr string, after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	// The standard parser binds schedules to the process-local zone unless
	// told otherwise; pin it to the configured zone so hour fields line up.
	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", loc.String(), expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no matching instant within horizon", ErrInvalidCron)
	}
	return next, nil
}
