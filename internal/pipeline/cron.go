package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	return f.wildcard || f.values[val]
}

// parseCronField parses one field: "*", "5", "1,15", "1-5", "*/15" or "0-30/10".
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	values := map[int]bool{}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return cronField{}, fmt.Errorf("invalid step %q", s)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid range start %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid range end %q", b)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", part, err)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("value %q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			values[v] = true
		}
	}
	return cronField{values: values}, nil
}

// schedule is a parsed 5-field cron expression, evaluated in UTC.
type schedule struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c schedule) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses "minute hour day-of-month month day-of-week".
func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	bounds := [5]struct {
		name   string
		lo, hi int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	var parsed [5]cronField
	for i, b := range bounds {
		f, err := parseCronField(fields[i], b.lo, b.hi)
		if err != nil {
			return schedule{}, fmt.Errorf("parsing %s field: %w", b.name, err)
		}
		parsed[i] = f
	}
	return schedule{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// next returns the first minute strictly after 'after' that matches. It
// searches up to one year ahead.
func (c schedule) next(after time.Time) (time.Time, error) {
	candidate := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year")
}
