// Package timeutil resolves zone names and the loose datetime forms users and
// models produce.
package timeutil

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date form, yyyy-MM-dd.
const DateLayout = "2006-01-02"

// localLayouts are wall-clock forms without an offset.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ResolveLocation loads an IANA zone. An empty or unknown name yields
// fallback (UTC when nil) and reports true.
func ResolveLocation(name string, fallback *time.Location) (*time.Location, bool) {
	if fallback == nil {
		fallback = time.UTC
	}
	if name == "" {
		return fallback, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback, true
	}
	return loc, false
}

// IsLocal reports whether value is a wall-clock datetime without an offset.
func IsLocal(value string) bool {
	for _, layout := range localLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

// ParseDateTime parses RFC3339, keeping its offset, or a wall-clock form in
// loc.
func ParseDateTime(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("time value is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", value)
}

// NormalizeDateTime rewrites value as RFC3339, reading wall-clock forms in
// the named zone. The zone must be valid when value has no offset.
func NormalizeDateTime(value, zone string) (string, error) {
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return value, nil
	}
	loc, fellBack := ResolveLocation(zone, nil)
	if fellBack {
		return "", fmt.Errorf("%q has no offset and %q is not a known time zone", value, zone)
	}
	t, err := ParseDateTime(value, loc)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

// ParseLoose accepts anything ParseDateTime does plus a bare date, which
// resolves to midnight in loc. The boolean reports whether value was a date.
func ParseLoose(value string, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	if d, err := time.ParseInLocation(DateLayout, value, loc); err == nil {
		return d, true, nil
	}
	t, err := ParseDateTime(value, loc)
	return t, false, err
}
