package orchestrator

import (
	"fmt"
	"time"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/timeutil"
)

// shapePatch rewrites the time fields of patch to the kind of the event being
// modified: dates for all-day events, instants otherwise. All-day end dates
// stay exclusive. Instants without a zone get loc.
func shapePatch(patch calendar.EventPatch, allDay bool, loc *time.Location) (calendar.EventPatch, error) {
	out := patch
	out.TimeMin, out.TimeMax = "", ""

	if patch.Start != nil {
		start, err := shapeTime(*patch.Start, allDay, false, loc)
		if err != nil {
			return calendar.EventPatch{}, err
		}
		out.Start = &start
	}
	if patch.End != nil {
		end, err := shapeTime(*patch.End, allDay, true, loc)
		if err != nil {
			return calendar.EventPatch{}, err
		}
		out.End = &end
	}
	return out, nil
}

func shapeTime(t calendar.TimeSpec, allDay, isEnd bool, loc *time.Location) (calendar.TimeSpec, error) {
	switch {
	case allDay && t.IsInstant():
		instant, err := t.Instant(loc)
		if err != nil {
			return calendar.TimeSpec{}, err
		}
		local := instant.In(zoneOf(t, loc))
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
		if isEnd && !local.Equal(day) {
			// an end partway through a day still covers that day
			day = day.AddDate(0, 0, 1)
		}
		return calendar.TimeSpec{Date: day.Format(calendar.DateLayout)}, nil

	case !allDay && t.IsDate():
		zone := zoneOf(t, loc)
		day, err := time.ParseInLocation(calendar.DateLayout, t.Date, zone)
		if err != nil {
			return calendar.TimeSpec{}, fmt.Errorf("%w: date %q", calendar.ErrInvalidInput, t.Date)
		}
		return calendar.TimeSpec{DateTime: day.Format(time.RFC3339), TimeZone: zone.String()}, nil

	default:
		return t.InZone(loc), nil
	}
}

func zoneOf(t calendar.TimeSpec, fallback *time.Location) *time.Location {
	loc, _ := timeutil.ResolveLocation(t.TimeZone, fallback)
	return loc
}
