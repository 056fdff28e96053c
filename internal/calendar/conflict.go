package calendar

import "time"

// Span is a proposed booking between two instants.
type Span struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the closed intervals [a.Start, a.End] and
// [b.Start, b.End] intersect. Touching boundaries overlap.
func (a Span) Overlaps(b Span) bool {
	return !b.Start.After(a.End) && !b.End.Before(a.Start)
}

// HasConflict reports whether any BUSY event in existing overlaps proposed.
func HasConflict(proposed Span, existing []EventRecord, loc *time.Location) bool {
	_, ok := FirstConflict(proposed, existing, loc)
	return ok
}

// FirstConflict returns the first BUSY event overlapping proposed. FREE events
// never block. Events whose times cannot be resolved are skipped.
func FirstConflict(proposed Span, existing []EventRecord, loc *time.Location) (EventRecord, bool) {
	for _, ev := range existing {
		if ev.Status != StatusBusy {
			continue
		}
		start, err := ev.Start.Instant(loc)
		if err != nil {
			continue
		}
		end, err := ev.End.Instant(loc)
		if err != nil {
			continue
		}
		if proposed.Overlaps(Span{Start: start, End: end}) {
			return ev, true
		}
	}
	return EventRecord{}, false
}
