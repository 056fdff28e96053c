package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone validation must not depend on the host's zoneinfo
	"unicode/utf8"

	"github.com/magiccat/magiccat/internal/timeutil"
)

const (
	// MaxSummaryLength is the longest event title the calendar accepts.
	MaxSummaryLength = 2048
	// MaxDescriptionLength is the longest event description the calendar accepts.
	MaxDescriptionLength = 5000
	DateLayout = timeutil.DateLayout
)

// Status is the calendar-of-record availability annotation of an event.
type Status string

const (
	StatusBusy Status = "BUSY"
	StatusFree Status = "FREE"
)

// TimeSpec is either a calendar date (all-day) or an instant with its IANA zone.
type TimeSpec struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// IsDate reports whether t is calendar-date typed.
func (t TimeSpec) IsDate() bool {
	return t.Date != "" && t.DateTime == ""
}

// IsInstant reports whether t is instant typed.
func (t TimeSpec) IsInstant() bool {
	return t.DateTime != ""
}

// IsZero reports whether no field is set.
func (t TimeSpec) IsZero() bool {
	return t.Date == "" && t.DateTime == "" && t.TimeZone == ""
}

// InZone fills a missing timeZone on an instant with the name of loc.
func (t TimeSpec) InZone(loc *time.Location) TimeSpec {
	if t.IsInstant() && t.TimeZone == "" && loc != nil {
		t.TimeZone = loc.String()
	}
	return t
}

// Instant resolves t to a point in time. Dates resolve to midnight in
// loc; instants keep their own offset.
func (t TimeSpec) Instant(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case t.IsInstant():
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: dateTime %q is not RFC3339", ErrInvalidInput, t.DateTime)
		}
		return parsed, nil
	case t.IsDate():
		loc, _ = timeutil.ResolveLocation(t.TimeZone, loc)
		parsed, err := time.ParseInLocation(DateLayout, t.Date, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: date %q is not yyyy-MM-dd", ErrInvalidInput, t.Date)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%w: time spec is empty", ErrInvalidInput)
	}
}

func (t TimeSpec) validate(field string) error {
	if t.Date != "" && t.DateTime != "" {
		return fmt.Errorf("%w: %s sets both date and dateTime", ErrInvalidInput, field)
	}
	if t.IsDate() {
		if _, err := time.Parse(DateLayout, t.Date); err != nil {
			return fmt.Errorf("%w: %s.date %q is not yyyy-MM-dd", ErrInvalidInput, field, t.Date)
		}
		return nil
	}
	if t.IsInstant() {
		if _, err := time.Parse(time.RFC3339, t.DateTime); err != nil {
			return fmt.Errorf("%w: %s.dateTime %q is not RFC3339", ErrInvalidInput, field, t.DateTime)
		}
		if t.TimeZone != "" {
			if _, err := time.LoadLocation(t.TimeZone); err != nil {
				return fmt.Errorf("%w: %s.timeZone %q is not an IANA zone", ErrInvalidInput, field, t.TimeZone)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
}

// EventDraft is the payload for creating a new event.
type EventDraft struct {
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Start       TimeSpec `json:"start"`
	End         TimeSpec `json:"end"`
	IsAllDay    bool     `json:"isAllDay"`
}

// Validate checks field lengths, that start and end share a type matching
// IsAllDay, and that start does not come after end.
func (d EventDraft) Validate() error {
	if strings.TrimSpace(d.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}
	if err := checkLengths(&d.Summary, &d.Description); err != nil {
		return err
	}
	if err := d.Start.validate("start"); err != nil {
		return err
	}
	if err := d.End.validate("end"); err != nil {
		return err
	}
	if d.Start.IsDate() != d.End.IsDate() {
		return fmt.Errorf("%w: start and end must both be dates or both be instants", ErrInvalidInput)
	}
	if d.IsAllDay != d.Start.IsDate() {
		return fmt.Errorf("%w: isAllDay=%t does not match the start/end type", ErrInvalidInput, d.IsAllDay)
	}
	start, end, err := d.Span(time.UTC)
	if err != nil {
		return err
	}
	if start.After(end) {
		return fmt.Errorf("%w: start is after end", ErrInvalidInput)
	}
	return nil
}

// Span resolves the draft's start and end to instants. All-day dates resolve to
// midnight in loc, so an all-day end is already exclusive.
func (d EventDraft) Span(loc *time.Location) (time.Time, time.Time, error) {
	start, err := d.Start.Instant(loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := d.End.Instant(loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// EventPatch is a partial update. Nil fields are left untouched server-side.
type EventPatch struct {
	Summary     *string   `json:"summary,omitempty"`
	Description *string   `json:"description,omitempty"`
	Start       *TimeSpec `json:"start,omitempty"`
	End         *TimeSpec `json:"end,omitempty"`

	// Search bounds used to locate the event being modified.
	TimeMin string `json:"timeMin,omitempty"`
	TimeMax string `json:"timeMax,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p EventPatch) IsEmpty() bool {
	return p.Summary == nil && p.Description == nil && p.Start == nil && p.End == nil
}

// Validate checks the lengths and time formats of present fields.
func (p EventPatch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: nothing to modify", ErrInvalidInput)
	}
	if err := checkLengths(p.Summary, p.Description); err != nil {
		return err
	}
	if p.Start != nil {
		if err := p.Start.validate("start"); err != nil {
			return err
		}
	}
	if p.End != nil {
		if err := p.End.validate("end"); err != nil {
			return err
		}
	}
	if p.Start != nil && p.End != nil && p.Start.IsDate() != p.End.IsDate() {
		return fmt.Errorf("%w: start and end must both be dates or both be instants", ErrInvalidInput)
	}
	return nil
}

// Window returns the search window carried by the patch.
func (p EventPatch) Window() (Window, error) {
	return ParseWindow(p.TimeMin, p.TimeMax)
}

// EventRef is an opaque handle to a persisted event.
type EventRef struct {
	ID       string `json:"id"`
	IsAllDay bool   `json:"isAllDay"`
}

// Attendee is a participant on an event.
type Attendee struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Response    string `json:"responseStatus,omitempty"`
}

// EventRecord is the gateway's read-only view of a persisted event.
type EventRecord struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Start       TimeSpec   `json:"start"`
	End         TimeSpec   `json:"end"`
	IsAllDay    bool       `json:"isAllDay"`
	Status      Status     `json:"status"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Organizer   string     `json:"organizer,omitempty"`
	CreateTime  string     `json:"createTime,omitempty"`
	UpdateTime  string     `json:"updateTime,omitempty"`
}

// Ref returns the handle for the record.
func (r EventRecord) Ref() EventRef {
	return EventRef{ID: r.ID, IsAllDay: r.IsAllDay}
}

// Window bounds a list or busy query. Nil bounds are open.
type Window struct {
	TimeMin *time.Time
	TimeMax *time.Time
}

// ParseWindow parses optional RFC3339 bounds and validates the span.
func ParseWindow(timeMin, timeMax string) (Window, error) {
	var w Window
	if timeMin != "" {
		t, err := time.Parse(time.RFC3339, timeMin)
		if err != nil {
			return Window{}, fmt.Errorf("%w: timeMin %q is not RFC3339", ErrInvalidInput, timeMin)
		}
		w.TimeMin = &t
	}
	if timeMax != "" {
		t, err := time.Parse(time.RFC3339, timeMax)
		if err != nil {
			return Window{}, fmt.Errorf("%w: timeMax %q is not RFC3339", ErrInvalidInput, timeMax)
		}
		w.TimeMax = &t
	}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// NewWindow builds a closed window between two instants.
func NewWindow(start, end time.Time) Window {
	return Window{TimeMin: &start, TimeMax: &end}
}

// Validate enforces timeMin ≤ timeMax and that timeMax is at most one
// calendar year after timeMin.
func (w Window) Validate() error {
	if w.TimeMin == nil || w.TimeMax == nil {
		return nil
	}
	if w.TimeMax.Before(*w.TimeMin) {
		return fmt.Errorf("%w: timeMax is before timeMin", ErrInvalidInput)
	}
	if w.TimeMax.After(w.TimeMin.AddDate(1, 0, 0)) {
		return fmt.Errorf("%w: timeMax - timeMin exceeds one year", ErrInvalidInput)
	}
	return nil
}

// IsOpen reports whether neither bound is set.
func (w Window) IsOpen() bool {
	return w.TimeMin == nil && w.TimeMax == nil
}

// TodoInput is a to-do (support ticket) filed on the user's behalf.
type TodoInput struct {
	Subject     string `json:"subject"`
	DueTime     int64  `json:"dueTime,omitempty"` // unix milliseconds
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

// Validate checks the subject and priority.
func (t TodoInput) Validate() error {
	if strings.TrimSpace(t.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	switch t.Priority {
	case 0, 10, 20, 30, 40:
	default:
		return fmt.Errorf("%w: priority must be one of 10, 20, 30, 40", ErrInvalidInput)
	}
	return nil
}

func checkLengths(summary, description *string) error {
	if summary != nil && utf8.RuneCountInString(*summary) > MaxSummaryLength {
		return fmt.Errorf("%w: summary exceeds %d characters", ErrInvalidInput, MaxSummaryLength)
	}
	if description != nil && utf8.RuneCountInString(*description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidInput, MaxDescriptionLength)
	}
	return nil
}
