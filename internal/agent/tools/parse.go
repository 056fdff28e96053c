package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/resolver"
	"github.com/magiccat/magiccat/internal/timeutil"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{calendar.ErrInvalidInput}, args...)...)
}

func stringField(input map[string]any, key string) (string, bool) {
	v, ok := input[key].(string)
	return v, ok
}

func optionalString(input map[string]any, key string) *string {
	if v, ok := input[key].(string); ok {
		return &v
	}
	return nil
}

// parseTimeSpec accepts {date}|{dateTime,timeZone} objects as well as a bare
// yyyy-MM-dd or RFC3339 string. A wall-clock dateTime is read in its timeZone.
func parseTimeSpec(v any, field string) (*calendar.TimeSpec, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		spec := calendar.TimeSpec{}
		if s, ok := t["date"].(string); ok {
			spec.Date = s
		}
		if s, ok := t["dateTime"].(string); ok {
			spec.DateTime = s
		}
		if s, ok := t["timeZone"].(string); ok {
			spec.TimeZone = s
		}
		if spec.IsZero() {
			return nil, invalid("%s is empty", field)
		}
		if spec.DateTime != "" && timeutil.IsLocal(spec.DateTime) {
			normalized, err := timeutil.NormalizeDateTime(spec.DateTime, spec.TimeZone)
			if err != nil {
				return nil, invalid("%s: %v", field, err)
			}
			spec.DateTime = normalized
		}
		return &spec, nil
	case string:
		if t == "" {
			return nil, invalid("%s is empty", field)
		}
		if _, err := time.Parse(calendar.DateLayout, t); err == nil {
			return &calendar.TimeSpec{Date: t}, nil
		}
		if timeutil.IsLocal(t) {
			return nil, invalid("%s has no UTC offset; pass {dateTime, timeZone}", field)
		}
		return &calendar.TimeSpec{DateTime: t}, nil
	default:
		return nil, invalid("%s must be an object or string", field)
	}
}

// ParseDraft builds the create payload. isAllDay defaults to the start's type.
func ParseDraft(input map[string]any) (calendar.EventDraft, error) {
	draft := calendar.EventDraft{}
	if v, ok := stringField(input, "summary"); ok {
		draft.Summary = v
	}
	if v, ok := stringField(input, "description"); ok {
		draft.Description = v
	}

	start, err := parseTimeSpec(input["start"], "start")
	if err != nil {
		return calendar.EventDraft{}, err
	}
	end, err := parseTimeSpec(input["end"], "end")
	if err != nil {
		return calendar.EventDraft{}, err
	}
	if start == nil || end == nil {
		return calendar.EventDraft{}, invalid("start and end are required")
	}
	draft.Start, draft.End = *start, *end

	if v, ok := input["isAllDay"].(bool); ok {
		draft.IsAllDay = v
	} else {
		draft.IsAllDay = draft.Start.IsDate()
	}

	if err := draft.Validate(); err != nil {
		return calendar.EventDraft{}, err
	}
	return draft, nil
}

// ParseQuery returns the window and whether only busy information is wanted.
func ParseQuery(input map[string]any) (calendar.Window, bool, error) {
	timeMin, _ := stringField(input, "timeMin")
	timeMax, _ := stringField(input, "timeMax")
	w, err := calendar.ParseWindow(timeMin, timeMax)
	if err != nil {
		return calendar.Window{}, false, err
	}
	busyOnly, _ := input["busyOnly"].(bool)
	return w, busyOnly, nil
}

// ParseModify returns the hint locating the event and the partial update.
func ParseModify(input map[string]any) (resolver.Hint, calendar.EventPatch, error) {
	patch := calendar.EventPatch{
		Summary:     optionalString(input, "summary"),
		Description: optionalString(input, "description"),
	}
	var err error
	if patch.Start, err = parseTimeSpec(input["start"], "start"); err != nil {
		return resolver.Hint{}, calendar.EventPatch{}, err
	}
	if patch.End, err = parseTimeSpec(input["end"], "end"); err != nil {
		return resolver.Hint{}, calendar.EventPatch{}, err
	}
	patch.TimeMin, _ = stringField(input, "timeMin")
	patch.TimeMax, _ = stringField(input, "timeMax")

	hint := resolver.Hint{Start: patch.TimeMin, End: patch.TimeMax}
	if match, ok := stringField(input, "match"); ok && strings.TrimSpace(match) != "" {
		hint.Summary = match
	} else if patch.Summary != nil {
		hint.Summary = *patch.Summary
	}
	if patch.Description != nil {
		hint.Description = *patch.Description
	}

	if err := patch.Validate(); err != nil {
		return resolver.Hint{}, calendar.EventPatch{}, err
	}
	if _, err := patch.Window(); err != nil {
		return resolver.Hint{}, calendar.EventPatch{}, err
	}
	return hint, patch, nil
}

// ParseDelete builds the hint describing the event to delete. An empty hint
// is rejected so that a lone event is never proposed by accident.
func ParseDelete(input map[string]any) (resolver.Hint, error) {
	hint := resolver.Hint{}
	hint.Summary, _ = stringField(input, "summary")
	hint.Description, _ = stringField(input, "description")
	hint.Start, _ = stringField(input, "timeMin")
	hint.End, _ = stringField(input, "timeMax")

	if hint.IsEmpty() {
		return resolver.Hint{}, invalid("describe the event to delete")
	}
	return hint, nil
}

// ParseConfirmDelete returns the event id being confirmed.
func ParseConfirmDelete(input map[string]any) (string, error) {
	id, _ := stringField(input, "eventId")
	if strings.TrimSpace(id) == "" {
		return "", invalid("eventId is required")
	}
	return id, nil
}

// ParseTodo builds a to-do. dueTime may be unix milliseconds or RFC3339;
// priority may be a number or its string label.
func ParseTodo(input map[string]any) (calendar.TodoInput, error) {
	todo := calendar.TodoInput{}
	if v, ok := stringField(input, "subject"); ok {
		todo.Subject = v
	}
	if v, ok := stringField(input, "description"); ok {
		todo.Description = v
	}

	switch v := input["dueTime"].(type) {
	case nil:
	case float64:
		todo.DueTime = int64(v)
	case string:
		if v != "" {
			due, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return calendar.TodoInput{}, invalid("dueTime %q is not RFC3339", v)
			}
			todo.DueTime = due.UnixMilli()
		}
	default:
		return calendar.TodoInput{}, invalid("dueTime must be a string or number")
	}

	switch v := input["priority"].(type) {
	case nil:
	case float64:
		todo.Priority = int(v)
	case string:
		p, err := strconv.Atoi(v)
		if err != nil {
			return calendar.TodoInput{}, invalid("priority %q is not a number", v)
		}
		todo.Priority = p
	default:
		return calendar.TodoInput{}, invalid("priority must be a string or number")
	}

	if err := todo.Validate(); err != nil {
		return calendar.TodoInput{}, err
	}
	return todo, nil
}
