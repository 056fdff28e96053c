package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

const maxListPages = 50

// mapError folds Google API failures into the calendar error kinds.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, calendar.ErrInvalidInput) {
		return err
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == http.StatusUnauthorized || gErr.Code == http.StatusForbidden:
			return calendar.AuthFailed(op, gErr.Code, err)
		case gErr.Code >= 500:
			return calendar.Unavailable(op, gErr.Code, err)
		case gErr.Code >= 400:
			body := gErr.Message
			if body == "" {
				body = gErr.Body
			}
			return calendar.Rejected(op, gErr.Code, body)
		}
	}
	return calendar.Unavailable(op, 0, err)
}

func toEventDateTime(t calendar.TimeSpec, allDay bool) *gcalendar.EventDateTime {
	if allDay {
		return &gcalendar.EventDateTime{Date: t.Date}
	}
	return &gcalendar.EventDateTime{DateTime: t.DateTime, TimeZone: t.TimeZone}
}

func fromEventDateTime(t *gcalendar.EventDateTime) calendar.TimeSpec {
	if t == nil {
		return calendar.TimeSpec{}
	}
	return calendar.TimeSpec{Date: t.Date, DateTime: t.DateTime, TimeZone: t.TimeZone}
}

func toRecord(item *gcalendar.Event) calendar.EventRecord {
	status := calendar.StatusBusy
	if item.Transparency == "transparent" {
		status = calendar.StatusFree
	}
	rec := calendar.EventRecord{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       fromEventDateTime(item.Start),
		End:         fromEventDateTime(item.End),
		IsAllDay:    item.Start != nil && item.Start.Date != "",
		Status:      status,
		CreateTime:  item.Created,
		UpdateTime:  item.Updated,
	}
	for _, a := range item.Attendees {
		if a == nil {
			continue
		}
		rec.Attendees = append(rec.Attendees, calendar.Attendee{
			ID:          a.Id,
			DisplayName: a.DisplayName,
			Email:       a.Email,
			Response:    a.ResponseStatus,
		})
	}
	if item.Organizer != nil {
		rec.Organizer = item.Organizer.DisplayName
		if rec.Organizer == "" {
			rec.Organizer = item.Organizer.Email
		}
	}
	return rec
}

// list pages through the calendar within w. Cancelled events are skipped.
func (c *Client) list(ctx context.Context, op string, w calendar.Window) ([]calendar.EventRecord, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	var result []calendar.EventRecord
	err := c.call(ctx, op, func(ctx context.Context) error {
		pageToken := ""
		for page := 0; page < maxListPages; page++ {
			call := c.calendar.Events.List(c.calendarID).
				SingleEvents(true).
				ShowDeleted(false).
				OrderBy("startTime").
				Context(ctx)
			if w.TimeMin != nil {
				call = call.TimeMin(w.TimeMin.Format(time.RFC3339))
			}
			if w.TimeMax != nil {
				call = call.TimeMax(w.TimeMax.Format(time.RFC3339))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			events, err := call.Do()
			if err != nil {
				return err
			}
			for _, item := range events.Items {
				if item == nil || item.Status == "cancelled" {
					continue
				}
				result = append(result, toRecord(item))
			}

			if events.NextPageToken == "" {
				return nil
			}
			pageToken = events.NextPageToken
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryBusy lists events in the window; transparent events count as FREE.
func (c *Client) QueryBusy(ctx context.Context, w calendar.Window) ([]calendar.EventRecord, error) {
	if w.TimeMin == nil || w.TimeMax == nil {
		return nil, fmt.Errorf("%w: busy query needs both timeMin and timeMax", calendar.ErrInvalidInput)
	}
	return c.list(ctx, "QueryBusy", w)
}

func (c *Client) ListEvents(ctx context.Context, w calendar.Window) ([]calendar.EventRecord, error) {
	return c.list(ctx, "ListEvents", w)
}

func (c *Client) CreateEvent(ctx context.Context, draft calendar.EventDraft) (calendar.EventRef, error) {
	if err := draft.Validate(); err != nil {
		return calendar.EventRef{}, err
	}

	event := &gcalendar.Event{
		Summary:     draft.Summary,
		Description: draft.Description,
		Start:       toEventDateTime(draft.Start, draft.IsAllDay),
		End:         toEventDateTime(draft.End, draft.IsAllDay),
	}

	var created *gcalendar.Event
	err := c.call(ctx, "CreateEvent", func(ctx context.Context) error {
		var err error
		created, err = c.calendar.Events.Insert(c.calendarID, event).SendUpdates("all").Context(ctx).Do()
		return err
	})
	if err != nil {
		return calendar.EventRef{}, err
	}

	c.logger.Info("event created", logging.EventID(created.Id))
	return calendar.EventRef{ID: created.Id, IsAllDay: draft.IsAllDay}, nil
}

// UpdateEvent patches only the fields present in patch.
func (c *Client) UpdateEvent(ctx context.Context, ref calendar.EventRef, patch calendar.EventPatch) error {
	if ref.ID == "" {
		return fmt.Errorf("%w: event id is required", calendar.ErrInvalidInput)
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	event := &gcalendar.Event{}
	if patch.Summary != nil {
		event.Summary = *patch.Summary
		event.ForceSendFields = append(event.ForceSendFields, "Summary")
	}
	if patch.Description != nil {
		event.Description = *patch.Description
		event.ForceSendFields = append(event.ForceSendFields, "Description")
	}
	if patch.Start != nil {
		event.Start = toEventDateTime(*patch.Start, ref.IsAllDay)
	}
	if patch.End != nil {
		event.End = toEventDateTime(*patch.End, ref.IsAllDay)
	}

	err := c.call(ctx, "UpdateEvent", func(ctx context.Context) error {
		_, err := c.calendar.Events.Patch(c.calendarID, ref.ID, event).SendUpdates("all").Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Info("event updated", logging.EventID(ref.ID))
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, ref calendar.EventRef) error {
	if ref.ID == "" {
		return fmt.Errorf("%w: event id is required", calendar.ErrInvalidInput)
	}
	err := c.call(ctx, "DeleteEvent", func(ctx context.Context) error {
		return c.calendar.Events.Delete(c.calendarID, ref.ID).SendUpdates("all").Context(ctx).Do()
	})
	if err != nil {
		return err
	}
	c.logger.Info("event deleted", logging.EventID(ref.ID))
	return nil
}
