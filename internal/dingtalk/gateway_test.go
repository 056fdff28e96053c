package dingtalk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
)

// fakeTokens hands out "tok-N" and records invalidations.
type fakeTokens struct {
	mu          sync.Mutex
	n           int
	current     string
	invalidated []string
}

func (f *fakeTokens) AccessToken(context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		f.n++
		f.current = "tok-" + string(rune('0'+f.n))
	}
	return &oauth2.Token{AccessToken: f.current}, nil
}

func (f *fakeTokens) Invalidate(stale string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, stale)
	if f.current == stale {
		f.current = ""
	}
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Token  string
	Body   map[string]any
}

type fakeCalendar struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, n int)
	calls    atomic.Int32
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.calls.Add(1))
	rec := recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Token:  r.Header.Get(DefaultTokenHeader),
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	f.handler(w, r, n)
}

func (f *fakeCalendar) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) (*Gateway, *fakeCalendar, *fakeTokens) {
	t.Helper()
	fc := &fakeCalendar{t: t, handler: handler}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{}
	g, err := NewGateway(Config{
		BaseURL: srv.URL,
		UnionID: "union-1",
		Tokens:  tokens,
		Timeout: 500 * time.Millisecond,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	return g, fc, tokens
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func instantDraft() calendar.EventDraft {
	return calendar.EventDraft{
		Summary: "Standup",
		Start:   calendar.TimeSpec{DateTime: "2024-05-01T10:00:00+08:00", TimeZone: "Asia/Shanghai"},
		End:     calendar.TimeSpec{DateTime: "2024-05-01T10:15:00+08:00", TimeZone: "Asia/Shanghai"},
	}
}

func TestNewGateway_RequiresUnionAndTokens(t *testing.T) {
	_, err := NewGateway(Config{Tokens: &fakeTokens{}})
	assert.ErrorIs(t, err, calendar.ErrConfig)

	_, err = NewGateway(Config{UnionID: "u"})
	assert.ErrorIs(t, err, calendar.ErrConfig)
}

func TestCreateEvent(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{"id":"evt-42","summary":"Standup"}`)
	})

	ref, err := g.CreateEvent(t.Context(), instantDraft())
	require.NoError(t, err)
	assert.Equal(t, calendar.EventRef{ID: "evt-42"}, ref)

	req := fc.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1.0/calendar/users/union-1/calendars/primary/events", req.Path)
	assert.Equal(t, "tok-1", req.Token)
	assert.Equal(t, "Standup", req.Body["summary"])
	assert.Equal(t, false, req.Body["isAllDay"])
	start := req.Body["start"].(map[string]any)
	assert.Equal(t, "2024-05-01T10:00:00+08:00", start["dateTime"])
	assert.Equal(t, "Asia/Shanghai", start["timeZone"])
	assert.NotContains(t, start, "date")
}

func TestCreateEvent_AllDaySendsDatesOnly(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{"id":"evt-1"}`)
	})

	ref, err := g.CreateEvent(t.Context(), calendar.EventDraft{
		Summary:  "Holiday",
		Start:    calendar.TimeSpec{Date: "2024-06-01"},
		End:      calendar.TimeSpec{Date: "2024-06-02"},
		IsAllDay: true,
	})
	require.NoError(t, err)
	assert.True(t, ref.IsAllDay)

	body := fc.last().Body
	assert.Equal(t, map[string]any{"date": "2024-06-01"}, body["start"])
	assert.Equal(t, map[string]any{"date": "2024-06-02"}, body["end"])
}

func TestCreateEvent_InvalidDraftMakesNoCall(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	draft := instantDraft()
	draft.Summary = ""
	_, err := g.CreateEvent(t.Context(), draft)
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
	assert.Equal(t, int32(0), fc.calls.Load())
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  error
		wantCalls int32
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"invalidParameter"}`, wantKind: calendar.ErrRemoteRejected, wantCalls: 1},
		{name: "not found", status: http.StatusNotFound, body: `{"code":"eventNotFound"}`, wantKind: calendar.ErrRemoteRejected, wantCalls: 1},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantKind: calendar.ErrRemoteUnavailable, wantCalls: 1},
		{name: "bad gateway", status: http.StatusBadGateway, body: ``, wantKind: calendar.ErrRemoteUnavailable, wantCalls: 1},
		{name: "unauthorized twice", status: http.StatusUnauthorized, body: `{}`, wantKind: calendar.ErrAuth, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
				writeJSON(w, tt.status, tt.body)
			})

			err := g.DeleteEvent(t.Context(), calendar.EventRef{ID: "evt-1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Equal(t, tt.wantCalls, fc.calls.Load())

			var remote *calendar.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, "DeleteEvent", remote.Op)
			if tt.wantKind == calendar.ErrRemoteRejected {
				assert.Equal(t, tt.body, remote.Body)
			}
		})
	}
}

func TestGateway_RetriesOnceAfter401(t *testing.T) {
	g, fc, tokens := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			writeJSON(w, http.StatusUnauthorized, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"events":[]}`)
	})

	_, err := g.ListEvents(t.Context(), calendar.Window{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fc.calls.Load())
	assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
	assert.Equal(t, "tok-2", fc.last().Token)
}

func TestGateway_TimeoutIsUnavailable(t *testing.T) {
	g, _, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	g.timeout = 50 * time.Millisecond

	_, err := g.CreateEvent(t.Context(), instantDraft())
	assert.ErrorIs(t, err, calendar.ErrRemoteUnavailable)
}

func TestDeleteEvent_PushesNotification(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, g.DeleteEvent(t.Context(), calendar.EventRef{ID: "evt-9"}))
	req := fc.last()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/v1.0/calendar/users/union-1/calendars/primary/events/evt-9", req.Path)
	assert.Equal(t, "pushNotification=true", req.Query)
}

func TestListEvents_PaginatesAndMaps(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if r.URL.Query().Get("nextToken") == "" {
			writeJSON(w, http.StatusOK, `{
				"events":[
					{"id":"a","summary":"Lunch with Alice","start":{"dateTime":"2024-05-01T12:00:00+08:00","timeZone":"Asia/Shanghai"},"end":{"dateTime":"2024-05-01T13:00:00+08:00"},"status":"confirmed","organizer":{"displayName":"Me"}},
					{"id":"gone","summary":"Cancelled","status":"cancelled"}
				],
				"nextToken":"page-2"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"events":[
			{"id":"b","summary":"Holiday","start":{"date":"2024-05-02"},"end":{"date":"2024-05-03"},"isAllDay":true,"freeBusyStatus":"free",
			 "attendees":[{"id":"u1","displayName":"Bob","responseStatus":"accepted"}]}
		]}`)
	})

	w, err := calendar.ParseWindow("2024-05-01T00:00:00+08:00", "2024-05-31T00:00:00+08:00")
	require.NoError(t, err)
	events, err := g.ListEvents(t.Context(), w)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, calendar.StatusBusy, events[0].Status)
	assert.Equal(t, "Me", events[0].Organizer)
	assert.Equal(t, "b", events[1].ID)
	assert.True(t, events[1].IsAllDay)
	assert.Equal(t, calendar.StatusFree, events[1].Status)
	assert.Equal(t, "2024-05-02", events[1].Start.Date)
	require.Len(t, events[1].Attendees, 1)
	assert.Equal(t, "Bob", events[1].Attendees[0].DisplayName)

	assert.Equal(t, int32(2), fc.calls.Load())
	assert.Contains(t, fc.last().Query, "timeMin=")
}

func TestListEvents_RejectsOversizedWindow(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{"events":[]}`)
	})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := g.ListEvents(t.Context(), calendar.NewWindow(start, start.AddDate(2, 0, 0)))
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
	assert.Equal(t, int32(0), fc.calls.Load())
}

func TestQueryBusy(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{"scheduleInformation":[{"userId":"union-1","scheduleItems":[
			{"status":"BUSY","start":{"dateTime":"2024-05-01T09:00:00+08:00"},"end":{"dateTime":"2024-05-01T10:00:00+08:00"}},
			{"status":"FREE","start":{"dateTime":"2024-05-01T11:00:00+08:00"},"end":{"dateTime":"2024-05-01T12:00:00+08:00"}}
		]}]}`)
	})

	w, err := calendar.ParseWindow("2024-05-01T08:00:00+08:00", "2024-05-01T18:00:00+08:00")
	require.NoError(t, err)
	items, err := g.QueryBusy(t.Context(), w)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, calendar.StatusBusy, items[0].Status)
	assert.Equal(t, calendar.StatusFree, items[1].Status)

	req := fc.last()
	assert.Equal(t, "/v1.0/calendar/users/union-1/querySchedule", req.Path)
	assert.Equal(t, []any{"union-1"}, req.Body["userIds"])
	assert.Equal(t, "2024-05-01T08:00:00+08:00", req.Body["startTime"])
}

func TestQueryBusy_RequiresBounds(t *testing.T) {
	g, _, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {})
	_, err := g.QueryBusy(t.Context(), calendar.Window{})
	assert.ErrorIs(t, err, calendar.ErrInvalidInput)
}

func TestUpdateEvent_SendsOnlyPresentFields(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	summary := "Team sync"
	err := g.UpdateEvent(t.Context(), calendar.EventRef{ID: "evt-3"}, calendar.EventPatch{Summary: &summary})
	require.NoError(t, err)

	req := fc.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/v1.0/calendar/users/union-1/calendars/primary/events/evt-3", req.Path)
	assert.Equal(t, map[string]any{"id": "evt-3", "summary": "Team sync"}, req.Body)
}

func TestUpdateEvent_TimeFieldsCarryAllDayFlag(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	patch := calendar.EventPatch{
		Start: &calendar.TimeSpec{Date: "2024-07-01"},
		End:   &calendar.TimeSpec{Date: "2024-07-02"},
	}
	require.NoError(t, g.UpdateEvent(t.Context(), calendar.EventRef{ID: "evt-4", IsAllDay: true}, patch))

	body := fc.last().Body
	assert.Equal(t, true, body["isAllDay"])
	assert.Equal(t, map[string]any{"date": "2024-07-01"}, body["start"])
}

func TestCreateTodo(t *testing.T) {
	g, fc, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request, n int) {
		writeJSON(w, http.StatusOK, `{"id":"todo-7"}`)
	})

	id, err := g.CreateTodo(t.Context(), calendar.TodoInput{Subject: "Printer jammed", Priority: 30})
	require.NoError(t, err)
	assert.Equal(t, "todo-7", id)

	req := fc.last()
	assert.Equal(t, "/v1.0/todo/users/union-1/tasks", req.Path)
	assert.Equal(t, "Printer jammed", req.Body["subject"])
	assert.Equal(t, float64(30), req.Body["priority"])
	assert.Equal(t, map[string]any{"dingNotify": "1"}, req.Body["notifyConfigs"])
	assert.NotContains(t, req.Body, "dueTime")
}
