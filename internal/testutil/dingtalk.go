package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/magiccat/magiccat/internal/calendar"
)

// FakeDingTalk is an in-memory DingTalk calendar and to-do service serving
// the open API paths the gateway uses.
type FakeDingTalk struct {
	Server *httptest.Server

	mu             sync.Mutex
	events         map[string]fakeEvent
	nextID         int
	tokenExchanges int
	creates        int
	updates        int
	deletes        int
	todos          []map[string]any
	failNext       map[string]int
}

type fakeTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type fakeEvent struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       *fakeTime `json:"start"`
	End         *fakeTime `json:"end"`
	IsAllDay    bool      `json:"isAllDay"`
	Status      string    `json:"status"`
	CreateTime  string    `json:"createTime,omitempty"`
}

// NewFakeDingTalk starts the fake; it is closed when the test ends.
func NewFakeDingTalk(t *testing.T) *FakeDingTalk {
	t.Helper()
	f := &FakeDingTalk{
		events:   make(map[string]fakeEvent),
		failNext: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/oauth2/accessToken", f.handleToken)
	mux.HandleFunc("POST /v1.0/calendar/users/{union}/querySchedule", f.authed(f.handleQuerySchedule))
	mux.HandleFunc("GET /v1.0/calendar/users/{union}/calendars/primary/events", f.authed(f.handleList))
	mux.HandleFunc("POST /v1.0/calendar/users/{union}/calendars/primary/events", f.authed(f.handleCreate))
	mux.HandleFunc("PUT /v1.0/calendar/users/{union}/calendars/primary/events/{id}", f.authed(f.handleUpdate))
	mux.HandleFunc("DELETE /v1.0/calendar/users/{union}/calendars/primary/events/{id}", f.authed(f.handleDelete))
	mux.HandleFunc("POST /v1.0/todo/users/{union}/tasks", f.authed(f.handleTodo))

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeDingTalk) URL() string {
	return f.Server.URL
}

// AddEvent stores an event as if the user had created it elsewhere and
// returns its id.
func (f *FakeDingTalk) AddEvent(summary string, start, end calendar.TimeSpec) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("evt-%d", f.nextID)
	f.events[id] = fakeEvent{
		ID:       id,
		Summary:  summary,
		Start:    &fakeTime{Date: start.Date, DateTime: start.DateTime, TimeZone: start.TimeZone},
		End:      &fakeTime{Date: end.Date, DateTime: end.DateTime, TimeZone: end.TimeZone},
		IsAllDay: start.IsDate(),
		Status:   "confirmed",
	}
	return id
}

// Event returns the stored event, if present.
func (f *FakeDingTalk) Event(id string) (calendar.EventRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return calendar.EventRecord{}, false
	}
	return ev.record(), true
}

func (f *FakeDingTalk) EventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *FakeDingTalk) TokenExchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenExchanges
}

func (f *FakeDingTalk) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *FakeDingTalk) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *FakeDingTalk) Todos() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.todos...)
}

// FailNext makes the next n calls with the given method answer 503.
func (f *FakeDingTalk) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = n
}

func (e fakeEvent) record() calendar.EventRecord {
	return calendar.EventRecord{
		ID:       e.ID,
		Summary:  e.Summary,
		Start:    calendar.TimeSpec{Date: e.Start.Date, DateTime: e.Start.DateTime, TimeZone: e.Start.TimeZone},
		End:      calendar.TimeSpec{Date: e.End.Date, DateTime: e.End.DateTime, TimeZone: e.End.TimeZone},
		IsAllDay: e.IsAllDay,
		Status:   calendar.StatusBusy,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *FakeDingTalk) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-acs-dingtalk-access-token") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "InvalidAuthentication"})
			return
		}
		f.mu.Lock()
		if f.failNext[r.Method] > 0 {
			f.failNext[r.Method]--
			f.mu.Unlock()
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "ServiceUnavailable"})
			return
		}
		f.mu.Unlock()
		next(w, r)
	}
}

func (f *FakeDingTalk) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenExchanges++
	n := f.tokenExchanges
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": fmt.Sprintf("token-%d", n), "expireIn": 7200})
}

// instant resolves a wire time for overlap checks. Dates are read in UTC+8,
// the zone the fake calendar lives in.
func instant(t *fakeTime) time.Time {
	if t.DateTime != "" {
		v, _ := time.Parse(time.RFC3339, t.DateTime)
		return v
	}
	v, _ := time.ParseInLocation(calendar.DateLayout, t.Date, time.FixedZone("CST", 8*3600))
	return v
}

func (f *FakeDingTalk) sorted() []fakeEvent {
	out := make([]fakeEvent, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeDingTalk) handleQuerySchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}
	from, _ := time.Parse(time.RFC3339, req.StartTime)
	to, _ := time.Parse(time.RFC3339, req.EndTime)

	f.mu.Lock()
	var items []map[string]any
	for _, ev := range f.sorted() {
		// touching intervals are reported; the caller decides what conflicts
		if instant(ev.Start).After(to) || instant(ev.End).Before(from) {
			continue
		}
		items = append(items, map[string]any{"status": "BUSY", "start": ev.Start, "end": ev.End})
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"scheduleInformation": []map[string]any{{"userId": r.PathValue("union"), "scheduleItems": items}},
	})
}

func (f *FakeDingTalk) handleList(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	if v := r.URL.Query().Get("timeMin"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("timeMax"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}

	f.mu.Lock()
	events := []fakeEvent{}
	for _, ev := range f.sorted() {
		if !from.IsZero() && !instant(ev.End).After(from) {
			continue
		}
		if !to.IsZero() && !instant(ev.Start).Before(to) {
			continue
		}
		events = append(events, ev)
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (f *FakeDingTalk) handleCreate(w http.ResponseWriter, r *http.Request) {
	var ev fakeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.Start == nil || ev.End == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid event"})
		return
	}

	f.mu.Lock()
	f.nextID++
	f.creates++
	ev.ID = fmt.Sprintf("evt-%d", f.nextID)
	ev.Status = "confirmed"
	f.events[ev.ID] = ev
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, ev)
}

func (f *FakeDingTalk) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Summary     *string   `json:"summary"`
		Description *string   `json:"description"`
		Start       *fakeTime `json:"start"`
		End         *fakeTime `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "event not found"})
		return
	}
	if patch.Summary != nil {
		ev.Summary = *patch.Summary
	}
	if patch.Description != nil {
		ev.Description = *patch.Description
	}
	if patch.Start != nil {
		ev.Start = patch.Start
	}
	if patch.End != nil {
		ev.End = patch.End
	}
	f.events[ev.ID] = ev
	f.updates++
	writeJSON(w, http.StatusOK, ev)
}

func (f *FakeDingTalk) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.events[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "event not found"})
		return
	}
	delete(f.events, id)
	f.deletes++
	w.WriteHeader(http.StatusOK)
}

func (f *FakeDingTalk) handleTodo(w http.ResponseWriter, r *http.Request) {
	var todo map[string]any
	if err := json.NewDecoder(r.Body).Decode(&todo); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	f.mu.Lock()
	f.todos = append(f.todos, todo)
	id := fmt.Sprintf("todo-%d", len(f.todos))
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
