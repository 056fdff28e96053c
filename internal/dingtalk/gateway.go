package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
)

const (
	BackendName = "dingtalk"

	DefaultTokenHeader = "x-acs-dingtalk-access-token"
	DefaultTimeout     = 10 * time.Second

	listPageSize = 100
	maxListPages = 50
)

// TokenSource supplies access tokens and accepts invalidation after a 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (*oauth2.Token, error)
	Invalidate(stale string)
}

// Config configures a Gateway.
type Config struct {
	BaseURL     string
	UnionID     string
	Tokens      TokenSource
	HTTPClient  *http.Client
	Timeout     time.Duration
	TokenHeader string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Gateway is the DingTalk calendar client. It implements calendar.Gateway and
// calendar.TaskCreator.
type Gateway struct {
	baseURL     string
	unionID     string
	tokens      TokenSource
	httpClient  *http.Client
	timeout     time.Duration
	tokenHeader string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

var (
	_ calendar.Gateway     = (*Gateway)(nil)
	_ calendar.TaskCreator = (*Gateway)(nil)
)

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.UnionID == "" {
		return nil, fmt.Errorf("%w: dingtalk union id not set", calendar.ErrConfig)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: dingtalk token source not set", calendar.ErrConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = DefaultTokenHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Gateway{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		unionID:     cfg.UnionID,
		tokens:      cfg.Tokens,
		httpClient:  cfg.HTTPClient,
		timeout:     cfg.Timeout,
		tokenHeader: cfg.TokenHeader,
		metrics:     cfg.Metrics,
		logger:      logging.WithBackend(cfg.Logger, BackendName),
	}, nil
}

// wire types

type wireTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type wirePerson struct {
	ID             string `json:"id,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

type wireEvent struct {
	ID             string       `json:"id"`
	Summary        string       `json:"summary"`
	Description    string       `json:"description"`
	Start          *wireTime    `json:"start"`
	End            *wireTime    `json:"end"`
	IsAllDay       bool         `json:"isAllDay"`
	Status         string       `json:"status"`
	FreeBusyStatus string       `json:"freeBusyStatus"`
	Attendees      []wirePerson `json:"attendees"`
	Organizer      *wirePerson  `json:"organizer"`
	CreateTime     string       `json:"createTime"`
	UpdateTime     string       `json:"updateTime"`
}

type listEventsResponse struct {
	Events    []wireEvent `json:"events"`
	NextToken string      `json:"nextToken"`
}

type createEventRequest struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       *wireTime `json:"start"`
	End         *wireTime `json:"end"`
	IsAllDay    bool      `json:"isAllDay"`
}

type updateEventRequest struct {
	ID          string    `json:"id"`
	Summary     *string   `json:"summary,omitempty"`
	Description *string   `json:"description,omitempty"`
	Start       *wireTime `json:"start,omitempty"`
	End         *wireTime `json:"end,omitempty"`
	IsAllDay    *bool     `json:"isAllDay,omitempty"`
}

type querySchedule struct {
	UserIDs   []string `json:"userIds"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
}

type scheduleItem struct {
	Status string   `json:"status"`
	Start  wireTime `json:"start"`
	End    wireTime `json:"end"`
}

type scheduleInformation struct {
	UserID        string         `json:"userId"`
	Error         string         `json:"error"`
	ScheduleItems []scheduleItem `json:"scheduleItems"`
}

type queryScheduleResponse struct {
	ScheduleInformation []scheduleInformation `json:"scheduleInformation"`
}

// QueryBusy asks the free/busy endpoint for the user's schedule. Both window
// bounds are required.
func (g *Gateway) QueryBusy(ctx context.Context, w calendar.Window) ([]calendar.EventRecord, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if w.TimeMin == nil || w.TimeMax == nil {
		return nil, fmt.Errorf("%w: busy query needs both timeMin and timeMax", calendar.ErrInvalidInput)
	}

	req := querySchedule{
		UserIDs:   []string{g.unionID},
		StartTime: w.TimeMin.Format(time.RFC3339),
		EndTime:   w.TimeMax.Format(time.RFC3339),
	}
	var resp queryScheduleResponse
	if err := g.do(ctx, "QueryBusy", http.MethodPost, g.userPath("querySchedule"), nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.ScheduleInformation) == 0 {
		return nil, nil
	}
	info := resp.ScheduleInformation[0]
	if info.Error != "" {
		return nil, calendar.Rejected("QueryBusy", http.StatusOK, info.Error)
	}

	records := make([]calendar.EventRecord, 0, len(info.ScheduleItems))
	for _, item := range info.ScheduleItems {
		status := calendar.StatusBusy
		if strings.EqualFold(item.Status, "FREE") {
			status = calendar.StatusFree
		}
		records = append(records, calendar.EventRecord{
			Start:    toTimeSpec(&item.Start),
			End:      toTimeSpec(&item.End),
			IsAllDay: item.Start.Date != "" && item.Start.DateTime == "",
			Status:   status,
		})
	}
	return records, nil
}

func (g *Gateway) CreateEvent(ctx context.Context, draft calendar.EventDraft) (calendar.EventRef, error) {
	if err := draft.Validate(); err != nil {
		return calendar.EventRef{}, err
	}

	req := createEventRequest{
		Summary:     draft.Summary,
		Description: draft.Description,
		Start:       fromTimeSpec(draft.Start, draft.IsAllDay),
		End:         fromTimeSpec(draft.End, draft.IsAllDay),
		IsAllDay:    draft.IsAllDay,
	}
	var created wireEvent
	if err := g.do(ctx, "CreateEvent", http.MethodPost, g.eventsPath(""), nil, req, &created); err != nil {
		return calendar.EventRef{}, err
	}
	if created.ID == "" {
		return calendar.EventRef{}, calendar.Rejected("CreateEvent", http.StatusOK, "response carried no event id")
	}

	g.logger.Info("event created", logging.EventID(created.ID))
	return calendar.EventRef{ID: created.ID, IsAllDay: draft.IsAllDay}, nil
}

// ListEvents pages through the primary calendar. An open window lists everything.
func (g *Gateway) ListEvents(ctx context.Context, w calendar.Window) ([]calendar.EventRecord, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	var records []calendar.EventRecord
	pageToken := ""
	for page := 0; page < maxListPages; page++ {
		query := url.Values{}
		query.Set("maxResults", fmt.Sprint(listPageSize))
		if w.TimeMin != nil {
			query.Set("timeMin", w.TimeMin.Format(time.RFC3339))
		}
		if w.TimeMax != nil {
			query.Set("timeMax", w.TimeMax.Format(time.RFC3339))
		}
		if pageToken != "" {
			query.Set("nextToken", pageToken)
		}

		var resp listEventsResponse
		if err := g.do(ctx, "ListEvents", http.MethodGet, g.eventsPath(""), query, nil, &resp); err != nil {
			return nil, err
		}
		for _, ev := range resp.Events {
			if strings.EqualFold(ev.Status, "cancelled") {
				continue
			}
			records = append(records, toRecord(ev))
		}

		pageToken = resp.NextToken
		if pageToken == "" {
			break
		}
	}
	return records, nil
}

// UpdateEvent sends only the fields present in patch. Time fields are sent as
// given; callers shape them to the event's all-day flag.
func (g *Gateway) UpdateEvent(ctx context.Context, ref calendar.EventRef, patch calendar.EventPatch) error {
	if ref.ID == "" {
		return fmt.Errorf("%w: event id is required", calendar.ErrInvalidInput)
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	req := updateEventRequest{
		ID:          ref.ID,
		Summary:     patch.Summary,
		Description: patch.Description,
	}
	if patch.Start != nil {
		req.Start = fromTimeSpec(*patch.Start, ref.IsAllDay)
	}
	if patch.End != nil {
		req.End = fromTimeSpec(*patch.End, ref.IsAllDay)
	}
	if req.Start != nil || req.End != nil {
		allDay := ref.IsAllDay
		req.IsAllDay = &allDay
	}

	if err := g.do(ctx, "UpdateEvent", http.MethodPut, g.eventsPath(ref.ID), nil, req, nil); err != nil {
		return err
	}
	g.logger.Info("event updated", logging.EventID(ref.ID))
	return nil
}

func (g *Gateway) DeleteEvent(ctx context.Context, ref calendar.EventRef) error {
	if ref.ID == "" {
		return fmt.Errorf("%w: event id is required", calendar.ErrInvalidInput)
	}
	query := url.Values{}
	query.Set("pushNotification", "true")
	if err := g.do(ctx, "DeleteEvent", http.MethodDelete, g.eventsPath(ref.ID), query, nil, nil); err != nil {
		return err
	}
	g.logger.Info("event deleted", logging.EventID(ref.ID))
	return nil
}

func (g *Gateway) userPath(suffix string) string {
	return fmt.Sprintf("/v1.0/calendar/users/%s/%s", url.PathEscape(g.unionID), suffix)
}

func (g *Gateway) eventsPath(eventID string) string {
	p := g.userPath("calendars/primary/events")
	if eventID != "" {
		p += "/" + url.PathEscape(eventID)
	}
	return p
}

// do performs one logical gateway call: a single request, plus exactly one
// retry with a fresh token after a 401. The whole call is bounded by g.timeout.
func (g *Gateway) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	start := time.Now()
	err := g.roundTrip(ctx, op, method, path, query, in, out)
	g.metrics.RecordGatewayCall(BackendName, op, err, time.Since(start))
	if err != nil {
		g.logger.Warn("gateway call failed", logging.Operation(op), logging.Err(err))
	}
	return err
}

func (g *Gateway) roundTrip(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	endpoint := g.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		tok, err := g.tokens.AccessToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return calendar.Unavailable(op, 0, ctx.Err())
			}
			if errors.Is(err, calendar.ErrAuth) || errors.Is(err, calendar.ErrConfig) {
				return err
			}
			return calendar.AuthFailed(op, 0, err)
		}

		status, body, err := g.send(ctx, method, endpoint, payload, tok.AccessToken)
		if err != nil {
			return calendar.Unavailable(op, 0, err)
		}

		switch {
		case status == http.StatusUnauthorized:
			if attempt == 0 {
				g.logger.Info("token refused, refreshing", logging.Operation(op))
				g.tokens.Invalidate(tok.AccessToken)
				continue
			}
			return calendar.AuthFailed(op, status, fmt.Errorf("token refused after refresh"))
		case status >= 500:
			return calendar.Unavailable(op, status, fmt.Errorf("%s", strings.TrimSpace(string(body))))
		case status >= 400:
			return calendar.Rejected(op, status, strings.TrimSpace(string(body)))
		case status < 200 || status >= 300:
			return calendar.Unavailable(op, status, fmt.Errorf("unexpected status"))
		}

		if out != nil && len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return calendar.Unavailable(op, status, fmt.Errorf("failed to parse response: %w", err))
			}
		}
		return nil
	}
}

func (g *Gateway) send(ctx context.Context, method, endpoint string, payload []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(g.tokenHeader, token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func toTimeSpec(t *wireTime) calendar.TimeSpec {
	if t == nil {
		return calendar.TimeSpec{}
	}
	return calendar.TimeSpec{Date: t.Date, DateTime: t.DateTime, TimeZone: t.TimeZone}
}

// fromTimeSpec drops the fields that do not belong to the requested kind.
func fromTimeSpec(t calendar.TimeSpec, allDay bool) *wireTime {
	if allDay {
		return &wireTime{Date: t.Date}
	}
	return &wireTime{DateTime: t.DateTime, TimeZone: t.TimeZone}
}

func toRecord(ev wireEvent) calendar.EventRecord {
	status := calendar.StatusBusy
	if strings.EqualFold(ev.FreeBusyStatus, "free") {
		status = calendar.StatusFree
	}

	rec := calendar.EventRecord{
		ID:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       toTimeSpec(ev.Start),
		End:         toTimeSpec(ev.End),
		IsAllDay:    ev.IsAllDay,
		Status:      status,
		CreateTime:  ev.CreateTime,
		UpdateTime:  ev.UpdateTime,
	}
	for _, a := range ev.Attendees {
		rec.Attendees = append(rec.Attendees, calendar.Attendee{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			Response:    a.ResponseStatus,
		})
	}
	if ev.Organizer != nil {
		rec.Organizer = ev.Organizer.DisplayName
		if rec.Organizer == "" {
			rec.Organizer = ev.Organizer.ID
		}
	}
	return rec
}
