// Package orchestrator turns routed calendar intents into conflict-checked,
// disambiguated gateway calls, including the confirm-before-delete protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/database"
	"github.com/magiccat/magiccat/internal/logging"
	"github.com/magiccat/magiccat/internal/metrics"
	"github.com/magiccat/magiccat/internal/notify"
	"github.com/magiccat/magiccat/internal/resolver"
)

// Action names used in traces, metrics and the inbound tool protocol.
const (
	ActionCreate        = "create"
	ActionQuery         = "query"
	ActionModify        = "modify"
	ActionDelete        = "delete"
	ActionConfirmDelete = "confirmDelete"
	ActionCreateTodo    = "createTodo"
)

const outcomeError = "error"

// busyQueryMargin widens the busy lookup so that backends with exclusive list
// bounds still return events touching the proposed span.
const busyQueryMargin = time.Minute

// TraceStore persists action traces.
type TraceStore interface {
	CreateActionTrace(ctx context.Context, trace database.ActionTrace) error
}

// UserStore registers users on first contact.
type UserStore interface {
	EnsureUser(ctx context.Context, id string) error
}

// ChangeNotifier is told about successful writes.
type ChangeNotifier interface {
	Notify(ctx context.Context, change notify.Change) error
}

// Config wires an Orchestrator. Gateway and Resolver are required.
type Config struct {
	Gateway    calendar.Gateway
	Tasks      calendar.TaskCreator
	Resolver   *resolver.Resolver
	Location   *time.Location
	PendingTTL time.Duration

	Traces   TraceStore
	Users    UserStore
	Notifier ChangeNotifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Now func() time.Time
}

type session struct {
	mu       sync.Mutex
	deletion *DeleteConfirmation
	refs     int // guarded by Orchestrator.mu
}

// Orchestrator is the action façade. Calls for one user run one at a time;
// different users proceed concurrently. A user's session is kept only while a
// call holds it or a deletion proposal is stored.
type Orchestrator struct {
	gateway  calendar.Gateway
	tasks    calendar.TaskCreator
	resolver *resolver.Resolver
	loc      *time.Location
	ttl      time.Duration

	traces   TraceStore
	users    UserStore
	notifier ChangeNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	lastSweep time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: calendar gateway is required", calendar.ErrConfig)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: event resolver is required", calendar.ErrConfig)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		gateway:  cfg.Gateway,
		tasks:    cfg.Tasks,
		resolver: cfg.Resolver,
		loc:      cfg.Location,
		ttl:      cfg.PendingTTL,
		traces:   cfg.Traces,
		users:    cfg.Users,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:       cfg.Now,
		sessions:  make(map[string]*session),
		lastSweep: cfg.Now(),
	}, nil
}

// acquire returns the user's session, creating it on first use. Every acquire
// is paired with a release.
func (o *Orchestrator) acquire(userID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ttl > 0 && o.now().Sub(o.lastSweep) >= o.ttl {
		o.sweepLocked()
	}
	s, ok := o.sessions[userID]
	if !ok {
		s = &session{deletion: NewDeleteConfirmation(o.ttl, o.now)}
		o.sessions[userID] = s
	}
	s.refs++
	return s
}

// release drops the session once no call holds it and it stores no proposal.
func (o *Orchestrator) release(userID string, s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.refs--
	if s.refs == 0 && !s.deletion.hasRecord() {
		delete(o.sessions, userID)
	}
}

// Sweep clears expired proposals of sessions no call holds and drops the
// sessions left empty. It returns the number of sessions dropped. Acquiring a
// session also sweeps, at most once per pending TTL.
func (o *Orchestrator) Sweep() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sweepLocked()
}

func (o *Orchestrator) sweepLocked() int {
	o.lastSweep = o.now()
	dropped := 0
	for id, s := range o.sessions {
		// refs == 0 means no goroutine holds or waits on s.mu
		if s.refs > 0 {
			continue
		}
		if s.deletion.expired() {
			s.deletion.reset()
			o.metrics.PendingDeletionCleared()
		}
		if !s.deletion.hasRecord() {
			delete(o.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		o.logger.Debug("idle sessions dropped", slog.Int("count", dropped), slog.Int("remaining", len(o.sessions)))
	}
	return dropped
}

type step func(ctx context.Context, s *session) (*Result, error)

// run serialises fn within the user's session, optionally discarding a pending
// deletion first, then records the trace and metrics.
func (o *Orchestrator) run(ctx context.Context, userID, action string, supersede bool, fn step) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", calendar.ErrInvalidInput)
	}

	s := o.acquire(userID)
	defer o.release(userID, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.users != nil {
		if err := o.users.EnsureUser(ctx, userID); err != nil {
			o.logger.Warn("failed to register user", logging.UserHash(userID), logging.Err(err))
		}
	}

	hadPending := s.deletion.hasRecord()
	if supersede && s.deletion.Supersede() {
		o.logger.Info("pending deletion superseded", logging.Operation(action), logging.UserHash(userID))
	}

	start := o.now()
	res, err := fn(ctx, s)
	elapsed := o.now().Sub(start)

	switch hasPending := s.deletion.hasRecord(); {
	case !hadPending && hasPending:
		o.metrics.PendingDeletionAdded()
	case hadPending && !hasPending:
		o.metrics.PendingDeletionCleared()
	}

	o.record(ctx, userID, action, res, err, elapsed)
	return res, err
}

func (o *Orchestrator) record(ctx context.Context, userID, action string, res *Result, err error, elapsed time.Duration) {
	outcome := outcomeError
	if err == nil && res != nil {
		outcome = string(res.Kind)
	}
	o.metrics.RecordOutcome(action, outcome)

	attrs := []any{
		logging.Operation(action),
		logging.UserHash(userID),
		slog.String("outcome", outcome),
		slog.Duration(logging.KeyDuration, elapsed),
	}
	if id := res.eventID(); id != "" {
		attrs = append(attrs, logging.EventID(id))
	}
	if err != nil {
		o.logger.Warn("action failed", append(attrs, logging.Err(err))...)
	} else {
		o.logger.Info("action completed", attrs...)
	}

	if o.traces == nil {
		return
	}
	trace := database.ActionTrace{
		UserID:    userID,
		Action:    action,
		Outcome:   outcome,
		EventID:   res.eventID(),
		Duration:  elapsed,
		CreatedAt: o.now(),
	}
	if err != nil {
		trace.Error = err.Error()
	}
	if res != nil && res.ProposalID != "" {
		trace.Details = map[string]any{"proposalId": res.ProposalID}
	}
	// a cancelled turn still deserves its trace
	if terr := o.traces.CreateActionTrace(context.WithoutCancel(ctx), trace); terr != nil {
		o.logger.Warn("failed to record action trace", logging.Operation(action), logging.Err(terr))
	}
}

func (o *Orchestrator) notify(ctx context.Context, change notify.Change) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, change); err != nil {
		o.logger.Warn("change notification failed", slog.String("kind", string(change.Kind)), logging.Err(err))
	}
}

// Create books draft unless a BUSY event overlaps it. Instants without a zone
// are sent in the default zone.
func (o *Orchestrator) Create(ctx context.Context, userID string, draft calendar.EventDraft) (*Result, error) {
	return o.run(ctx, userID, ActionCreate, true, func(ctx context.Context, _ *session) (*Result, error) {
		draft.Start, draft.End = draft.Start.InZone(o.loc), draft.End.InZone(o.loc)
		if err := draft.Validate(); err != nil {
			return nil, err
		}
		start, end, err := draft.Span(o.loc)
		if err != nil {
			return nil, err
		}

		busy, err := o.gateway.QueryBusy(ctx, calendar.NewWindow(start.Add(-busyQueryMargin), end.Add(busyQueryMargin)))
		if err != nil {
			return nil, err
		}
		if conflict, ok := calendar.FirstConflict(calendar.Span{Start: start, End: end}, busy, o.loc); ok {
			return &Result{
				Kind:     KindSchedulingConflict,
				Message:  fmt.Sprintf("The requested time overlaps %q.", conflict.Summary),
				Conflict: &conflict,
			}, nil
		}

		ref, err := o.gateway.CreateEvent(ctx, draft)
		if err != nil {
			return nil, err
		}

		o.notify(ctx, notify.Change{
			Kind:    notify.ChangeCreated,
			UserID:  userID,
			EventID: ref.ID,
			Summary: draft.Summary,
			Start:   timeLabel(draft.Start),
			End:     timeLabel(draft.End),
		})
		return &Result{
			Kind:    KindCreated,
			Message: fmt.Sprintf("Created %q.", draft.Summary),
			Event:   &ref,
		}, nil
	})
}

// Query lists events in window, or only the blocking ones when busyOnly.
func (o *Orchestrator) Query(ctx context.Context, userID string, window calendar.Window, busyOnly bool) (*Result, error) {
	return o.run(ctx, userID, ActionQuery, true, func(ctx context.Context, _ *session) (*Result, error) {
		if err := window.Validate(); err != nil {
			return nil, err
		}

		var (
			events []calendar.EventRecord
			err    error
		)
		if busyOnly {
			events, err = o.gateway.QueryBusy(ctx, window)
		} else {
			events, err = o.gateway.ListEvents(ctx, window)
		}
		if err != nil {
			return nil, err
		}

		return &Result{
			Kind:    KindListed,
			Message: fmt.Sprintf("Found %d event(s).", len(events)),
			Events:  events,
		}, nil
	})
}

// Modify resolves hint to one event and applies the present fields of patch.
func (o *Orchestrator) Modify(ctx context.Context, userID string, hint resolver.Hint, patch calendar.EventPatch) (*Result, error) {
	return o.run(ctx, userID, ActionModify, true, func(ctx context.Context, _ *session) (*Result, error) {
		if err := patch.Validate(); err != nil {
			return nil, err
		}
		window, err := patch.Window()
		if err != nil {
			return nil, err
		}

		target, res, err := o.resolve(ctx, hint, window)
		if err != nil || res != nil {
			return res, err
		}

		shaped, err := shapePatch(patch, target.IsAllDay, o.loc)
		if err != nil {
			return nil, err
		}
		if err := o.gateway.UpdateEvent(ctx, target.Ref(), shaped); err != nil {
			return nil, err
		}

		summary := target.Summary
		if shaped.Summary != nil {
			summary = *shaped.Summary
		}
		o.notify(ctx, notify.Change{
			Kind:    notify.ChangeUpdated,
			UserID:  userID,
			EventID: target.ID,
			Summary: summary,
		})
		ref := target.Ref()
		return &Result{
			Kind:    KindUpdated,
			Message: fmt.Sprintf("Updated %q.", summary),
			Event:   &ref,
		}, nil
	})
}

// Delete resolves hint and proposes the deletion. Nothing is deleted until
// ConfirmDelete.
func (o *Orchestrator) Delete(ctx context.Context, userID string, hint resolver.Hint) (*Result, error) {
	return o.run(ctx, userID, ActionDelete, true, func(ctx context.Context, s *session) (*Result, error) {
		target, res, err := o.resolve(ctx, hint, calendar.Window{})
		if err != nil || res != nil {
			return res, err
		}

		p := s.deletion.Propose(target)
		ref := target.Ref()
		return &Result{
			Kind:       KindDeletionProposed,
			Message:    p.Prompt(),
			Event:      &ref,
			ProposalID: p.ProposalID,
		}, nil
	})
}

// ConfirmDelete executes the pending deletion when eventID matches it.
func (o *Orchestrator) ConfirmDelete(ctx context.Context, userID, eventID string) (*Result, error) {
	return o.run(ctx, userID, ActionConfirmDelete, false, func(ctx context.Context, s *session) (*Result, error) {
		if _, err := s.deletion.Confirm(eventID); err != nil {
			if errors.Is(err, ErrStaleConfirmation) {
				return &Result{
					Kind:    KindStaleConfirmation,
					Message: "There is no pending deletion for that event; ask to delete it again.",
				}, nil
			}
			return nil, err
		}

		p, err := s.deletion.Execute(ctx, o.gateway)
		if err != nil {
			return nil, err
		}

		o.notify(ctx, notify.Change{
			Kind:    notify.ChangeDeleted,
			UserID:  userID,
			EventID: p.EventID,
			Summary: p.Summary,
		})
		return &Result{
			Kind:       KindDeleted,
			Message:    fmt.Sprintf("Deleted %q.", p.Summary),
			Event:      &calendar.EventRef{ID: p.EventID, IsAllDay: p.IsAllDay},
			ProposalID: p.ProposalID,
		}, nil
	})
}

// CreateTodo files a to-do with the configured task backend.
func (o *Orchestrator) CreateTodo(ctx context.Context, userID string, todo calendar.TodoInput) (*Result, error) {
	return o.run(ctx, userID, ActionCreateTodo, true, func(ctx context.Context, _ *session) (*Result, error) {
		if o.tasks == nil {
			return nil, fmt.Errorf("%w: no task backend configured", calendar.ErrConfig)
		}
		if err := todo.Validate(); err != nil {
			return nil, err
		}

		id, err := o.tasks.CreateTodo(ctx, todo)
		if err != nil {
			return nil, err
		}

		o.notify(ctx, notify.Change{Kind: notify.ChangeTodo, UserID: userID, Summary: todo.Subject})
		return &Result{
			Kind:    KindTodoCreated,
			Message: fmt.Sprintf("Created to-do %q.", todo.Subject),
			TodoID:  id,
		}, nil
	})
}

// Abandon discards the user's pending deletion when their turn is dropped.
// It reports whether a proposal was discarded.
func (o *Orchestrator) Abandon(userID string) bool {
	s := o.acquire(userID)
	defer o.release(userID, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.deletion.Supersede() {
		return false
	}
	o.metrics.PendingDeletionCleared()
	o.logger.Info("pending deletion abandoned", logging.UserHash(userID))
	return true
}

// PendingDeletion returns the user's live proposal, if any.
func (o *Orchestrator) PendingDeletion(userID string) (PendingDeletion, bool) {
	s := o.acquire(userID)
	defer o.release(userID, s)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletion.Pending()
}

// resolve lists events in window and resolves hint. Exactly one of target or
// res is meaningful: res is set when resolution ended in a business outcome.
func (o *Orchestrator) resolve(ctx context.Context, hint resolver.Hint, window calendar.Window) (calendar.EventRecord, *Result, error) {
	events, err := o.gateway.ListEvents(ctx, window)
	if err != nil {
		return calendar.EventRecord{}, nil, err
	}

	resolution := o.resolver.Resolve(ctx, hint, events)
	switch resolution.Kind {
	case resolver.Resolved:
		return resolution.Record, nil, nil
	case resolver.Ambiguous:
		return calendar.EventRecord{}, &Result{
			Kind:    KindNeedsClarification,
			Message: "Several events match; which one do you mean?",
			Events:  events,
		}, nil
	default:
		return calendar.EventRecord{}, &Result{
			Kind:    KindNotFound,
			Message: "No matching event was found.",
		}, nil
	}
}

func timeLabel(t calendar.TimeSpec) string {
	if t.IsInstant() {
		return t.DateTime
	}
	return t.Date
}
