package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/notify"
	"github.com/magiccat/magiccat/internal/orchestrator"
	"github.com/magiccat/magiccat/internal/testutil"
)

func at(dateTime string) calendar.TimeSpec {
	return calendar.TimeSpec{DateTime: dateTime, TimeZone: "Asia/Shanghai"}
}

func timeField(dateTime string) map[string]any {
	return map[string]any{"dateTime": dateTime, "timeZone": "Asia/Shanghai"}
}

func TestCreate_BoundaryTouchIsAConflict(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	stack.DingTalk.AddEvent("Standup", at("2024-06-03T09:00:00+08:00"), at("2024-06-03T10:00:00+08:00"))

	res := stack.Call(t, "alice", orchestrator.ActionQuery, map[string]any{
		"timeMin": "2024-06-03T00:00:00+08:00",
		"timeMax": "2024-06-04T00:00:00+08:00",
	})
	require.Equal(t, orchestrator.KindListed, res.Kind)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Standup", res.Events[0].Summary)

	res = stack.Call(t, "alice", orchestrator.ActionCreate, map[string]any{
		"summary": "Design review",
		"start":   timeField("2024-06-03T10:00:00+08:00"),
		"end":     timeField("2024-06-03T11:00:00+08:00"),
	})
	assert.Equal(t, orchestrator.KindSchedulingConflict, res.Kind)
	assert.Contains(t, res.Message, "Standup")
	assert.Equal(t, 0, stack.DingTalk.Creates())

	res = stack.Call(t, "alice", orchestrator.ActionCreate, map[string]any{
		"summary": "Design review",
		"start":   timeField("2024-06-03T10:30:00+08:00"),
		"end":     timeField("2024-06-03T11:30:00+08:00"),
	})
	require.Equal(t, orchestrator.KindSchedulingConflict, res.Kind)

	res = stack.Call(t, "alice", orchestrator.ActionCreate, map[string]any{
		"summary": "Design review",
		"start":   timeField("2024-06-03T11:00:00+08:00"),
		"end":     timeField("2024-06-03T12:00:00+08:00"),
	})
	require.Equal(t, orchestrator.KindCreated, res.Kind)
	require.NotNil(t, res.Event)

	created, ok := stack.DingTalk.Event(res.Event.ID)
	require.True(t, ok)
	assert.Equal(t, "Design review", created.Summary)
	assert.Equal(t, 1, stack.DingTalk.Creates())

	changes := stack.Notifier.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, notify.ChangeCreated, changes[0].Kind)
	assert.Equal(t, "Design review", changes[0].Summary)
}

func TestCreate_BareInstantsAreSentWithDefaultZone(t *testing.T) {
	stack := testutil.NewStack(t, 0)

	res := stack.Call(t, "alice", orchestrator.ActionCreate, map[string]any{
		"summary": "Dentist",
		"start":   "2024-06-05T15:00:00+08:00",
		"end":     "2024-06-05T16:00:00+08:00",
	})
	require.Equal(t, orchestrator.KindCreated, res.Kind)
	require.NotNil(t, res.Event)

	stored, ok := stack.DingTalk.Event(res.Event.ID)
	require.True(t, ok)
	assert.Equal(t, "Asia/Shanghai", stored.Start.TimeZone)
	assert.Equal(t, "Asia/Shanghai", stored.End.TimeZone)
}

func TestCreate_AllDayConflictsWithTimedEvent(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	stack.DingTalk.AddEvent("Offsite", calendar.TimeSpec{Date: "2024-06-05"}, calendar.TimeSpec{Date: "2024-06-06"})

	res := stack.Call(t, "alice", orchestrator.ActionCreate, map[string]any{
		"summary": "1:1",
		"start":   timeField("2024-06-05T15:00:00+08:00"),
		"end":     timeField("2024-06-05T15:30:00+08:00"),
	})
	assert.Equal(t, orchestrator.KindSchedulingConflict, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Creates())
}

func TestDelete_RequiresConfirmation(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))
	stack.DingTalk.AddEvent("Lunch w/ Alice", at("2024-06-04T12:00:00+08:00"), at("2024-06-04T13:00:00+08:00"))

	res := stack.Call(t, "bob-fan", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	require.Equal(t, orchestrator.KindDeletionProposed, res.Kind)
	require.NotNil(t, res.Event)
	assert.Equal(t, lunch, res.Event.ID)
	assert.Contains(t, res.Message, lunch)
	assert.NotEmpty(t, res.ProposalID)
	assert.Equal(t, 0, stack.DingTalk.Deletes())

	w := stack.Do(t, http.MethodGet, "/api/users/bob-fan/pending-deletion", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"Proposed"`)

	// a different id leaves the proposal in place
	res = stack.Call(t, "bob-fan", orchestrator.ActionConfirmDelete, map[string]any{"eventId": "evt-999"})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())

	res = stack.Call(t, "bob-fan", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	require.Equal(t, orchestrator.KindDeleted, res.Kind)
	assert.Equal(t, 1, stack.DingTalk.Deletes())
	_, ok := stack.DingTalk.Event(lunch)
	assert.False(t, ok)

	res = stack.Call(t, "bob-fan", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 1, stack.DingTalk.Deletes())
}

func TestDelete_SupersededByAnotherAction(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	res := stack.Call(t, "carol", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	require.Equal(t, orchestrator.KindDeletionProposed, res.Kind)

	res = stack.Call(t, "carol", orchestrator.ActionQuery, map[string]any{})
	require.Equal(t, orchestrator.KindListed, res.Kind)
	assert.Len(t, res.Events, 1)

	res = stack.Call(t, "carol", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())
}

func TestDelete_SupersededByMalformedRequest(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	res := stack.Call(t, "carol", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	require.Equal(t, orchestrator.KindDeletionProposed, res.Kind)

	w := stack.Do(t, http.MethodPost, "/api/tool-calls", map[string]any{
		"userId":  "carol",
		"action":  orchestrator.ActionCreate,
		"payload": map[string]any{"summary": "Gym"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = stack.Do(t, http.MethodGet, "/api/users/carol/pending-deletion", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"Idle"}`, w.Body.String())

	res = stack.Call(t, "carol", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())
}

func TestDelete_PendingIsPerUser(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	res := stack.Call(t, "dave", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	require.Equal(t, orchestrator.KindDeletionProposed, res.Kind)

	res = stack.Call(t, "erin", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)

	res = stack.Call(t, "dave", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindDeleted, res.Kind)
}

func TestDelete_AbandonDiscardsProposal(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	stack.Call(t, "frank", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})

	w := stack.Do(t, http.MethodPost, "/api/users/frank/abandon", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"discarded":true}`, w.Body.String())

	res := stack.Call(t, "frank", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())
}

func TestDelete_ProposalExpires(t *testing.T) {
	stack := testutil.NewStack(t, 50*time.Millisecond)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	stack.Call(t, "gina", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	time.Sleep(100 * time.Millisecond)

	res := stack.Call(t, "gina", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())
}

func TestDelete_FailedDeleteMustBeProposedAgain(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	lunch := stack.DingTalk.AddEvent("Lunch with Bob", at("2024-06-03T12:00:00+08:00"), at("2024-06-03T13:00:00+08:00"))

	stack.Call(t, "hank", orchestrator.ActionDelete, map[string]any{"summary": "lunch with Bob"})
	stack.DingTalk.FailNext(http.MethodDelete, 1)

	w := stack.Do(t, http.MethodPost, "/api/tool-calls", map[string]any{
		"userId": "hank", "action": orchestrator.ActionConfirmDelete, "payload": map[string]any{"eventId": lunch},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	_, ok := stack.DingTalk.Event(lunch)
	assert.True(t, ok)

	res := stack.Call(t, "hank", orchestrator.ActionConfirmDelete, map[string]any{"eventId": lunch})
	assert.Equal(t, orchestrator.KindStaleConfirmation, res.Kind)
}

func TestDelete_AmbiguousAsksForClarification(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	stack.DingTalk.AddEvent("Team sync", at("2024-06-03T09:00:00+08:00"), at("2024-06-03T09:30:00+08:00"))
	stack.DingTalk.AddEvent("Team sync", at("2024-06-04T09:00:00+08:00"), at("2024-06-04T09:30:00+08:00"))

	res := stack.Call(t, "ivy", orchestrator.ActionDelete, map[string]any{"summary": "team sync"})
	assert.Equal(t, orchestrator.KindNeedsClarification, res.Kind)
	assert.Len(t, res.Events, 2)

	// nothing scores, so the user is asked rather than guessed for
	res = stack.Call(t, "ivy", orchestrator.ActionDelete, map[string]any{"summary": "board meeting"})
	assert.Equal(t, orchestrator.KindNeedsClarification, res.Kind)
	assert.Equal(t, 0, stack.DingTalk.Deletes())
}

func TestDelete_EmptyCalendarIsNotFound(t *testing.T) {
	stack := testutil.NewStack(t, 0)

	res := stack.Call(t, "ivy", orchestrator.ActionDelete, map[string]any{"summary": "board meeting"})
	assert.Equal(t, orchestrator.KindNotFound, res.Kind)

	w := stack.Do(t, http.MethodGet, "/api/users/ivy/pending-deletion", nil)
	assert.JSONEq(t, `{"state":"Idle"}`, w.Body.String())
}

func TestModify_UpdatesResolvedEvent(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	standup := stack.DingTalk.AddEvent("Standup", at("2024-06-03T09:00:00+08:00"), at("2024-06-03T09:15:00+08:00"))
	stack.DingTalk.AddEvent("Dentist", at("2024-06-04T09:00:00+08:00"), at("2024-06-04T10:00:00+08:00"))

	res := stack.Call(t, "judy", orchestrator.ActionModify, map[string]any{
		"match":   "standup",
		"summary": "Daily standup",
		"start":   timeField("2024-06-03T09:30:00+08:00"),
		"end":     timeField("2024-06-03T09:45:00+08:00"),
	})
	require.Equal(t, orchestrator.KindUpdated, res.Kind)
	require.NotNil(t, res.Event)
	assert.Equal(t, standup, res.Event.ID)

	updated, ok := stack.DingTalk.Event(standup)
	require.True(t, ok)
	assert.Equal(t, "Daily standup", updated.Summary)
	assert.Equal(t, "2024-06-03T09:30:00+08:00", updated.Start.DateTime)
}

func TestQuery_BusyOnlyAndWindow(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	stack.DingTalk.AddEvent("Standup", at("2024-06-03T09:00:00+08:00"), at("2024-06-03T10:00:00+08:00"))
	stack.DingTalk.AddEvent("Dentist", at("2024-06-10T09:00:00+08:00"), at("2024-06-10T10:00:00+08:00"))

	res := stack.Call(t, "kim", orchestrator.ActionQuery, map[string]any{
		"timeMin": "2024-06-03T00:00:00+08:00",
		"timeMax": "2024-06-04T00:00:00+08:00",
	})
	require.Equal(t, orchestrator.KindListed, res.Kind)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Standup", res.Events[0].Summary)

	res = stack.Call(t, "kim", orchestrator.ActionQuery, map[string]any{
		"timeMin":  "2024-06-03T00:00:00+08:00",
		"timeMax":  "2024-06-04T00:00:00+08:00",
		"busyOnly": true,
	})
	require.Equal(t, orchestrator.KindListed, res.Kind)
	require.Len(t, res.Events, 1)
	assert.Equal(t, calendar.StatusBusy, res.Events[0].Status)

	w := stack.Do(t, http.MethodPost, "/api/tool-calls", map[string]any{
		"userId": "kim", "action": orchestrator.ActionQuery,
		"payload": map[string]any{"timeMin": "2024-06-04T00:00:00+08:00", "timeMax": "2024-06-03T00:00:00+08:00"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTodo(t *testing.T) {
	stack := testutil.NewStack(t, 0)

	res := stack.Call(t, "liam", orchestrator.ActionCreateTodo, map[string]any{
		"subject":  "Printer on floor 3 is jammed",
		"priority": "30",
	})
	require.Equal(t, orchestrator.KindTodoCreated, res.Kind)
	assert.Equal(t, "todo-1", res.TodoID)

	todos := stack.DingTalk.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, "Printer on floor 3 is jammed", todos[0]["subject"])
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	stack := testutil.NewStack(t, 0)

	for i := 0; i < 3; i++ {
		stack.Call(t, "mia", orchestrator.ActionQuery, map[string]any{})
	}
	assert.Equal(t, 1, stack.DingTalk.TokenExchanges())
}

func TestTracesAndUsersAreRecorded(t *testing.T) {
	stack := testutil.NewStack(t, 0)
	stack.DingTalk.AddEvent("Standup", at("2024-06-03T09:00:00+08:00"), at("2024-06-03T10:00:00+08:00"))

	stack.Call(t, "nina", orchestrator.ActionQuery, map[string]any{})
	stack.Call(t, "nina", orchestrator.ActionDelete, map[string]any{"summary": "standup"})

	_, err := stack.DB.GetUser(context.Background(), "nina")
	require.NoError(t, err)

	traces, err := stack.DB.ListActionTraces(context.Background(), "nina", 0)
	require.NoError(t, err)
	require.Len(t, traces, 2)

	outcomes := map[string]string{}
	for _, tr := range traces {
		outcomes[tr.Action] = tr.Outcome
	}
	assert.Equal(t, string(orchestrator.KindListed), outcomes[orchestrator.ActionQuery])
	assert.Equal(t, string(orchestrator.KindDeletionProposed), outcomes[orchestrator.ActionDelete])

	w := stack.Do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "magiccat_")
}
