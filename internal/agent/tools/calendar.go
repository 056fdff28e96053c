package tools

import (
	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/orchestrator"
)

func timeSpecProperty(description string) map[string]any {
	return agent.PropertyObject(description, map[string]any{
		"date":     agent.PropertyString("Calendar date yyyy-MM-dd, for all-day events"),
		"dateTime": agent.PropertyString("RFC3339 instant with offset, e.g. 2024-06-01T09:00:00+08:00"),
		"timeZone": agent.PropertyString("IANA zone of dateTime, e.g. Asia/Shanghai"),
	})
}

// CreateEventTool books a new event after a conflict check.
var CreateEventTool = agent.Tool{
	Name: "calendar_create",
	Description: `Creates a calendar event for the user. Start and end must both be dates (all-day,
end date exclusive) or both be dateTime instants. The event is NOT created if it overlaps
a busy event; the result then names the conflicting event.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"summary":     agent.PropertyString("Event title, at most 2048 characters"),
		"description": agent.PropertyString("Event description, at most 5000 characters. Optional."),
		"start":       timeSpecProperty("Event start"),
		"end":         timeSpecProperty("Event end"),
		"isAllDay":    agent.PropertyBool("True for all-day events. Optional; inferred from start."),
	}, []string{"summary", "start", "end"}),
}

// QueryEventsTool lists events or checks availability.
var QueryEventsTool = agent.Tool{
	Name: "calendar_query",
	Description: `Lists the user's calendar events between timeMin and timeMax (RFC3339, at most one
year apart; omit both for all events). Set busyOnly to check availability instead.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"timeMin":  agent.PropertyString("Window start, RFC3339. Optional."),
		"timeMax":  agent.PropertyString("Window end, RFC3339. Optional."),
		"busyOnly": agent.PropertyBool("Return status-annotated busy information only"),
	}, nil),
}

// ModifyEventTool updates the single event matching the request.
var ModifyEventTool = agent.Tool{
	Name: "calendar_modify",
	Description: `Changes an existing event. Describe the event to change with match (and optionally
timeMin/timeMax to narrow the search) and include only the fields that change.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"match":       agent.PropertyString("How the user refers to the event, e.g. 'lunch with Bob'"),
		"summary":     agent.PropertyString("New title. Optional."),
		"description": agent.PropertyString("New description. Optional."),
		"start":       timeSpecProperty("New start. Optional."),
		"end":         timeSpecProperty("New end. Optional."),
		"timeMin":     agent.PropertyString("Search window start, RFC3339. Optional."),
		"timeMax":     agent.PropertyString("Search window end, RFC3339. Optional."),
	}, []string{"match"}),
}

// DeleteEventTool proposes deleting the event matching the request.
var DeleteEventTool = agent.Tool{
	Name: "calendar_delete",
	Description: `Proposes deleting the event the user describes. Nothing is deleted by this call: the
result is a confirmation question naming the event id. Only after the user agrees, call
calendar_confirm_delete with that id.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"summary":     agent.PropertyString("How the user refers to the event"),
		"description": agent.PropertyString("Further details. Optional."),
		"timeMin":     agent.PropertyString("Earliest start, RFC3339. Optional."),
		"timeMax":     agent.PropertyString("Latest end, RFC3339. Optional."),
	}, []string{"summary"}),
}

// ConfirmDeleteTool executes a previously proposed deletion.
var ConfirmDeleteTool = agent.Tool{
	Name: "calendar_confirm_delete",
	Description: `Deletes the event proposed by the last calendar_delete call, once the user has
explicitly agreed. The eventId must be the id named in that proposal.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"eventId": agent.PropertyString("Id of the event named in the deletion proposal"),
	}, []string{"eventId"}),
}

// CreateTodoTool files a support ticket as a to-do.
var CreateTodoTool = agent.Tool{
	Name: "create_todo",
	Description: `Files a to-do (support ticket) for the user, e.g. when they report a problem that
someone needs to follow up on.`,
	InputSchema: agent.BuildJSONSchema("object", map[string]any{
		"subject":     agent.PropertyString("Short title of the to-do"),
		"description": agent.PropertyString("Details. Optional."),
		"dueTime":     agent.PropertyString("Due time, RFC3339. Optional."),
		"priority":    agent.PropertyEnum("Priority: 10 low, 20 normal, 30 urgent, 40 very urgent. Optional.", []string{"10", "20", "30", "40"}),
	}, []string{"subject"}),
}

var toolsByAction = map[string]agent.Tool{
	orchestrator.ActionCreate:        CreateEventTool,
	orchestrator.ActionQuery:         QueryEventsTool,
	orchestrator.ActionModify:        ModifyEventTool,
	orchestrator.ActionDelete:        DeleteEventTool,
	orchestrator.ActionConfirmDelete: ConfirmDeleteTool,
	orchestrator.ActionCreateTodo:    CreateTodoTool,
}

// Actions lists the inbound action names in a stable order.
func Actions() []string {
	return []string{
		orchestrator.ActionCreate,
		orchestrator.ActionQuery,
		orchestrator.ActionModify,
		orchestrator.ActionDelete,
		orchestrator.ActionConfirmDelete,
		orchestrator.ActionCreateTodo,
	}
}

// ToolForAction returns the tool schema serving an action.
func ToolForAction(action string) (agent.Tool, bool) {
	t, ok := toolsByAction[action]
	return t, ok
}

// ActionForTool maps a tool name back to its action.
func ActionForTool(name string) (string, bool) {
	for action, t := range toolsByAction {
		if t.Name == name {
			return action, true
		}
	}
	return "", false
}

// AllCalendarTools returns every action tool.
func AllCalendarTools() []agent.Tool {
	out := make([]agent.Tool, 0, len(toolsByAction))
	for _, action := range Actions() {
		out = append(out, toolsByAction[action])
	}
	return out
}
