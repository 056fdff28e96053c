package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/magiccat/magiccat/internal/agent"
	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/orchestrator"
	"github.com/magiccat/magiccat/internal/resolver"
)

// ErrUnknownAction is returned for actions outside the supported set.
var ErrUnknownAction = errors.New("unknown action")

// Orchestrator is the action façade the tools drive.
type Orchestrator interface {
	Create(ctx context.Context, userID string, draft calendar.EventDraft) (*orchestrator.Result, error)
	Query(ctx context.Context, userID string, window calendar.Window, busyOnly bool) (*orchestrator.Result, error)
	Modify(ctx context.Context, userID string, hint resolver.Hint, patch calendar.EventPatch) (*orchestrator.Result, error)
	Delete(ctx context.Context, userID string, hint resolver.Hint) (*orchestrator.Result, error)
	ConfirmDelete(ctx context.Context, userID, eventID string) (*orchestrator.Result, error)
	CreateTodo(ctx context.Context, userID string, todo calendar.TodoInput) (*orchestrator.Result, error)
	Abandon(userID string) bool
}

// Dispatcher turns structured {action, payload} calls into orchestrator calls.
type Dispatcher struct {
	orch Orchestrator
}

func NewDispatcher(orch Orchestrator) *Dispatcher {
	return &Dispatcher{orch: orch}
}

// Dispatch parses payload for action and runs it on behalf of userID. A
// request that fails to parse, or names an unknown action, still discards the
// user's pending deletion; only a malformed confirmDelete leaves it in place.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, action string, payload map[string]any) (*orchestrator.Result, error) {
	if payload == nil {
		payload = map[string]any{}
	}

	switch action {
	case orchestrator.ActionCreate:
		draft, err := ParseDraft(payload)
		if err != nil {
			return nil, d.rejected(userID, err)
		}
		return d.orch.Create(ctx, userID, draft)

	case orchestrator.ActionQuery:
		window, busyOnly, err := ParseQuery(payload)
		if err != nil {
			return nil, d.rejected(userID, err)
		}
		return d.orch.Query(ctx, userID, window, busyOnly)

	case orchestrator.ActionModify:
		hint, patch, err := ParseModify(payload)
		if err != nil {
			return nil, d.rejected(userID, err)
		}
		return d.orch.Modify(ctx, userID, hint, patch)

	case orchestrator.ActionDelete:
		hint, err := ParseDelete(payload)
		if err != nil {
			return nil, d.rejected(userID, err)
		}
		return d.orch.Delete(ctx, userID, hint)

	case orchestrator.ActionConfirmDelete:
		id, err := ParseConfirmDelete(payload)
		if err != nil {
			return nil, err
		}
		return d.orch.ConfirmDelete(ctx, userID, id)

	case orchestrator.ActionCreateTodo:
		todo, err := ParseTodo(payload)
		if err != nil {
			return nil, d.rejected(userID, err)
		}
		return d.orch.CreateTodo(ctx, userID, todo)

	default:
		return nil, d.rejected(userID, fmt.Errorf("%w: %q", ErrUnknownAction, action))
	}
}

// rejected discards any pending deletion of userID and returns err.
func (d *Dispatcher) rejected(userID string, err error) error {
	if userID != "" {
		d.orch.Abandon(userID)
	}
	return err
}

// Handler returns an agent tool handler running action for userID. Failures
// come back to the model as a user-facing message rather than a tool error.
func (d *Dispatcher) Handler(userID, action string) agent.ToolHandler {
	return func(ctx context.Context, input map[string]any) (string, error) {
		res, err := d.Dispatch(ctx, userID, action, input)
		if err != nil {
			if errors.Is(err, ErrUnknownAction) {
				return "", err
			}
			return marshalResult(map[string]any{
				"status": "error",
				"action": action,
				"error":  calendar.Describe(err),
			})
		}
		return marshalResult(map[string]any{
			"status": "success",
			"action": action,
			"result": res,
		})
	}
}

// Register adds every action tool to registry, bound to userID.
func (d *Dispatcher) Register(registry *agent.ToolRegistry, userID string) error {
	for _, action := range Actions() {
		tool, _ := ToolForAction(action)
		if err := registry.Register(tool, d.Handler(userID, action)); err != nil {
			return err
		}
	}
	return nil
}

func marshalResult(v map[string]any) (string, error) {
	result, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(result), nil
}
