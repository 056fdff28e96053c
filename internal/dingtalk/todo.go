package dingtalk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

type notifyConfigs struct {
	DingNotify string `json:"dingNotify"`
}

type createTodoRequest struct {
	Subject       string        `json:"subject"`
	DueTime       int64         `json:"dueTime,omitempty"`
	Description   string        `json:"description,omitempty"`
	Priority      int           `json:"priority,omitempty"`
	NotifyConfigs notifyConfigs `json:"notifyConfigs"`
}

type createTodoResponse struct {
	ID string `json:"id"`
}

// CreateTodo files a to-do for the user with a DingTalk notification.
func (g *Gateway) CreateTodo(ctx context.Context, todo calendar.TodoInput) (string, error) {
	if err := todo.Validate(); err != nil {
		return "", err
	}

	req := createTodoRequest{
		Subject:       todo.Subject,
		DueTime:       todo.DueTime,
		Description:   todo.Description,
		Priority:      todo.Priority,
		NotifyConfigs: notifyConfigs{DingNotify: "1"},
	}
	path := fmt.Sprintf("/v1.0/todo/users/%s/tasks", url.PathEscape(g.unionID))

	var resp createTodoResponse
	if err := g.do(ctx, "CreateTodo", http.MethodPost, path, nil, req, &resp); err != nil {
		return "", err
	}
	g.logger.Info("todo created", logging.EventID(resp.ID))
	return resp.ID, nil
}
