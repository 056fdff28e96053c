package gcal

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/tasks/v1"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

// priorityLabels mirrors the to-do priority scale in the task notes, since
// Google Tasks has no priority field.
var priorityLabels = map[int]string{
	10: "low",
	20: "normal",
	30: "urgent",
	40: "very urgent",
}

// CreateTodo inserts a task into the default task list.
func (c *Client) CreateTodo(ctx context.Context, todo calendar.TodoInput) (string, error) {
	if err := todo.Validate(); err != nil {
		return "", err
	}

	task := &tasks.Task{
		Title: todo.Subject,
		Notes: todo.Description,
	}
	if label, ok := priorityLabels[todo.Priority]; ok {
		if task.Notes != "" {
			task.Notes += "\n"
		}
		task.Notes += fmt.Sprintf("Priority: %s", label)
	}
	if todo.DueTime > 0 {
		task.Due = time.UnixMilli(todo.DueTime).UTC().Format(time.RFC3339)
	}

	var created *tasks.Task
	err := c.call(ctx, "CreateTodo", func(ctx context.Context) error {
		var err error
		created, err = c.tasks.Tasks.Insert(defaultTaskList, task).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("todo created", logging.EventID(created.Id))
	return created.Id, nil
}
