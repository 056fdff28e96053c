package notify

import "context"

// ChangeKind names the calendar write that triggered a notification.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeTodo    ChangeKind = "todo"
)

// Change describes a successful write made on a user's behalf.
type Change struct {
	Kind    ChangeKind
	UserID  string
	EventID string
	Summary string
	Start   string
	End     string
}

// Notifier sends change notifications to a specific recipient
type Notifier interface {
	// Send sends a notification for a change to the specified recipient
	Send(ctx context.Context, change *Change, recipient string) error
	// Name returns the notifier type name (for logging)
	Name() string
	// IsConfigured returns true if the notifier has server-side config
	IsConfigured() bool
}
