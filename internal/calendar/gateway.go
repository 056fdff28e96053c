// Package calendar holds the data model, error taxonomy and gateway contract
// shared by the calendar backends, plus the pure conflict checker.
package calendar

import "context"

// Gateway is the typed client for the external calendar of record.
type Gateway interface {
	// QueryBusy returns status-annotated events overlapping the window.
	QueryBusy(ctx context.Context, w Window) ([]EventRecord, error)
	CreateEvent(ctx context.Context, draft EventDraft) (EventRef, error)
	ListEvents(ctx context.Context, w Window) ([]EventRecord, error)
	// UpdateEvent sends only the fields present in patch.
	UpdateEvent(ctx context.Context, ref EventRef, patch EventPatch) error
	DeleteEvent(ctx context.Context, ref EventRef) error
}

// TaskCreator files a to-do on the user's behalf.
type TaskCreator interface {
	CreateTodo(ctx context.Context, todo TodoInput) (string, error)
}
