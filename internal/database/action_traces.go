package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionTrace records one orchestrator call for later inspection.
type ActionTrace struct {
	ID        string
	UserID    string
	Action    string
	Outcome   string
	EventID   string
	Error     string
	Duration  time.Duration
	Details   map[string]any
	CreatedAt time.Time
}

func (d *DB) CreateActionTrace(ctx context.Context, trace ActionTrace) error {
	if trace.ID == "" {
		trace.ID = uuid.NewString()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now()
	}

	detailsJSON := "{}"
	if len(trace.Details) > 0 {
		if b, err := json.Marshal(trace.Details); err == nil {
			detailsJSON = string(b)
		}
	}

	_, err := d.ExecContext(ctx, `
		INSERT INTO action_traces (
			id, user_id, action, outcome, event_id, error, duration_ms, details_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		trace.ID,
		trace.UserID,
		trace.Action,
		trace.Outcome,
		trace.EventID,
		trace.Error,
		trace.Duration.Milliseconds(),
		detailsJSON,
		trace.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create action trace: %w", err)
	}
	return nil
}

// ListActionTraces returns the newest traces for a user, newest first.
func (d *DB) ListActionTraces(ctx context.Context, userID string, limit int) ([]ActionTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.QueryContext(ctx, `
		SELECT id, user_id, action, outcome, event_id, error, duration_ms, details_json, created_at
		FROM action_traces
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action traces: %w", err)
	}
	defer rows.Close()

	var traces []ActionTrace
	for rows.Next() {
		var (
			t          ActionTrace
			durationMs int64
			details    string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Action, &t.Outcome, &t.EventID, &t.Error, &durationMs, &details, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Duration = time.Duration(durationMs) * time.Millisecond
		if details != "" && details != "{}" {
			_ = json.Unmarshal([]byte(details), &t.Details)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}
