package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUserNotFound is returned when no user has the requested id.
var ErrUserNotFound = errors.New("user not found")

// User is a chat user known to the assistant.
type User struct {
	ID          string
	DisplayName string
	Email       string
	Timezone    string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// AddUser inserts or replaces the profile fields of a user.
func (d *DB) AddUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := d.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, timezone)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			timezone = excluded.timezone,
			last_seen_at = CURRENT_TIMESTAMP
	`, u.ID, u.DisplayName, u.Email, u.Timezone)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// EnsureUser records that a user was seen, creating a bare row on first contact.
func (d *DB) EnsureUser(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := d.ExecContext(ctx, `
		INSERT INTO users (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = CURRENT_TIMESTAMP
	`, id)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// GetUser returns a user by id.
func (d *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := d.QueryRowContext(ctx, `
		SELECT id, display_name, email, timezone, created_at, last_seen_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.DisplayName, &u.Email, &u.Timezone, &u.CreatedAt, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns every user ordered by id.
func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id, display_name, email, timezone, created_at, last_seen_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.Timezone, &u.CreatedAt, &u.LastSeenAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user and their traces.
func (d *DB) DeleteUser(ctx context.Context, id string) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_traces WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user traces: %w", err)
	}
	return tx.Commit()
}

// GetUserEmail returns the notification address of a user, or "" if unknown.
func (d *DB) GetUserEmail(ctx context.Context, id string) (string, error) {
	u, err := d.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Email, nil
}
