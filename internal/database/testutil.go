package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestDB creates an in-memory SQLite database for testing.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(":memory:")
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var testUserCounter atomic.Int64

// CreateTestUser creates a user with a unique id and email.
func CreateTestUser(t *testing.T, db *DB) *User {
	t.Helper()
	n := testUserCounter.Add(1)

	u := User{
		ID:          fmt.Sprintf("test-user-%d", n),
		DisplayName: fmt.Sprintf("Test User %d", n),
		Email:       fmt.Sprintf("testuser%d@example.com", n),
	}
	require.NoError(t, db.AddUser(context.Background(), u), "failed to create test user")
	return &u
}
