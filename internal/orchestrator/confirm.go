package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magiccat/magiccat/internal/calendar"
)

// DeletionState is the state of a session's delete confirmation.
type DeletionState int

const (
	Idle DeletionState = iota
	Proposed
	Confirmed
)

func (s DeletionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Proposed:
		return "Proposed"
	case Confirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("DeletionState(%d)", int(s))
	}
}

var (
	// ErrStaleConfirmation means there is no live proposal for the confirmed id.
	ErrStaleConfirmation = errors.New("no pending deletion matches this event")
	// ErrNotConfirmed guards Execute against skipping the confirm step.
	ErrNotConfirmed = errors.New("deletion has not been confirmed")
)

// PendingDeletion is a deletion awaiting the user's confirmation.
type PendingDeletion struct {
	ProposalID string
	EventID    string
	IsAllDay   bool
	Summary    string
	ProposedAt time.Time
}

// Prompt is the confirmation question shown to the user.
func (p PendingDeletion) Prompt() string {
	return fmt.Sprintf("Delete %q? Confirm with event id %s to proceed; nothing has been deleted yet.", p.Summary, p.EventID)
}

// DeleteConfirmation is the two-phase delete protocol of a single session.
// It is not safe for concurrent use; the owning session serialises access.
type DeleteConfirmation struct {
	state   DeletionState
	pending *PendingDeletion
	ttl     time.Duration
	now     func() time.Time
}

// NewDeleteConfirmation returns an Idle machine. A non-positive ttl disables expiry.
func NewDeleteConfirmation(ttl time.Duration, now func() time.Time) *DeleteConfirmation {
	if now == nil {
		now = time.Now
	}
	return &DeleteConfirmation{ttl: ttl, now: now}
}

// State reports the current state, treating an expired proposal as Idle.
func (c *DeleteConfirmation) State() DeletionState {
	if c.state == Proposed && c.expired() {
		return Idle
	}
	return c.state
}

// Pending returns the live proposal, if any.
func (c *DeleteConfirmation) Pending() (PendingDeletion, bool) {
	if c.State() == Idle || c.pending == nil {
		return PendingDeletion{}, false
	}
	return *c.pending, true
}

// Propose stores a new proposal for rec, replacing any earlier one.
func (c *DeleteConfirmation) Propose(rec calendar.EventRecord) PendingDeletion {
	p := PendingDeletion{
		ProposalID: uuid.NewString(),
		EventID:    rec.ID,
		IsAllDay:   rec.IsAllDay,
		Summary:    rec.Summary,
		ProposedAt: c.now(),
	}
	c.pending = &p
	c.state = Proposed
	return p
}

// Confirm moves Proposed to Confirmed when eventID matches the proposal. On a
// mismatch the proposal is left as it was.
func (c *DeleteConfirmation) Confirm(eventID string) (PendingDeletion, error) {
	if c.State() != Proposed {
		c.reset()
		return PendingDeletion{}, ErrStaleConfirmation
	}
	if c.pending.EventID != eventID {
		return PendingDeletion{}, ErrStaleConfirmation
	}
	c.state = Confirmed
	return *c.pending, nil
}

// Execute issues the delete for a confirmed proposal. The machine returns to
// Idle whatever the outcome; a failed delete must be proposed again.
func (c *DeleteConfirmation) Execute(ctx context.Context, gw calendar.Gateway) (PendingDeletion, error) {
	if c.state != Confirmed || c.pending == nil {
		return PendingDeletion{}, ErrNotConfirmed
	}
	p := *c.pending
	c.reset()

	if err := gw.DeleteEvent(ctx, calendar.EventRef{ID: p.EventID, IsAllDay: p.IsAllDay}); err != nil {
		return p, err
	}
	return p, nil
}

// Supersede discards any stored proposal. It reports whether one was stored,
// live or expired.
func (c *DeleteConfirmation) Supersede() bool {
	had := c.pending != nil
	c.reset()
	return had
}

func (c *DeleteConfirmation) hasRecord() bool {
	return c.pending != nil
}

func (c *DeleteConfirmation) reset() {
	c.state = Idle
	c.pending = nil
}

func (c *DeleteConfirmation) expired() bool {
	if c.ttl <= 0 || c.pending == nil {
		return false
	}
	return c.now().Sub(c.pending.ProposedAt) > c.ttl
}
