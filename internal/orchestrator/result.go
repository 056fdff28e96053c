package orchestrator

import "github.com/magiccat/magiccat/internal/calendar"

// Kind classifies the outcome of an orchestrator call. Business rejections
// such as a scheduling conflict are kinds, not errors.
type Kind string

const (
	KindCreated            Kind = "Created"
	KindListed             Kind = "Listed"
	KindUpdated            Kind = "Updated"
	KindDeletionProposed   Kind = "DeletionProposed"
	KindDeleted            Kind = "Deleted"
	KindTodoCreated        Kind = "TodoCreated"
	KindSchedulingConflict Kind = "SchedulingConflict"
	KindNeedsClarification Kind = "NeedsClarification"
	KindNotFound           Kind = "NotFound"
	KindStaleConfirmation  Kind = "StaleConfirmation"
)

// Result is returned by every successful orchestrator call.
type Result struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Event      *calendar.EventRef     `json:"event,omitempty"`
	Events     []calendar.EventRecord `json:"events,omitempty"`
	Conflict   *calendar.EventRecord  `json:"conflict,omitempty"`
	ProposalID string                 `json:"proposalId,omitempty"`
	TodoID     string                 `json:"todoId,omitempty"`
}

func (r *Result) eventID() string {
	if r == nil || r.Event == nil {
		return ""
	}
	return r.Event.ID
}
