// Package resolver maps a free-form hint onto exactly one event from a
// candidate list, delegating ties to a Disambiguator.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/logging"
)

// Kind is the outcome of a resolution.
type Kind int

const (
	Resolved Kind = iota
	Ambiguous
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Resolved:
		return "Resolved"
	case Ambiguous:
		return "Ambiguous"
	case NotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrNoDecision is returned by a Disambiguator that cannot pick a single event.
var ErrNoDecision = errors.New("disambiguator cannot decide")

// Hint describes the event the user means.
type Hint struct {
	Summary     string
	Description string
	Start       string
	End         string
}

// String renders the hint in the labelled form handed to the disambiguator.
func (h Hint) String() string {
	var parts []string
	if h.Description != "" {
		parts = append(parts, "description:"+h.Description)
	}
	if h.Start != "" {
		parts = append(parts, "start:"+h.Start)
	}
	if h.End != "" {
		parts = append(parts, "end:"+h.End)
	}
	if h.Summary != "" {
		parts = append(parts, "summary:"+h.Summary)
	}
	return strings.Join(parts, ", ")
}

// IsEmpty reports whether the hint carries nothing to match on.
func (h Hint) IsEmpty() bool {
	return h.Summary == "" && h.Description == "" && h.Start == "" && h.End == ""
}

// Choice is a Disambiguator's pick.
type Choice struct {
	ID       string
	IsAllDay bool
}

// Disambiguator chooses one candidate for a hint. Implementations return
// ErrNoDecision when they cannot choose.
type Disambiguator interface {
	Choose(ctx context.Context, hint Hint, candidates []calendar.EventRecord) (Choice, error)
}

// Resolution is the result of Resolve. Ref and Record are set only when Kind
// is Resolved.
type Resolution struct {
	Kind   Kind
	Ref    calendar.EventRef
	Record calendar.EventRecord
}

// Resolver resolves hints against candidate events.
type Resolver struct {
	disambiguator Disambiguator
	logger        *slog.Logger
}

func New(d Disambiguator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		disambiguator: d,
		logger:        logging.WithOperation(logger, "resolve"),
	}
}

// Resolve never returns a reference that is not among candidates. A single
// candidate resolves without consulting the disambiguator; several are
// decided by exactly one Choose call.
func (r *Resolver) Resolve(ctx context.Context, hint Hint, candidates []calendar.EventRecord) Resolution {
	switch len(candidates) {
	case 0:
		return Resolution{Kind: NotFound}
	case 1:
		return Resolution{Kind: Resolved, Ref: candidates[0].Ref(), Record: candidates[0]}
	}

	if r.disambiguator == nil {
		return Resolution{Kind: Ambiguous}
	}

	choice, err := r.disambiguator.Choose(ctx, hint, candidates)
	if err != nil {
		if !errors.Is(err, ErrNoDecision) {
			r.logger.Warn("disambiguator failed", slog.Int("candidates", len(candidates)), logging.Err(err))
		}
		return Resolution{Kind: Ambiguous}
	}
	if choice.ID == "" {
		return Resolution{Kind: NotFound}
	}

	for _, c := range candidates {
		if c.ID == choice.ID {
			// the candidate's own all-day flag wins over the chooser's echo
			return Resolution{Kind: Resolved, Ref: c.Ref(), Record: c}
		}
	}

	r.logger.Warn("disambiguator chose an unknown event", logging.EventID(choice.ID))
	return Resolution{Kind: NotFound}
}
