package resolver

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/magiccat/magiccat/internal/calendar"
	"github.com/magiccat/magiccat/internal/timeutil"
)

// RuleDisambiguator scores candidates by token overlap between the hint and
// each event's summary and description, plus one point when a hinted start
// time matches. The highest unique positive score wins.
type RuleDisambiguator struct {
	Location *time.Location
}

func (d RuleDisambiguator) Choose(_ context.Context, hint Hint, candidates []calendar.EventRecord) (Choice, error) {
	want := tokenSet(hint.Summary + " " + hint.Description)
	hintStart := d.parseHintTime(hint.Start)

	best, bestScore, tied := -1, 0, false
	for i, c := range candidates {
		score := 0
		have := tokenSet(c.Summary + " " + c.Description)
		for tok := range want {
			if _, ok := have[tok]; ok {
				score++
			}
		}
		if !hintStart.IsZero() && d.sameStart(hintStart, c) {
			score++
		}

		switch {
		case score > bestScore:
			best, bestScore, tied = i, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}

	if best < 0 || tied {
		return Choice{}, ErrNoDecision
	}
	return Choice{ID: candidates[best].ID, IsAllDay: candidates[best].IsAllDay}, nil
}

func (d RuleDisambiguator) loc() *time.Location {
	if d.Location == nil {
		return time.UTC
	}
	return d.Location
}

func (d RuleDisambiguator) parseHintTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _, err := timeutil.ParseLoose(s, d.loc())
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d RuleDisambiguator) sameStart(want time.Time, c calendar.EventRecord) bool {
	start, err := c.Start.Instant(d.loc())
	if err != nil {
		return false
	}
	if c.IsAllDay {
		y1, m1, d1 := want.In(d.loc()).Date()
		y2, m2, d2 := start.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	}
	return start.Equal(want)
}

// tokenSet lowercases s and splits it into words. Han characters count as
// one token each since they are not space separated.
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			set[word.String()] = struct{}{}
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			set[string(r)] = struct{}{}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return set
}
