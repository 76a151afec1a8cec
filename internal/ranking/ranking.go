// Package ranking orders candidate moves best-first from tablebase metadata.
package ranking

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

// Priority selects which distance metric breaks ties between moves of the
// same WDL class first.
type Priority int

const (
	// DTMFirst prefers the fastest mate, the most instructive line.
	DTMFirst Priority = iota
	// DTZFirst prefers the line safest under the 50-move rule.
	DTZFirst
)

func (p Priority) String() string {
	switch p {
	case DTMFirst:
		return "dtm"
	case DTZFirst:
		return "dtz"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts "dtm" or "dtz".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dtm", "":
		return DTMFirst, nil
	case "dtz":
		return DTZFirst, nil
	}
	return 0, fmt.Errorf("unknown ranking priority %q (want dtm or dtz)", s)
}

// Candidate is a move with values from the mover's point of view.
type Candidate struct {
	UCI string
	WDL int
	DTZ *int
	DTM *int
}

// List is a ranked, best-first move list.
type List struct {
	Side  wdl.Outcome
	Moves []Candidate
}

// Best returns the top move.
func (l List) Best() (Candidate, bool) {
	if len(l.Moves) == 0 {
		return Candidate{}, false
	}
	return l.Moves[0], true
}

// SideOf is the outcome the mover can force: the class of the best WDL.
// A position without candidates is reported as a draw.
func SideOf(candidates []Candidate) wdl.Outcome {
	if len(candidates) == 0 {
		return wdl.Draw
	}
	best := candidates[0].WDL
	for _, c := range candidates[1:] {
		best = max(best, c.WDL)
	}
	return wdl.OutcomeOf(best)
}

// Ranker ranks with a configurable distance priority.
type Ranker struct {
	Priority Priority
}

// Rank orders candidates with the default DTM-first priority.
func Rank(candidates []Candidate, side wdl.Outcome) List {
	return Ranker{Priority: DTMFirst}.Rank(candidates, side)
}

// Rank returns a new best-first list. The input slice is left untouched.
func (r Ranker) Rank(candidates []Candidate, side wdl.Outcome) List {
	moves := slices.Clone(candidates)
	slices.SortFunc(moves, r.Compare)
	return List{Side: side, Moves: moves}
}

// Compare orders a before b when it returns a negative number.
//
// Higher WDL always wins. Within one WDL class the distances decide: winning
// and drawn classes prefer the shorter distance, the losing class prefers the
// longer one so the defender resists as long as possible. A known distance
// beats an unknown one. The coordinate notation breaks remaining ties.
func (r Ranker) Compare(a, b Candidate) int {
	if a.WDL != b.WDL {
		return cmp.Compare(b.WDL, a.WDL)
	}
	losing := a.WDL < 0

	first, second := func(c Candidate) *int { return c.DTM }, func(c Candidate) *int { return c.DTZ }
	if r.Priority == DTZFirst {
		first, second = second, first
	}
	if c := compareDistance(first(a), first(b), losing); c != 0 {
		return c
	}
	if c := compareDistance(second(a), second(b), losing); c != 0 {
		return c
	}
	return strings.Compare(a.UCI, b.UCI)
}

func compareDistance(x, y *int, losing bool) int {
	switch {
	case x == nil && y == nil:
		return 0
	case x == nil:
		return 1
	case y == nil:
		return -1
	}
	ax, ay := abs(*x), abs(*y)
	if losing {
		return cmp.Compare(ay, ax)
	}
	return cmp.Compare(ax, ay)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
