// Package wdl converts tablebase values between perspectives and classifies
// moves by how they change the outcome.
//
// Every perspective flip in the module goes through this package. Functions
// that compare a before and an after value expect both from the same side's
// point of view; use ConvertToPlayerPerspective first when the after value
// was taken with the opponent to move.
package wdl

import "github.com/freeeve/endgametrainer/api/internal/tablebase"

// Outcome is the coarse result of a position for one side.
type Outcome string

const (
	Win  Outcome = "win"
	Draw Outcome = "draw"
	Loss Outcome = "loss"
)

// Quality grades a single move.
type Quality string

const (
	Blunder Quality = "blunder"
	Mistake Quality = "mistake"
	Good    Quality = "good"
	Best    Quality = "best"
)

// RawToCanonical reduces a signed value to -1, 0 or 1.
func RawToCanonical(raw int) int {
	switch {
	case raw > 0:
		return 1
	case raw < 0:
		return -1
	}
	return 0
}

// OutcomeOf classifies a signed value.
func OutcomeOf(v int) Outcome {
	switch RawToCanonical(v) {
	case 1:
		return Win
	case -1:
		return Loss
	}
	return Draw
}

// FlipPerspective re-expresses v from the other side's point of view.
func FlipPerspective(v int) int {
	return -v
}

// FlipOptional flips a nullable DTZ/DTM. nil stays nil.
func FlipOptional(v *int) *int {
	if v == nil {
		return nil
	}
	f := FlipPerspective(*v)
	return &f
}

// FlipCategory returns the category as seen by the other side.
func FlipCategory(c tablebase.Category) tablebase.Category {
	switch c {
	case tablebase.CategoryWin:
		return tablebase.CategoryLoss
	case tablebase.CategorySyzygyWin:
		return tablebase.CategorySyzygyLoss
	case tablebase.CategoryMaybeWin:
		return tablebase.CategoryMaybeLoss
	case tablebase.CategoryCursedWin:
		return tablebase.CategoryBlessedLoss
	case tablebase.CategoryBlessedLoss:
		return tablebase.CategoryCursedWin
	case tablebase.CategoryMaybeLoss:
		return tablebase.CategoryMaybeWin
	case tablebase.CategorySyzygyLoss:
		return tablebase.CategorySyzygyWin
	case tablebase.CategoryLoss:
		return tablebase.CategoryWin
	}
	return c
}

// ConvertToPlayerPerspective takes before (player to move) and after (opponent
// to move) and returns both from the player's point of view.
func ConvertToPlayerPerspective(before, after int) (int, int) {
	return before, FlipPerspective(after)
}

// IsWinToDrawOrLoss reports a move that gave away a win.
func IsWinToDrawOrLoss(before, after int) bool {
	return before > 0 && after <= 0
}

// IsDrawToLoss reports a move that turned a draw into a loss.
func IsDrawToLoss(before, after int) bool {
	return before == 0 && after < 0
}

// DidOutcomeChange reports whether a move worsened the outcome class.
func DidOutcomeChange(before, after int) bool {
	return IsWinToDrawOrLoss(before, after) || IsDrawToLoss(before, after)
}

// ClassifyMoveQuality grades a move from same-perspective values. Dropping to
// a loss is a blunder, a win thrown to a draw is a mistake, an improved
// outcome class is good and everything that keeps the class is best.
func ClassifyMoveQuality(before, after int) Quality {
	if DidOutcomeChange(before, after) {
		if after < 0 {
			return Blunder
		}
		return Mistake
	}
	if RawToCanonical(after) > RawToCanonical(before) {
		return Good
	}
	return Best
}
