package tablebase

import (
	"context"

	"github.com/freeeve/endgametrainer/api/internal/position"
)

// Category is the tablebase verdict for the side to move.
type Category string

const (
	CategoryWin         Category = "win"
	CategorySyzygyWin   Category = "syzygy-win"
	CategoryMaybeWin    Category = "maybe-win"
	CategoryCursedWin   Category = "cursed-win" // win, but the 50-move rule intervenes
	CategoryDraw        Category = "draw"
	CategoryBlessedLoss Category = "blessed-loss" // loss, but the 50-move rule saves
	CategoryMaybeLoss   Category = "maybe-loss"
	CategorySyzygyLoss  Category = "syzygy-loss"
	CategoryLoss        Category = "loss"
	CategoryUnknown     Category = "unknown"
)

// WDL scale used throughout: 2 win, 1 cursed win, 0 draw, -1 blessed loss, -2 loss.
const (
	WDLLoss        = -2
	WDLBlessedLoss = -1
	WDLDraw        = 0
	WDLCursedWin   = 1
	WDLWin         = 2
)

// WDL maps a category to the signed scale. ok is false for unknown.
func (c Category) WDL() (wdl int, ok bool) {
	switch c {
	case CategoryWin, CategorySyzygyWin:
		return WDLWin, true
	case CategoryMaybeWin, CategoryCursedWin:
		return WDLCursedWin, true
	case CategoryDraw:
		return WDLDraw, true
	case CategoryBlessedLoss, CategoryMaybeLoss:
		return WDLBlessedLoss, true
	case CategoryLoss, CategorySyzygyLoss:
		return WDLLoss, true
	default:
		return 0, false
	}
}

// Valid reports whether c is a category the service is known to send.
func (c Category) Valid() bool {
	if c == CategoryUnknown {
		return true
	}
	_, ok := c.WDL()
	return ok
}

// RawResult is one validated response of the tablebase service. All values
// are from the point of view of the side to move in the queried position.
type RawResult struct {
	Category             Category
	WDL                  *int
	DTZ                  *int
	DTM                  *int
	Checkmate            bool
	Stalemate            bool
	InsufficientMaterial bool
	Moves                []RawMove
}

// RawMove describes one legal move. Its WDL, DTZ and DTM are from the point of
// view of the side to move after the move is played, i.e. the opponent.
type RawMove struct {
	UCI       string
	SAN       string
	Category  Category
	WDL       *int
	DTZ       *int
	DTM       *int
	Zeroing   bool
	Checkmate bool
	Stalemate bool
}

// Prober looks positions up in a tablebase.
type Prober interface {
	Lookup(ctx context.Context, key position.Key) (*RawResult, error)
	Healthy(ctx context.Context) bool
}
