package evaluator

import (
	"slices"

	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/position"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

// Move is a ranked candidate. All signed values are from the point of view
// of the side to move in the evaluated position.
type Move struct {
	Rank      int                `json:"rank"`
	UCI       string             `json:"uci"`
	SAN       string             `json:"san"`
	Category  tablebase.Category `json:"category"`
	WDL       *int               `json:"wdl"`
	DTZ       *int               `json:"dtz"`
	DTM       *int               `json:"dtm"`
	Zeroing   bool               `json:"zeroing"`
	Checkmate bool               `json:"checkmate"`
	Stalemate bool               `json:"stalemate"`
	Quality   wdl.Quality        `json:"quality,omitempty"`
}

// Evaluation is a resolved, canonicalized and ranked position.
type Evaluation struct {
	Key                  position.Key       `json:"key"`
	FEN                  string             `json:"fen"`
	SideToMove           string             `json:"side_to_move"`
	Category             tablebase.Category `json:"category"`
	WDL                  *int               `json:"wdl"`
	DTZ                  *int               `json:"dtz"`
	DTM                  *int               `json:"dtm"`
	Outcome              wdl.Outcome        `json:"outcome"`
	Checkmate            bool               `json:"checkmate"`
	Stalemate            bool               `json:"stalemate"`
	InsufficientMaterial bool               `json:"insufficient_material"`
	Priority             string             `json:"priority"`
	Moves                []Move             `json:"moves"`
}

// Clone returns a deep copy. Cached evaluations are shared, so callers get
// clones.
func (e Evaluation) Clone() Evaluation {
	e.WDL, e.DTZ, e.DTM = cloneInt(e.WDL), cloneInt(e.DTZ), cloneInt(e.DTM)
	e.Moves = slices.Clone(e.Moves)
	for i := range e.Moves {
		e.Moves[i] = e.Moves[i].clone()
	}
	return e
}

func (m Move) clone() Move {
	m.WDL, m.DTZ, m.DTM = cloneInt(m.WDL), cloneInt(m.DTZ), cloneInt(m.DTM)
	return m
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// BestMove returns the top ranked move.
func (e Evaluation) BestMove() (Move, bool) {
	if len(e.Moves) == 0 {
		return Move{}, false
	}
	return e.Moves[0], true
}

// Find returns the move with the given coordinate notation.
func (e Evaluation) Find(uci string) (Move, bool) {
	for _, m := range e.Moves {
		if m.UCI == uci {
			return m, true
		}
	}
	return Move{}, false
}

// Assessment grades a move the trainee played.
type Assessment struct {
	FEN            string      `json:"fen"`
	Move           string      `json:"move"`
	SAN            string      `json:"san"`
	ResultFEN      string      `json:"result_fen"`
	Before         int         `json:"before"` // player's view, before the move
	After          int         `json:"after"`  // player's view, after the move
	OutcomeBefore  wdl.Outcome `json:"outcome_before"`
	OutcomeAfter   wdl.Outcome `json:"outcome_after"`
	OutcomeChanged bool        `json:"outcome_changed"`
	Quality        wdl.Quality `json:"quality"`
	Rank           int         `json:"rank,omitempty"`
	Best           *Move       `json:"best,omitempty"`
}

// Stats combines cache and network counters.
type Stats struct {
	Cache     evalcache.Stats `json:"cache"`
	Lookups   uint64          `json:"lookups"`
	Coalesced uint64          `json:"coalesced"`
	Failures  uint64          `json:"failures"`
}
