package evaluator

import (
	"slices"
	"strings"

	"github.com/freeeve/endgametrainer/api/internal/position"
	"github.com/freeeve/endgametrainer/api/internal/ranking"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

// canonicalize turns a raw lookup into an Evaluation from the mover's point of
// view and ranks its moves. The service reports each move from the opponent's
// side, so every per-move value is flipped exactly once here.
func canonicalize(pos *position.Position, raw *tablebase.RawResult, ranker ranking.Ranker) Evaluation {
	ev := Evaluation{
		Key:                  pos.Key(),
		FEN:                  pos.Key().FEN(),
		SideToMove:           pos.SideToMove(),
		Category:             raw.Category,
		WDL:                  copyInt(raw.WDL),
		DTZ:                  copyInt(raw.DTZ),
		DTM:                  copyInt(raw.DTM),
		Checkmate:            raw.Checkmate,
		Stalemate:            raw.Stalemate,
		InsufficientMaterial: raw.InsufficientMaterial,
		Priority:             ranker.Priority.String(),
	}

	byUCI := make(map[string]Move, len(raw.Moves))
	candidates := make([]ranking.Candidate, 0, len(raw.Moves))
	var unknown []string

	for _, rm := range raw.Moves {
		m := Move{
			UCI:       rm.UCI,
			SAN:       rm.SAN,
			Category:  wdl.FlipCategory(rm.Category),
			DTZ:       wdl.FlipOptional(rm.DTZ),
			DTM:       wdl.FlipOptional(rm.DTM),
			Zeroing:   rm.Zeroing,
			Checkmate: rm.Checkmate,
			Stalemate: rm.Stalemate,
		}
		if rm.WDL != nil {
			var after int
			if raw.WDL != nil {
				var before int
				before, after = wdl.ConvertToPlayerPerspective(*raw.WDL, *rm.WDL)
				m.Quality = wdl.ClassifyMoveQuality(before, after)
			} else {
				after = wdl.FlipPerspective(*rm.WDL)
			}
			m.WDL = &after
			candidates = append(candidates, ranking.Candidate{UCI: m.UCI, WDL: after, DTZ: m.DTZ, DTM: m.DTM})
		} else {
			unknown = append(unknown, m.UCI)
		}
		byUCI[m.UCI] = m
	}

	side := ranking.SideOf(candidates)
	if raw.WDL != nil {
		side = wdl.OutcomeOf(*raw.WDL)
	}
	ev.Outcome = side

	ranked := ranker.Rank(candidates, side)
	// moves without a verdict go last, in a stable order
	slices.SortFunc(unknown, strings.Compare)

	ev.Moves = make([]Move, 0, len(raw.Moves))
	for _, c := range ranked.Moves {
		ev.Moves = append(ev.Moves, byUCI[c.UCI])
	}
	for _, uci := range unknown {
		ev.Moves = append(ev.Moves, byUCI[uci])
	}
	for i := range ev.Moves {
		ev.Moves[i].Rank = i + 1
	}
	return ev
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
