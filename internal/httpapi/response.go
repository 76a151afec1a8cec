package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samber/lo"

	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/position"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
	"github.com/freeeve/endgametrainer/api/internal/wdl"
)

// EvaluationResponse is the JSON shape of an evaluated position.
type EvaluationResponse struct {
	FEN                  string         `json:"fen"`
	SideToMove           string         `json:"side_to_move"`
	Category             string         `json:"category"`
	WDL                  *int           `json:"wdl"`
	DTZ                  *int           `json:"dtz"`
	DTM                  *int           `json:"dtm"`
	Outcome              string         `json:"outcome"`
	Checkmate            bool           `json:"checkmate,omitempty"`
	Stalemate            bool           `json:"stalemate,omitempty"`
	InsufficientMaterial bool           `json:"insufficient_material,omitempty"`
	Priority             string         `json:"priority"`
	Best                 string         `json:"best,omitempty"` // UCI of the top move
	Summary              MoveSummary    `json:"summary"`
	Moves                []MoveResponse `json:"moves"`
}

// MoveSummary counts the moves per outcome for the mover.
type MoveSummary struct {
	Winning int `json:"winning"`
	Drawing int `json:"drawing"`
	Losing  int `json:"losing"`
	Unknown int `json:"unknown"`
}

type MoveResponse struct {
	Rank      int    `json:"rank"`
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	Category  string `json:"category"`
	WDL       *int   `json:"wdl"`
	DTZ       *int   `json:"dtz"`
	DTM       *int   `json:"dtm"`
	Zeroing   bool   `json:"zeroing,omitempty"`
	Checkmate bool   `json:"checkmate,omitempty"`
	Stalemate bool   `json:"stalemate,omitempty"`
	Quality   string `json:"quality,omitempty"`
}

// AssessmentResponse grades a played move.
type AssessmentResponse struct {
	FEN            string        `json:"fen"`
	Move           string        `json:"move"`
	SAN            string        `json:"san"`
	ResultFEN      string        `json:"result_fen"`
	Before         int           `json:"before"`
	After          int           `json:"after"`
	OutcomeBefore  string        `json:"outcome_before"`
	OutcomeAfter   string        `json:"outcome_after"`
	OutcomeChanged bool          `json:"outcome_changed"`
	Quality        string        `json:"quality"`
	Rank           int           `json:"rank,omitempty"`
	Best           *MoveResponse `json:"best,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func toMoveResponse(m evaluator.Move) MoveResponse {
	return MoveResponse{
		Rank:      m.Rank,
		UCI:       m.UCI,
		SAN:       m.SAN,
		Category:  string(m.Category),
		WDL:       m.WDL,
		DTZ:       m.DTZ,
		DTM:       m.DTM,
		Zeroing:   m.Zeroing,
		Checkmate: m.Checkmate,
		Stalemate: m.Stalemate,
		Quality:   string(m.Quality),
	}
}

// ToEvaluationResponse converts an Evaluation to its JSON form.
func ToEvaluationResponse(ev evaluator.Evaluation) EvaluationResponse {
	resp := EvaluationResponse{
		FEN:                  ev.FEN,
		SideToMove:           ev.SideToMove,
		Category:             string(ev.Category),
		WDL:                  ev.WDL,
		DTZ:                  ev.DTZ,
		DTM:                  ev.DTM,
		Outcome:              string(ev.Outcome),
		Checkmate:            ev.Checkmate,
		Stalemate:            ev.Stalemate,
		InsufficientMaterial: ev.InsufficientMaterial,
		Priority:             ev.Priority,
		Moves: lo.Map(ev.Moves, func(m evaluator.Move, _ int) MoveResponse {
			return toMoveResponse(m)
		}),
	}
	if best, ok := ev.BestMove(); ok && best.WDL != nil {
		resp.Best = best.UCI
	}

	known := lo.Filter(ev.Moves, func(m evaluator.Move, _ int) bool { return m.WDL != nil })
	byOutcome := lo.CountValuesBy(known, func(m evaluator.Move) wdl.Outcome { return wdl.OutcomeOf(*m.WDL) })
	resp.Summary = MoveSummary{
		Winning: byOutcome[wdl.Win],
		Drawing: byOutcome[wdl.Draw],
		Losing:  byOutcome[wdl.Loss],
		Unknown: len(ev.Moves) - len(known),
	}
	return resp
}

// ToAssessmentResponse converts an Assessment to its JSON form.
func ToAssessmentResponse(as evaluator.Assessment) AssessmentResponse {
	resp := AssessmentResponse{
		FEN:            as.FEN,
		Move:           as.Move,
		SAN:            as.SAN,
		ResultFEN:      as.ResultFEN,
		Before:         as.Before,
		After:          as.After,
		OutcomeBefore:  string(as.OutcomeBefore),
		OutcomeAfter:   string(as.OutcomeAfter),
		OutcomeChanged: as.OutcomeChanged,
		Quality:        string(as.Quality),
		Rank:           as.Rank,
	}
	if as.Best != nil {
		best := toMoveResponse(*as.Best)
		resp.Best = &best
	}
	return resp
}

// errorStatus maps a pipeline error to an HTTP status and a stable kind.
func errorStatus(err error) (int, string) {
	var (
		invalid   *position.InvalidError
		httpErr   *tablebase.HTTPError
		timeout   *tablebase.TimeoutError
		malformed *tablebase.MalformedResponseError
		network   *tablebase.NetworkError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_position"
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return http.StatusBadGateway, "tablebase_unavailable"
		}
		return http.StatusUnprocessableEntity, "tablebase_rejected"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "tablebase_timeout"
	case errors.As(err, &malformed):
		return http.StatusBadGateway, "tablebase_malformed"
	case errors.As(err, &network):
		return http.StatusServiceUnavailable, "tablebase_unreachable"
	case errors.Is(err, evaluator.ErrNoVerdict):
		return http.StatusUnprocessableEntity, "no_verdict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	// Don't call http.Error after setting headers - it causes "superfluous WriteHeader"
}
