// Package position turns user supplied FEN strings into normalized cache keys.
package position

import (
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// MaxPieces is the largest piece count the remote tablebase covers.
const MaxPieces = 7

// Key identifies a position for caching: placement, side to move, castling
// rights and en-passant square. Move counters are not part of the key so
// positions reached at different points of a game share one entry.
type Key string

// InvalidError reports a FEN that cannot be looked up.
type InvalidError struct {
	FEN    string
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid position %q: %s: %v", e.FEN, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid position %q: %s", e.FEN, e.Reason)
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Position is a parsed, validated position.
type Position struct {
	key Key
	pos *chess.Position
}

// Parse validates fen and builds its Key. Underscores are accepted in place of
// spaces, matching the URL form the tablebase service itself uses.
func Parse(fen string) (*Position, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(fen, "_", " "))
	if raw == "" {
		return nil, &InvalidError{FEN: fen, Reason: "empty"}
	}
	fields := strings.Fields(raw)
	switch len(fields) {
	case 4:
		// counters omitted
		fields = append(fields, "0", "1")
	case 6:
	default:
		return nil, &InvalidError{FEN: fen, Reason: fmt.Sprintf("expected 4 or 6 fields, got %d", len(fields))}
	}

	opt, err := chess.FEN(strings.Join(fields, " "))
	if err != nil {
		return nil, &InvalidError{FEN: fen, Reason: "parse", Err: err}
	}
	pos := chess.NewGame(opt).Position()

	var whiteKings, blackKings, pieces int
	for _, p := range pos.Board().SquareMap() {
		if p == chess.NoPiece {
			continue
		}
		pieces++
		if p.Type() == chess.King {
			if p.Color() == chess.White {
				whiteKings++
			} else {
				blackKings++
			}
		}
	}
	if whiteKings != 1 || blackKings != 1 {
		return nil, &InvalidError{FEN: fen, Reason: "each side needs exactly one king"}
	}
	if pieces > MaxPieces {
		return nil, &InvalidError{FEN: fen, Reason: fmt.Sprintf("%d pieces, tablebase covers at most %d", pieces, MaxPieces)}
	}

	return &Position{key: keyOf(pos), pos: pos}, nil
}

func keyOf(pos *chess.Position) Key {
	ep := "-"
	if sq := pos.EnPassantSquare(); sq != chess.NoSquare {
		ep = sq.String()
	}
	return Key(fmt.Sprintf("%s %s %s %s", pos.Board().String(), pos.Turn().String(), pos.CastleRights().String(), ep))
}

// Key returns the normalized cache key.
func (p *Position) Key() Key { return p.key }

// WhiteToMove reports the side to move.
func (p *Position) WhiteToMove() bool { return p.pos.Turn() == chess.White }

// SideToMove returns "w" or "b".
func (p *Position) SideToMove() string { return p.pos.Turn().String() }

// Play applies a move given in coordinate notation (e2e4, e7e8q) and returns
// the resulting position together with the move's SAN.
func (p *Position) Play(uci string) (*Position, string, error) {
	mv, err := chess.UCINotation{}.Decode(p.pos, uci)
	if err != nil {
		return nil, "", &InvalidError{FEN: string(p.key), Reason: "bad move " + uci, Err: err}
	}
	// ValidMoves carries the check/capture tags SAN encoding relies on.
	var legal *chess.Move
	for _, m := range p.pos.ValidMoves() {
		if m.String() == mv.String() {
			legal = m
			break
		}
	}
	if legal == nil {
		return nil, "", &InvalidError{FEN: string(p.key), Reason: "illegal move " + uci}
	}
	san := chess.AlgebraicNotation{}.Encode(p.pos, legal)
	next := p.pos.Update(legal)
	return &Position{key: keyOf(next), pos: next}, san, nil
}

// FEN renders the key as a full FEN with reset move counters.
func (k Key) FEN() string {
	return string(k) + " 0 1"
}

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }
