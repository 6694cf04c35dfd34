// Package board validates FEN strings and exposes the legal-move facts the
// analysis service needs about a position.
package board

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/notnil/chess"
)

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrInvalidFEN is returned (wrapped) for any string that is not a usable FEN.
var ErrInvalidFEN = errors.New("invalid FEN")

// Status is the terminal state of a position.
type Status int

const (
	StatusNormal Status = iota
	StatusCheckmate
	StatusStalemate
)

func (s Status) String() string {
	switch s {
	case StatusCheckmate:
		return "checkmate"
	case StatusStalemate:
		return "stalemate"
	default:
		return "normal"
	}
}

// Position is an immutable, validated chess position. The zero value is not
// a valid position; obtain one from Parse.
//
// Legal moves are computed once at parse time, so a Position can be shared
// between goroutines freely.
type Position struct {
	fen         string
	whiteToMove bool
	legal       []string
	status      Status
}

// Parse validates fen and returns the corresponding Position.
// FENs with only the first four fields (no move counters) are accepted and
// completed with "0 1".
func Parse(fen string) (Position, error) {
	fields := strings.Fields(fen)
	switch len(fields) {
	case 4:
		fields = append(fields, "0", "1")
	case 6:
	default:
		return Position{}, fmt.Errorf("%w: expected 4 or 6 fields, got %d", ErrInvalidFEN, len(fields))
	}
	if !validPlacement(fields[0]) {
		return Position{}, fmt.Errorf("%w: piece placement %q", ErrInvalidFEN, fields[0])
	}
	if fields[1] != "w" && fields[1] != "b" {
		return Position{}, fmt.Errorf("%w: side to move %q", ErrInvalidFEN, fields[1])
	}

	opt, err := chess.FEN(strings.Join(fields, " "))
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	pos := chess.NewGame(opt).Position()
	if err := checkReachable(pos, fields[2], fields[3]); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}

	moves := pos.ValidMoves()
	legal := make([]string, 0, len(moves))
	for _, m := range moves {
		legal = append(legal, chess.UCINotation{}.Encode(pos, m))
	}
	sort.Strings(legal)

	status := StatusNormal
	switch pos.Status() {
	case chess.Checkmate:
		status = StatusCheckmate
	case chess.Stalemate:
		status = StatusStalemate
	}

	return Position{
		fen:         pos.String(),
		whiteToMove: pos.Turn() == chess.White,
		legal:       legal,
		status:      status,
	}, nil
}

// FEN returns the canonical six-field FEN of the position.
func (p Position) FEN() string { return p.fen }

// WhiteToMove reports whether white is the side to move.
func (p Position) WhiteToMove() bool { return p.whiteToMove }

// Status returns the terminal state of the position.
func (p Position) Status() Status { return p.status }

// LegalMoves returns the legal moves in UCI notation, sorted.
func (p Position) LegalMoves() []string {
	out := make([]string, len(p.legal))
	copy(out, p.legal)
	return out
}

// HasLegalMoves reports whether the side to move has any legal move.
func (p Position) HasLegalMoves() bool { return len(p.legal) > 0 }

// IsLegal reports whether uci (e.g. "e2e4", "e7e8q") is a legal move here.
func (p Position) IsLegal(uci string) bool {
	i := sort.SearchStrings(p.legal, uci)
	return i < len(p.legal) && p.legal[i] == uci
}

// Valid reports whether p was produced by Parse.
func (p Position) Valid() bool { return p.fen != "" }

// validPlacement checks eight ranks of eight squares each, one king per
// side and no pawns on the back ranks. The chess library is lenient about
// all of these.
func validPlacement(placement string) bool {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return false
	}
	if strings.Count(placement, "K") != 1 || strings.Count(placement, "k") != 1 {
		return false
	}
	if strings.ContainsAny(ranks[0], "Pp") || strings.ContainsAny(ranks[7], "Pp") {
		return false
	}
	for _, rank := range ranks {
		squares := 0
		for _, ch := range rank {
			switch {
			case ch >= '1' && ch <= '8':
				squares += int(ch - '0')
			case strings.ContainsRune("PNBRQKpnbrqk", ch):
				squares++
			default:
				return false
			}
		}
		if squares != 8 {
			return false
		}
	}
	return true
}

// checkReachable rejects positions the chess library accepts but no game
// can produce. Engines are free to crash on them.
func checkReachable(pos *chess.Position, castling, enPassant string) error {
	var sq [64]chess.Piece
	for s, p := range pos.Board().SquareMap() {
		sq[s] = p
	}
	mover := pos.Turn()

	if attacked(&sq, kingSquare(&sq, mover.Other()), mover) {
		return errors.New("side not to move is in check")
	}

	if castling != "-" {
		for _, r := range castling {
			c, king, rook := castlingSquares(r)
			if king < 0 {
				return fmt.Errorf("castling right %q", r)
			}
			if sq[king] != chess.NewPiece(chess.King, c) || sq[rook] != chess.NewPiece(chess.Rook, c) {
				return fmt.Errorf("castling right %q without king and rook at home", r)
			}
		}
	}

	if enPassant != "-" {
		if len(enPassant) != 2 || enPassant[0] < 'a' || enPassant[0] > 'h' {
			return fmt.Errorf("en passant square %q", enPassant)
		}
		file := int(enPassant[0] - 'a')
		// The pawn that just moved belongs to the side not to move.
		rank, dir := 5, -1
		if mover == chess.Black {
			rank, dir = 2, 1
		}
		if enPassant[1] != byte('1'+rank) {
			return fmt.Errorf("en passant square %q on wrong rank", enPassant)
		}
		passed := rank*8 + file
		landed := (rank+dir)*8 + file
		origin := (rank-dir)*8 + file
		if sq[passed] != chess.NoPiece || sq[origin] != chess.NoPiece ||
			sq[landed] != chess.NewPiece(chess.Pawn, mover.Other()) {
			return fmt.Errorf("en passant square %q without a double pawn push", enPassant)
		}
	}
	return nil
}

// castlingSquares maps a FEN castling letter to its colour, king square and
// rook square. king is -1 for an unknown letter.
func castlingSquares(r rune) (c chess.Color, king, rook int) {
	switch r {
	case 'K':
		return chess.White, 4, 7
	case 'Q':
		return chess.White, 4, 0
	case 'k':
		return chess.Black, 60, 63
	case 'q':
		return chess.Black, 60, 56
	}
	return chess.NoColor, -1, -1
}

func kingSquare(sq *[64]chess.Piece, c chess.Color) int {
	want := chess.NewPiece(chess.King, c)
	for i, p := range sq {
		if p == want {
			return i
		}
	}
	return -1
}

var (
	knightSteps   = [8][2]int{{1, 2}, {2, 1}, {2, -1}, {1, -2}, {-1, -2}, {-2, -1}, {-2, 1}, {-1, 2}}
	kingSteps     = [8][2]int{{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1}}
	straightSteps = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	diagonalSteps = [4][2]int{{1, 1}, {-1, 1}, {-1, -1}, {1, -1}}
)

// attacked reports whether any piece of colour by attacks target.
func attacked(sq *[64]chess.Piece, target int, by chess.Color) bool {
	if target < 0 {
		return false
	}
	tf, tr := target%8, target/8
	at := func(f, r int) chess.Piece {
		if f < 0 || f > 7 || r < 0 || r > 7 {
			return chess.NoPiece
		}
		return sq[r*8+f]
	}
	is := func(p chess.Piece, types ...chess.PieceType) bool {
		if p == chess.NoPiece || p.Color() != by {
			return false
		}
		for _, t := range types {
			if p.Type() == t {
				return true
			}
		}
		return false
	}

	for _, d := range knightSteps {
		if is(at(tf+d[0], tr+d[1]), chess.Knight) {
			return true
		}
	}
	for _, d := range kingSteps {
		if is(at(tf+d[0], tr+d[1]), chess.King) {
			return true
		}
	}
	// A white pawn attacks upward, so it sits one rank below its target.
	pr := tr - 1
	if by == chess.Black {
		pr = tr + 1
	}
	if is(at(tf-1, pr), chess.Pawn) || is(at(tf+1, pr), chess.Pawn) {
		return true
	}

	ray := func(steps [4][2]int, types ...chess.PieceType) bool {
		for _, d := range steps {
			for f, r := tf+d[0], tr+d[1]; f >= 0 && f <= 7 && r >= 0 && r <= 7; f, r = f+d[0], r+d[1] {
				if p := at(f, r); p != chess.NoPiece {
					if is(p, types...) {
						return true
					}
					break
				}
			}
		}
		return false
	}
	return ray(straightSteps, chess.Rook, chess.Queen) || ray(diagonalSteps, chess.Bishop, chess.Queen)
}
