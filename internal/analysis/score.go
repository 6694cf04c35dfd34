package analysis

import (
	"fmt"
	"strconv"

	"github.com/freeeve/analysisd/internal/engine"
)

// MateEvaluation is the evaluation, in pawns, reported for a forced mate.
// Positive when the side to move mates, negative when it is mated.
const MateEvaluation = 1000.0

const centipawnsPerPawn = 100

// Evaluation converts an engine score to pawns from the side to move's
// perspective. An absent score is 0.
func Evaluation(s engine.Score) float64 {
	switch {
	case !s.Valid:
		return 0
	case s.Mate && s.Value > 0:
		return MateEvaluation
	case s.Mate:
		// "mate 0" means the side to move is already mated.
		return -MateEvaluation
	default:
		return float64(s.Value) / centipawnsPerPawn
	}
}

// FormatScore renders a score for display: "+0.25", "-1.50", "#3", "#-2".
func FormatScore(s engine.Score) string {
	switch {
	case !s.Valid:
		return "?"
	case s.Mate:
		return "#" + strconv.Itoa(s.Value)
	}
	cp := s.Value
	sign := "+"
	if cp < 0 {
		sign = "-"
		cp = -cp
	}
	return fmt.Sprintf("%s%d.%02d", sign, cp/centipawnsPerPawn, cp%centipawnsPerPawn)
}
