package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Score is an engine evaluation from the side to move's perspective.
type Score struct {
	Valid bool // false when the engine never reported a score
	Mate  bool // Value is moves to mate instead of centipawns
	Value int
}

// Result is the outcome of one search.
type Result struct {
	BestMove string // UCI notation; empty when the engine has no move
	Ponder   string
	Depth    int
	Score    Score
	PV       []string
}

// String renders the result the way it came off the wire, for diagnostics.
func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "depth %d", r.Depth)
	switch {
	case !r.Score.Valid:
		b.WriteString(" score none")
	case r.Score.Mate:
		fmt.Fprintf(&b, " score mate %d", r.Score.Value)
	default:
		fmt.Fprintf(&b, " score cp %d", r.Score.Value)
	}
	if len(r.PV) > 0 {
		b.WriteString(" pv ")
		b.WriteString(strings.Join(r.PV, " "))
	}
	best := r.BestMove
	if best == "" {
		best = "(none)"
	}
	b.WriteString(" bestmove ")
	b.WriteString(best)
	return b.String()
}

// info is the subset of a UCI "info" line we care about.
type info struct {
	depth   int
	multiPV int
	score   Score
	bound   bool
	pv      []string
}

// parseInfo parses an "info ..." line. ok is false for lines without a
// score (currmove updates, strings, hashfull-only lines).
func parseInfo(line string) (inf info, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return info{}, false, nil
	}
	inf.multiPV = 1

	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "string":
			// Free text to end of line.
			return info{}, false, nil
		case "depth":
			if i+1 >= len(fields) {
				return info{}, false, fmt.Errorf("info: depth without value")
			}
			if inf.depth, err = strconv.Atoi(fields[i+1]); err != nil {
				return info{}, false, fmt.Errorf("info: depth: %w", err)
			}
			i++
		case "multipv":
			if i+1 >= len(fields) {
				return info{}, false, fmt.Errorf("info: multipv without value")
			}
			if inf.multiPV, err = strconv.Atoi(fields[i+1]); err != nil {
				return info{}, false, fmt.Errorf("info: multipv: %w", err)
			}
			i++
		case "score":
			if i+2 >= len(fields) {
				return info{}, false, fmt.Errorf("info: truncated score")
			}
			v, convErr := strconv.Atoi(fields[i+2])
			if convErr != nil {
				return info{}, false, fmt.Errorf("info: score value: %w", convErr)
			}
			switch fields[i+1] {
			case "cp":
				inf.score = Score{Valid: true, Value: v}
			case "mate":
				inf.score = Score{Valid: true, Mate: true, Value: v}
			default:
				return info{}, false, fmt.Errorf("info: unknown score kind %q", fields[i+1])
			}
			i += 2
			if i+1 < len(fields) && (fields[i+1] == "lowerbound" || fields[i+1] == "upperbound") {
				inf.bound = true
				i++
			}
		case "pv":
			inf.pv = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		}
	}
	return inf, inf.score.Valid, nil
}

// parseBestMove parses "bestmove <move> [ponder <move>]". Engines report
// "(none)" or "0000" when the side to move has no legal move.
func parseBestMove(line string) (best, ponder string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "bestmove" {
		return "", "", fmt.Errorf("malformed bestmove line %q", line)
	}
	best = fields[1]
	if best == "(none)" || best == "0000" {
		best = ""
	}
	if len(fields) >= 4 && fields[2] == "ponder" {
		ponder = fields[3]
	}
	return best, ponder, nil
}

// resultBuilder accumulates search output until the bestmove line.
type resultBuilder struct {
	res Result
}

// add consumes one line and reports whether it was the terminating bestmove.
func (b *resultBuilder) add(line string) (done bool, err error) {
	switch {
	case strings.HasPrefix(line, "bestmove"):
		best, ponder, err := parseBestMove(line)
		if err != nil {
			return false, err
		}
		b.res.BestMove = best
		b.res.Ponder = ponder
		if best != "" && len(b.res.PV) == 0 {
			b.res.PV = []string{best}
		}
		return true, nil
	case strings.HasPrefix(line, "info"):
		inf, ok, err := parseInfo(line)
		if err != nil {
			return false, err
		}
		// Bounded scores are fail-high/low guesses; keep the last exact one.
		if !ok || inf.multiPV != 1 || inf.bound {
			return false, nil
		}
		b.res.Depth = inf.depth
		b.res.Score = inf.score
		b.res.PV = inf.pv
	}
	return false, nil
}
