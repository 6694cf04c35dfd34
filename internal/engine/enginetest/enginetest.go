// Package enginetest provides a scripted UCI engine for tests. The engine
// runs inside the test binary itself: Main turns the binary into the engine
// when the mode variable is set, and Path returns the binary to launch.
//
// The scripted engine plays the first legal move (sorted UCI order) and
// reports a centipawn score equal to the number of legal moves, so a result
// can always be traced back to the position it was computed for.
package enginetest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/freeeve/analysisd/internal/board"
)

// EnvMode selects the scripted behaviour in the child process.
const EnvMode = "ANALYSISD_FAKE_ENGINE"

const (
	ModeNormal   = "normal"
	ModeMute     = "mute"     // never answers "uci"
	ModeCrash    = "crash"    // exits when asked to search
	ModeStubborn = "stubborn" // ignores "quit"
	ModeMate     = "mate"     // reports mate in 2 for every search
	ModeGarbage  = "garbage"  // emits an unparseable score line
	ModeDeaf     = "deaf"     // stops reading stdin after the handshake
)

// MaxSearch caps how long the scripted engine honours movetime.
const MaxSearch = 50 * time.Millisecond

// Main must be called from TestMain. In the child process it runs the
// scripted engine and exits; otherwise it runs the tests.
func Main(m *testing.M) {
	if mode := os.Getenv(EnvMode); mode != "" {
		Serve(mode, os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// Path sets the mode for child processes and returns the executable to
// launch. It uses t.Setenv, so the calling test cannot be parallel.
func Path(t testing.TB, mode string) string {
	t.Helper()
	t.Setenv(EnvMode, mode)
	return os.Args[0]
}

// Serve speaks UCI on in/out until "quit" or EOF.
func Serve(mode string, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	var pos board.Position

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "uci":
			if mode == ModeMute {
				continue
			}
			fmt.Fprintln(out, "id name FakeFish 1")
			fmt.Fprintln(out, "id author analysisd")
			fmt.Fprintln(out, "uciok")
		case "isready":
			fmt.Fprintln(out, "readyok")
			if mode == ModeDeaf {
				time.Sleep(time.Hour)
			}
		case "position":
			if len(fields) > 2 && fields[1] == "fen" {
				pos, _ = board.Parse(strings.Join(fields[2:], " "))
			}
		case "go":
			if mode == ModeCrash {
				os.Exit(3)
			}
			search(mode, pos, movetime(fields), out)
		case "quit":
			if mode == ModeStubborn {
				continue
			}
			return
		}
	}
	if mode == ModeStubborn {
		// Outlive stdin; only a kill ends this process.
		time.Sleep(time.Hour)
	}
}

func movetime(fields []string) time.Duration {
	for i := 1; i+1 < len(fields); i++ {
		if fields[i] == "movetime" {
			ms, err := strconv.Atoi(fields[i+1])
			if err == nil {
				return min(time.Duration(ms)*time.Millisecond, MaxSearch)
			}
		}
	}
	return 0
}

func search(mode string, pos board.Position, d time.Duration, out io.Writer) {
	moves := pos.LegalMoves()
	if len(moves) == 0 {
		if pos.Status() == board.StatusCheckmate {
			fmt.Fprintln(out, "info depth 0 score mate 0")
		} else {
			fmt.Fprintln(out, "info depth 0 score cp 0")
		}
		fmt.Fprintln(out, "bestmove (none)")
		return
	}

	fmt.Fprintf(out, "info depth 1 currmove %s currmovenumber 1\n", moves[0])
	time.Sleep(d)

	switch mode {
	case ModeMate:
		fmt.Fprintf(out, "info depth 9 seldepth 4 multipv 1 score mate 2 nodes 100 nps 1000 pv %s\n", moves[0])
	case ModeGarbage:
		fmt.Fprintln(out, "info depth 3 score cp notanumber")
	default:
		fmt.Fprintf(out, "info depth 2 seldepth 2 multipv 1 score cp %d upperbound nodes 10 pv %s\n", -999, moves[len(moves)-1])
		fmt.Fprintf(out, "info depth 2 seldepth 3 multipv 1 score cp %d nodes 40 nps 1000 time 1 pv %s\n", len(moves), moves[0])
	}
	fmt.Fprintf(out, "bestmove %s\n", moves[0])
}

// Expected returns the move and centipawn score the scripted engine reports
// for fen in normal mode.
func Expected(fen string) (best string, cp int, err error) {
	pos, err := board.Parse(fen)
	if err != nil {
		return "", 0, err
	}
	moves := pos.LegalMoves()
	if len(moves) == 0 {
		return "", 0, nil
	}
	return moves[0], len(moves), nil
}
