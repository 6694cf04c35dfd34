package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/freeeve/uci"
	"github.com/spf13/cobra"

	"github.com/freeeve/analysisd/internal/board"
)

var checkCmd = &cobra.Command{
	Use:   "check [FEN]",
	Short: "Run a one-off depth-limited search to verify the engine",
	Long: `Start the engine, search a position (the starting position by default) to
a fixed depth, print the result and exit. Useful for checking an engine
binary before pointing the server at it.

Examples:
  analysisd check
  analysisd check --depth 18 "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

var (
	checkDepth int
	checkJSON  bool
)

func init() {
	checkCmd.Flags().IntVar(&checkDepth, "depth", 12, "search depth")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "output result as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	fen := board.StartingFEN
	if len(args) == 1 {
		fen = args[0]
	}
	pos, err := board.Parse(fen)
	if err != nil {
		return err
	}
	if !pos.HasLegalMoves() {
		return fmt.Errorf("position is %s; nothing to search", pos.Status())
	}

	eng, err := uci.NewEngine(stockfishPath)
	if err != nil {
		return fmt.Errorf("start engine %s: %w", stockfishPath, err)
	}
	defer eng.Close()

	if err := eng.SetFEN(pos.FEN()); err != nil {
		return fmt.Errorf("set FEN: %w", err)
	}
	start := time.Now()
	results, err := eng.GoDepth(checkDepth, uci.HighestDepthOnly)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	elapsed := time.Since(start)
	if len(results.Results) == 0 {
		return fmt.Errorf("engine returned no results")
	}

	best := results.Results[0]
	for _, r := range results.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}
	if results.BestMove != "" && !pos.IsLegal(results.BestMove) {
		return fmt.Errorf("engine returned illegal move %q", results.BestMove)
	}

	score := fmt.Sprintf("cp %d", best.Score)
	if best.Mate {
		score = fmt.Sprintf("mate %d", best.Score)
	}

	if checkJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"fen":      pos.FEN(),
			"bestMove": results.BestMove,
			"depth":    best.Depth,
			"mate":     best.Mate,
			"score":    best.Score,
			"elapsed":  elapsed.String(),
		})
	}

	fmt.Printf("FEN:       %s\n", pos.FEN())
	fmt.Printf("Best move: %s\n", results.BestMove)
	fmt.Printf("Score:     %s (depth %d)\n", score, best.Depth)
	fmt.Printf("Elapsed:   %s\n", elapsed.Round(time.Millisecond))
	return nil
}
