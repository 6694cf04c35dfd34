package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags.
	logLevel      string
	stockfishPath string
)

var rootCmd = &cobra.Command{
	Use:   "analysisd",
	Short: "Chess position analysis over WebSocket",
	Long: `analysisd runs a UCI chess engine (Stockfish or compatible) and answers
position analysis requests from clients connected over WebSocket.

Examples:
  # Serve on :8000 with stockfish from $PATH
  analysisd serve

  # Check that an engine binary works
  analysisd check --stockfish /usr/local/bin/stockfish`,
	SilenceUsage: true,
}

func init() {
	defaultStockfish := "stockfish"
	if envPath := os.Getenv("STOCKFISH_PATH"); envPath != "" {
		defaultStockfish = envPath
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stockfishPath, "stockfish", defaultStockfish, "path to the UCI engine executable (env STOCKFISH_PATH)")
}
