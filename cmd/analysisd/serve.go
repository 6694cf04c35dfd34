package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/freeeve/analysisd/internal/app"
	"github.com/freeeve/analysisd/internal/logx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis server",
	Long: `Start the engine, then listen for WebSocket clients on /ws/analysis.

Each message is a JSON object {"fen": "<FEN>"}; each reply carries the best
move and an evaluation in pawns from the side to move's perspective.
Diagnostics are served on /healthz, /readyz, /test-engine,
/v1/analysis/status and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveCfg app.Config

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveCfg.Addr, "addr", ":8000", "listen address")
	f.DurationVar(&serveCfg.MoveTime, "movetime", time.Second, "engine time budget per analysis")
	f.DurationVar(&serveCfg.StartupTimeout, "startup-timeout", 10*time.Second, "engine handshake deadline")
	f.DurationVar(&serveCfg.StopGrace, "stop-grace", 2*time.Second, "wait for the engine to quit before killing it")
	f.IntVar(&serveCfg.CacheSize, "cache-size", 1024, "analysis results kept in memory (0 disables)")
	f.IntVar(&serveCfg.DegradedAfter, "degraded-after", 3, "consecutive engine failures before /readyz fails (negative disables)")
	f.StringVar(&serveCfg.AllowedOrigin, "allowed-origin", "*", "allowed CORS / WebSocket origin")
	f.StringSliceVar(&serveCfg.EngineArgs, "engine-arg", nil, "extra argument passed to the engine (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logx.NewLogger(logLevel)
	if err != nil {
		return err
	}
	cfg := serveCfg
	cfg.EnginePath = stockfishPath
	if cfg.MoveTime <= 0 {
		return fmt.Errorf("--movetime must be positive")
	}

	logger.Info().
		Str("stockfish", cfg.EnginePath).
		Str("addr", cfg.Addr).
		Dur("movetime", cfg.MoveTime).
		Int("cache", cfg.CacheSize).
		Msg("starting analysisd")

	a := app.New(cfg, logger)
	if err := a.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), a.StartTimeout())
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	sig := <-a.Wait()
	ev := logger.Info().Int("exit_code", sig.ExitCode)
	if sig.Signal != nil {
		ev = ev.Str("signal", sig.Signal.String())
	}
	ev.Msg("shutting down...")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), a.StopTimeout())
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		return err
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("exiting with code %d", sig.ExitCode)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
