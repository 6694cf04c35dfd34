// Package analysis turns raw client messages into engine searches and
// engine results into client replies. All engine access goes through a
// Bridge, which runs one search at a time no matter how many connections
// are waiting.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/freeeve/analysisd/internal/board"
	"github.com/freeeve/analysisd/internal/engine"
	"github.com/freeeve/analysisd/internal/stats"
)

// Engine is the blocking search the bridge serializes. *engine.Process
// satisfies it.
type Engine interface {
	Analyze(pos board.Position, budget time.Duration) (engine.Result, error)
	Running() bool
}

// Config configures a Bridge.
type Config struct {
	Engine        Engine
	Logger        zerolog.Logger
	Stats         stats.Collector
	DefaultBudget time.Duration // per-search movetime (default 1s)
	CacheSize     int           // cached results; 0 disables the cache
	DegradedAfter int           // consecutive engine failures before unhealthy (default 3, negative disables)
}

// Bridge adapts the engine to concurrent callers.
type Bridge struct {
	eng           Engine
	log           zerolog.Logger
	stats         stats.Collector
	budget        time.Duration
	degradedAfter int64

	gate  *semaphore.Weighted
	cache *lru.Cache[cacheKey, engine.Result]

	requests    atomic.Int64
	analyses    atomic.Int64
	cacheHits   atomic.Int64
	failed      atomic.Int64
	consecutive atomic.Int64
	inFlight    atomic.Bool
}

// cacheKey ignores the fullmove number, which does not change the search.
// The halfmove clock stays: it drives the fifty-move rule.
type cacheKey struct {
	position string
	budget   time.Duration
}

// New returns a Bridge over cfg.Engine.
func New(cfg Config) (*Bridge, error) {
	if cfg.Engine == nil {
		return nil, errors.New("analysis: engine required")
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.Noop{}
	}
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = time.Second
	}
	if cfg.DegradedAfter == 0 {
		cfg.DegradedAfter = 3
	}

	b := &Bridge{
		eng:           cfg.Engine,
		log:           cfg.Logger,
		stats:         cfg.Stats,
		budget:        cfg.DefaultBudget,
		degradedAfter: int64(cfg.DegradedAfter),
		gate:          semaphore.NewWeighted(1),
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[cacheKey, engine.Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("analysis: cache: %w", err)
		}
		b.cache = c
	}
	return b, nil
}

// HandleRequest decodes one client message, analyses the position and
// returns the reply. It never fails: every error becomes an error Response.
// Cancelling ctx abandons the wait for the engine but not the search itself.
func (b *Bridge) HandleRequest(ctx context.Context, raw []byte) Response {
	b.requests.Add(1)
	b.stats.IncCounter(stats.MetricRequests, 1)

	req, err := DecodeRequest(raw)
	if err != nil {
		return b.fail("", err)
	}
	pos, err := board.Parse(req.FEN)
	if err != nil {
		return b.fail(req.FEN, &RequestError{Kind: KindInvalidPosition, Err: err})
	}
	resp, err := b.Analyze(ctx, pos)
	if err != nil {
		return b.fail(pos.FEN(), err)
	}
	return resp
}

// Analyze searches a parsed position with the default budget.
func (b *Bridge) Analyze(ctx context.Context, pos board.Position) (Response, error) {
	switch pos.Status() {
	case board.StatusCheckmate:
		return noMove(pos, "checkmate", -MateEvaluation, ""), nil
	case board.StatusStalemate:
		return noMove(pos, "stalemate", 0, ""), nil
	}

	key := cacheKey{position: positionKey(pos.FEN()), budget: b.budget}
	if b.cache != nil {
		if res, ok := b.cache.Get(key); ok {
			b.cacheHits.Add(1)
			b.stats.IncCounter(stats.MetricCacheHits, 1)
			return b.respond(pos, res)
		}
		b.stats.IncCounter(stats.MetricCacheMisses, 1)
	}

	res, err := b.search(ctx, pos)
	if err != nil {
		return Response{}, err
	}
	resp, err := b.respond(pos, res)
	if err == nil && b.cache != nil {
		b.cache.Add(key, res)
	}
	return resp, err
}

// SelfTest analyses the starting position, bypassing the cache, and
// returns the raw engine result.
func (b *Bridge) SelfTest(ctx context.Context) (engine.Result, error) {
	pos, err := board.Parse(board.StartingFEN)
	if err != nil {
		return engine.Result{}, err
	}
	return b.search(ctx, pos)
}

// search runs one engine call under the gate. The call runs on its own
// goroutine, which holds the gate until the engine answers; a caller whose
// ctx ends first gets a canceled error and the result is dropped.
func (b *Bridge) search(ctx context.Context, pos board.Position) (engine.Result, error) {
	if err := b.gate.Acquire(ctx, 1); err != nil {
		return engine.Result{}, &RequestError{Kind: KindCanceled, Err: fmt.Errorf("waiting for engine: %w", err)}
	}

	type outcome struct {
		res engine.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer b.gate.Release(1)
		b.inFlight.Store(true)
		defer b.inFlight.Store(false)

		start := time.Now()
		res, err := b.callEngine(pos)
		b.stats.ObserveHistogram(stats.MetricAnalysisSeconds, time.Since(start).Seconds())
		b.analyses.Add(1)
		b.stats.IncCounter(stats.MetricAnalyses, 1)
		if err != nil {
			b.recordFailure(err)
		} else {
			b.recordSuccess()
		}
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return engine.Result{}, &RequestError{Kind: KindAnalysisError, Err: o.err}
		}
		return o.res, nil
	case <-ctx.Done():
		return engine.Result{}, &RequestError{Kind: KindCanceled, Err: fmt.Errorf("analysis abandoned: %w", ctx.Err())}
	}
}

func (b *Bridge) callEngine(pos board.Position) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("fen", pos.FEN()).Msg("engine call panicked")
			err = fmt.Errorf("engine call panicked: %v", r)
		}
	}()
	return b.eng.Analyze(pos, b.budget)
}

// respond builds the reply for an engine result.
func (b *Bridge) respond(pos board.Position, res engine.Result) (Response, error) {
	eval := Evaluation(res.Score)
	if res.BestMove == "" {
		return noMove(pos, "engine reported no move", eval, res.String()), nil
	}
	if !pos.IsLegal(res.BestMove) {
		err := &RequestError{
			Kind: KindAnalysisError,
			Err:  fmt.Errorf("engine returned illegal move %q", res.BestMove),
			Raw:  res.String(),
		}
		b.recordFailure(err)
		return Response{}, err
	}

	resp := Response{
		FEN:        pos.FEN(),
		Status:     StatusOK,
		BestMove:   res.BestMove,
		Evaluation: &eval,
		Score:      FormatScore(res.Score),
		Depth:      res.Depth,
		Ponder:     res.Ponder,
	}
	if res.Score.Valid && res.Score.Mate {
		mate := res.Score.Value
		resp.Mate = &mate
	}
	b.log.Info().
		Str("fen", pos.FEN()).
		Str("best", res.BestMove).
		Float64("eval", eval).
		Int("depth", res.Depth).
		Msg("analysis complete")
	return resp, nil
}

func noMove(pos board.Position, reason string, eval float64, raw string) Response {
	return Response{
		FEN:        pos.FEN(),
		Status:     StatusNoMove,
		Reason:     reason,
		Evaluation: &eval,
		RawResult:  raw,
	}
}

// fail logs and counts a failed request and converts it to a reply.
func (b *Bridge) fail(fen string, err error) Response {
	kind := KindOf(err)
	b.failed.Add(1)
	b.stats.IncCounter(stats.MetricRequestErrors, 1)

	ev := b.log.Warn()
	if kind == KindAnalysisError {
		ev = b.log.Error()
	}
	ev.Err(err).Str("code", string(kind)).Str("fen", fen).Msg("analysis request failed")
	return ErrorResponse(err)
}

func (b *Bridge) recordFailure(err error) {
	n := b.consecutive.Add(1)
	b.stats.SetGauge(stats.MetricConsecutiveFailures, n)
	if b.degradedAfter > 0 && n == b.degradedAfter {
		b.log.Warn().Err(err).Int64("failures", n).Msg("engine degraded")
	}
}

func (b *Bridge) recordSuccess() {
	if prev := b.consecutive.Swap(0); prev > 0 {
		b.stats.SetGauge(stats.MetricConsecutiveFailures, 0)
		if b.degradedAfter > 0 && prev >= b.degradedAfter {
			b.log.Info().Int64("failures", prev).Msg("engine recovered")
		}
	}
}

// Healthy reports whether the engine is running and has not failed
// DegradedAfter times in a row.
func (b *Bridge) Healthy() bool {
	if !b.eng.Running() {
		return false
	}
	return b.degradedAfter <= 0 || b.consecutive.Load() < b.degradedAfter
}

// Status is a snapshot of bridge counters.
type Status struct {
	EngineRunning       bool  `json:"engineRunning"`
	Healthy             bool  `json:"healthy"`
	Searching           bool  `json:"searching"`
	Requests            int64 `json:"requests"`
	Analyses            int64 `json:"analyses"`
	CacheHits           int64 `json:"cacheHits"`
	CacheEntries        int   `json:"cacheEntries"`
	Errors              int64 `json:"errors"`
	ConsecutiveFailures int64 `json:"consecutiveFailures"`
	BudgetMillis        int64 `json:"budgetMs"`
}

// Status returns current counters.
func (b *Bridge) Status() Status {
	st := Status{
		EngineRunning:       b.eng.Running(),
		Healthy:             b.Healthy(),
		Searching:           b.inFlight.Load(),
		Requests:            b.requests.Load(),
		Analyses:            b.analyses.Load(),
		CacheHits:           b.cacheHits.Load(),
		Errors:              b.failed.Load(),
		ConsecutiveFailures: b.consecutive.Load(),
		BudgetMillis:        b.budget.Milliseconds(),
	}
	if b.cache != nil {
		st.CacheEntries = b.cache.Len()
	}
	return st
}

// positionKey drops the fullmove number from a FEN.
func positionKey(fen string) string {
	fields := strings.Fields(fen)
	if len(fields) > 5 {
		fields = fields[:5]
	}
	return strings.Join(fields, " ")
}
