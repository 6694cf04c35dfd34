package analysis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/analysisd/internal/board"
	"github.com/freeeve/analysisd/internal/engine"
)

// stubEngine plays the first legal move and scores the position by its
// legal-move count, unless analyze is set.
type stubEngine struct {
	delay   time.Duration
	analyze func(pos board.Position) (engine.Result, error)
	down    atomic.Bool

	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
}

func (s *stubEngine) Analyze(pos board.Position, _ time.Duration) (engine.Result, error) {
	s.calls.Add(1)
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	time.Sleep(s.delay)
	if s.analyze != nil {
		return s.analyze(pos)
	}
	moves := pos.LegalMoves()
	return engine.Result{
		BestMove: moves[0],
		Depth:    7,
		Score:    engine.Score{Valid: true, Value: len(moves)},
		PV:       moves[:1],
	}, nil
}

func (s *stubEngine) Running() bool { return !s.down.Load() }

func newBridge(t *testing.T, eng Engine, cfg Config) *Bridge {
	t.Helper()
	cfg.Engine = eng
	cfg.Logger = zerolog.Nop()
	if cfg.DefaultBudget == 0 {
		cfg.DefaultBudget = 10 * time.Millisecond
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

const afterE4 = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without engine succeeded")
	}
}

func TestHandleRequest_RejectsBadMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"not json", `fen please`, KindMalformedMessage},
		{"array", `["rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"]`, KindMalformedMessage},
		{"fen not a string", `{"fen": 42}`, KindMalformedMessage},
		{"empty object", `{}`, KindMissingField},
		{"null", `null`, KindMissingField},
		{"blank fen", `{"fen": "   "}`, KindMissingField},
		{"not a fen", `{"fen": "not-a-fen"}`, KindInvalidPosition},
		{"bad placement", `{"fen": "rnbqkbnr/pppppppp/9/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"}`, KindInvalidPosition},
		{"pawn on back rank", `{"fen": "P3k3/8/8/8/8/8/8/4K3 w - - 0 1"}`, KindInvalidPosition},
		{"opponent in check", `{"fen": "4k3/4R3/8/8/8/8/8/4K3 w - - 0 1"}`, KindInvalidPosition},
		{"castling without rooks", `{"fen": "4k3/8/8/8/8/8/8/4K3 w KQkq - 0 1"}`, KindInvalidPosition},
		{"impossible en passant", `{"fen": "4k3/8/8/8/8/8/8/4K3 w - e3 0 1"}`, KindInvalidPosition},
	}

	stub := &stubEngine{}
	b := newBridge(t, stub, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := b.HandleRequest(context.Background(), []byte(tt.raw))
			if resp.Code != tt.want {
				t.Fatalf("code = %q, want %q (resp %+v)", resp.Code, tt.want, resp)
			}
			if resp.Error == "" {
				t.Error("error message is empty")
			}
			if resp.Status != "" || resp.BestMove != "" || resp.Evaluation != nil {
				t.Errorf("error response carries result fields: %+v", resp)
			}
		})
	}
	if n := stub.calls.Load(); n != 0 {
		t.Errorf("engine called %d times for rejected messages", n)
	}
	if st := b.Status(); st.Errors != int64(len(tests)) || st.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleRequest_Success(t *testing.T) {
	b := newBridge(t, &stubEngine{analyze: func(board.Position) (engine.Result, error) {
		return engine.Result{BestMove: "e2e4", Ponder: "e7e5", Depth: 18, Score: engine.Score{Valid: true, Value: 25}}, nil
	}}, Config{})

	resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	if resp.Failed() {
		t.Fatalf("unexpected error: %+v", resp)
	}
	if resp.Status != StatusOK || resp.BestMove != "e2e4" || resp.Ponder != "e7e5" || resp.Depth != 18 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Evaluation == nil || *resp.Evaluation != 0.25 {
		t.Errorf("evaluation = %v, want 0.25", resp.Evaluation)
	}
	if resp.Score != "+0.25" {
		t.Errorf("score = %q", resp.Score)
	}
	if resp.Mate != nil {
		t.Errorf("mate = %d, want nil", *resp.Mate)
	}
	if resp.FEN != board.StartingFEN {
		t.Errorf("fen = %q", resp.FEN)
	}
}

func TestHandleRequest_Scores(t *testing.T) {
	tests := []struct {
		name     string
		score    engine.Score
		wantEval float64
		wantMate *int
	}{
		{"centipawns", engine.Score{Valid: true, Value: -150}, -1.5, nil},
		{"mate for side to move", engine.Score{Valid: true, Mate: true, Value: 3}, MateEvaluation, ptr(3)},
		{"mated", engine.Score{Valid: true, Mate: true, Value: -2}, -MateEvaluation, ptr(-2)},
		{"no score", engine.Score{}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBridge(t, &stubEngine{analyze: func(board.Position) (engine.Result, error) {
				return engine.Result{BestMove: "e2e4", Score: tt.score}, nil
			}}, Config{})

			resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
			if resp.Failed() {
				t.Fatalf("unexpected error: %+v", resp)
			}
			if *resp.Evaluation != tt.wantEval {
				t.Errorf("evaluation = %v, want %v", *resp.Evaluation, tt.wantEval)
			}
			switch {
			case tt.wantMate == nil && resp.Mate != nil:
				t.Errorf("mate = %d, want nil", *resp.Mate)
			case tt.wantMate != nil && (resp.Mate == nil || *resp.Mate != *tt.wantMate):
				t.Errorf("mate = %v, want %d", resp.Mate, *tt.wantMate)
			}
		})
	}
}

func ptr(v int) *int { return &v }

func TestHandleRequest_TerminalPositions(t *testing.T) {
	tests := []struct {
		name   string
		fen    string
		reason string
		eval   float64
	}{
		{"checkmate", "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3", "checkmate", -MateEvaluation},
		{"stalemate", "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1", "stalemate", 0},
	}
	stub := &stubEngine{}
	b := newBridge(t, stub, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+tt.fen+`"}`))
			if resp.Failed() {
				t.Fatalf("terminal position produced an error: %+v", resp)
			}
			if resp.Status != StatusNoMove || resp.Reason != tt.reason {
				t.Errorf("resp = %+v", resp)
			}
			if resp.Evaluation == nil || *resp.Evaluation != tt.eval {
				t.Errorf("evaluation = %v, want %v", resp.Evaluation, tt.eval)
			}
		})
	}
	if n := stub.calls.Load(); n != 0 {
		t.Errorf("engine called %d times for terminal positions", n)
	}
}

func TestHandleRequest_EngineReportsNoMove(t *testing.T) {
	b := newBridge(t, &stubEngine{analyze: func(board.Position) (engine.Result, error) {
		return engine.Result{}, nil
	}}, Config{})

	resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	if resp.Failed() {
		t.Fatalf("no-move result produced an error: %+v", resp)
	}
	if resp.Status != StatusNoMove {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.RawResult == "" {
		t.Error("raw_result missing")
	}
	if *resp.Evaluation != 0 {
		t.Errorf("evaluation = %v, want 0", *resp.Evaluation)
	}
}

func TestHandleRequest_IllegalMove(t *testing.T) {
	b := newBridge(t, &stubEngine{analyze: func(board.Position) (engine.Result, error) {
		return engine.Result{BestMove: "e2e5", Score: engine.Score{Valid: true, Value: 10}}, nil
	}}, Config{CacheSize: 8})

	resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	if resp.Code != KindAnalysisError {
		t.Fatalf("code = %q, want %q", resp.Code, KindAnalysisError)
	}
	if resp.RawResult == "" {
		t.Error("raw_result missing")
	}
	if st := b.Status(); st.ConsecutiveFailures != 1 || st.CacheEntries != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleRequest_EngineErrorsDegrade(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	b := newBridge(t, &stubEngine{analyze: func(pos board.Position) (engine.Result, error) {
		if fail.Load() {
			return engine.Result{}, &engine.AnalysisError{Op: "analyze", Err: engine.ErrExited}
		}
		return engine.Result{BestMove: pos.LegalMoves()[0]}, nil
	}}, Config{DegradedAfter: 2})

	req := []byte(`{"fen":"` + board.StartingFEN + `"}`)
	for i := 0; i < 2; i++ {
		if !b.Healthy() {
			t.Fatalf("unhealthy after %d failures", i)
		}
		resp := b.HandleRequest(context.Background(), req)
		if resp.Code != KindAnalysisError {
			t.Fatalf("code = %q, want %q", resp.Code, KindAnalysisError)
		}
	}
	if b.Healthy() {
		t.Fatal("healthy after 2 consecutive failures")
	}

	fail.Store(false)
	if resp := b.HandleRequest(context.Background(), req); resp.Failed() {
		t.Fatalf("unexpected error: %+v", resp)
	}
	if !b.Healthy() {
		t.Error("still unhealthy after a success")
	}
}

func TestHealthy_EngineDown(t *testing.T) {
	stub := &stubEngine{}
	b := newBridge(t, stub, Config{})
	stub.down.Store(true)
	if b.Healthy() {
		t.Error("healthy with engine down")
	}
}

func TestHandleRequest_EnginePanics(t *testing.T) {
	b := newBridge(t, &stubEngine{analyze: func(board.Position) (engine.Result, error) {
		panic("engine: Analyze called before Start")
	}}, Config{})

	resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	if resp.Code != KindAnalysisError {
		t.Fatalf("code = %q, want %q", resp.Code, KindAnalysisError)
	}
	// The gate was released.
	b2 := b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	if b2.Code != KindAnalysisError {
		t.Fatalf("second code = %q", b2.Code)
	}
}

func TestHandleRequest_Cache(t *testing.T) {
	stub := &stubEngine{}
	b := newBridge(t, stub, Config{CacheSize: 4})

	first := b.HandleRequest(context.Background(), []byte(`{"fen":"`+afterE4+`"}`))
	// Same position, different fullmove number.
	second := b.HandleRequest(context.Background(), []byte(`{"fen":"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 9"}`))
	if first.Failed() || second.Failed() {
		t.Fatalf("unexpected errors: %+v %+v", first, second)
	}
	if first.BestMove != second.BestMove || *first.Evaluation != *second.Evaluation {
		t.Errorf("cached reply differs: %+v vs %+v", first, second)
	}
	if second.FEN == first.FEN {
		t.Error("cached reply should echo the requested FEN")
	}
	if n := stub.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
	if st := b.Status(); st.CacheHits != 1 || st.CacheEntries != 1 {
		t.Errorf("status = %+v", st)
	}

	// The halfmove clock matters near the fifty-move rule.
	third := b.HandleRequest(context.Background(), []byte(`{"fen":"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 99 60"}`))
	if third.Failed() {
		t.Fatalf("unexpected error: %+v", third)
	}
	if n := stub.calls.Load(); n != 2 {
		t.Errorf("engine calls = %d, want 2 after a halfmove clock change", n)
	}
	if st := b.Status(); st.CacheHits != 1 || st.CacheEntries != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleRequest_CacheDisabled(t *testing.T) {
	stub := &stubEngine{}
	b := newBridge(t, stub, Config{})
	for i := 0; i < 2; i++ {
		b.HandleRequest(context.Background(), []byte(`{"fen":"`+afterE4+`"}`))
	}
	if n := stub.calls.Load(); n != 2 {
		t.Errorf("engine calls = %d, want 2", n)
	}
}

func TestHandleRequest_CanceledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	stub := &stubEngine{analyze: func(pos board.Position) (engine.Result, error) {
		started <- struct{}{}
		<-release
		return engine.Result{BestMove: pos.LegalMoves()[0]}, nil
	}}
	b := newBridge(t, stub, Config{})

	firstDone := make(chan Response, 1)
	go func() {
		firstDone <- b.HandleRequest(context.Background(), []byte(`{"fen":"`+board.StartingFEN+`"}`))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := b.HandleRequest(ctx, []byte(`{"fen":"`+afterE4+`"}`))
	if resp.Code != KindCanceled {
		t.Fatalf("queued request code = %q, want %q", resp.Code, KindCanceled)
	}

	close(release)
	if first := <-firstDone; first.Failed() {
		t.Fatalf("in-flight request failed: %+v", first)
	}
	if n := stub.calls.Load(); n != 1 {
		t.Errorf("engine calls = %d, want 1 (abandoned request must not search)", n)
	}
}

func TestHandleRequest_CanceledDuringSearch(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	stub := &stubEngine{analyze: func(pos board.Position) (engine.Result, error) {
		once.Do(func() { <-release })
		return engine.Result{BestMove: pos.LegalMoves()[0]}, nil
	}}
	b := newBridge(t, stub, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Response, 1)
	go func() { done <- b.HandleRequest(ctx, []byte(`{"fen":"`+board.StartingFEN+`"}`)) }()

	for stub.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if resp := <-done; resp.Code != KindCanceled {
		t.Fatalf("code = %q, want %q", resp.Code, KindCanceled)
	}

	// The engine call keeps the gate until it returns; then others proceed.
	close(release)
	resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+afterE4+`"}`))
	if resp.Failed() {
		t.Fatalf("follow-up request failed: %+v", resp)
	}
}

var concurrentFENs = []string{
	board.StartingFEN,
	afterE4,
	"8/4P3/8/8/8/8/k7/7K w - - 0 1",
	"4k3/8/8/8/8/8/8/4K2R w K - 0 1",
	"r3k2r/8/8/8/8/8/8/R3K2R b KQkq - 0 1",
	"8/8/8/3k4/8/8/8/2Q1K3 w - - 0 1",
	"rnbqkb1r/pppp1ppp/5n2/4p3/2B1P3/8/PPPP1PPP/RNBQK1NR w KQkq - 2 3",
	"8/8/8/8/8/5k2/6p1/6K1 w - - 0 1",
}

func TestHandleRequest_SerializesEngineCalls(t *testing.T) {
	stub := &stubEngine{delay: 2 * time.Millisecond}
	b := newBridge(t, stub, Config{})

	var g errgroup.Group
	for round := 0; round < 3; round++ {
		for _, fen := range concurrentFENs {
			g.Go(func() error {
				resp := b.HandleRequest(context.Background(), []byte(`{"fen":"`+fen+`"}`))
				return checkConsistent(fen, resp)
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if stub.overlap.Load() {
		t.Error("engine calls overlapped")
	}
	if n := int(stub.calls.Load()); n != 3*len(concurrentFENs) {
		t.Errorf("engine calls = %d, want %d", n, 3*len(concurrentFENs))
	}
}

// checkConsistent verifies resp answers fen under the first-legal-move
// scoring used by both the stub and the scripted engine.
func checkConsistent(fen string, resp Response) error {
	if resp.Failed() {
		return errors.New(fen + ": " + resp.Error)
	}
	pos, err := board.Parse(fen)
	if err != nil {
		return err
	}
	moves := pos.LegalMoves()
	if resp.BestMove != moves[0] {
		return errors.New(fen + ": bestMove " + resp.BestMove + ", want " + moves[0])
	}
	if want := float64(len(moves)) / 100; *resp.Evaluation != want {
		return errors.New(fen + ": evaluation mismatch")
	}
	return nil
}

func TestSelfTest(t *testing.T) {
	stub := &stubEngine{}
	b := newBridge(t, stub, Config{CacheSize: 4})

	for i := 0; i < 2; i++ {
		res, err := b.SelfTest(context.Background())
		if err != nil {
			t.Fatalf("SelfTest: %v", err)
		}
		if res.BestMove == "" {
			t.Error("SelfTest returned no move")
		}
	}
	if n := stub.calls.Load(); n != 2 {
		t.Errorf("engine calls = %d, want 2 (self-test bypasses cache)", n)
	}
}
