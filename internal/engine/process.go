// Package engine owns a long-lived UCI chess engine process and runs
// time-limited searches against it over the process's stdin/stdout.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/analysisd/internal/board"
)

// Config configures an engine process.
type Config struct {
	Path            string
	Args            []string
	Logger          zerolog.Logger
	StartupTimeout  time.Duration // handshake deadline (default 10s)
	StopGracePeriod time.Duration // wait after "quit" before killing (default 2s)
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Process is a handle on one external UCI engine. Callers only ever observe
// it as absent (before Start / after Stop) or running.
//
// Analyze is UNSAFE TO CALL CONCURRENTLY: the engine answers one search at a
// time and interleaved calls corrupt the request/response pairing on the
// pipe. Callers must serialize Analyze themselves. Stop may be called at any
// time from any goroutine.
type Process struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex // guards state
	wmu      sync.Mutex // serializes stdin writes
	state    state
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	name     string
	lines    chan string   // stdout lines; closed at EOF
	stopping chan struct{} // closed by Stop; unblocks the reader
	exited   chan struct{} // closed after cmd.Wait returns
	waitErr  error
}

// New returns an unstarted engine handle.
func New(cfg Config) (*Process, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine path required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 2 * time.Second
	}
	return &Process{
		cfg: cfg,
		log: cfg.Logger,
	}, nil
}

// Start launches the engine and completes the UCI handshake. It must be
// called exactly once, before any Analyze.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateNew {
		return &StartError{Path: p.cfg.Path, Err: errors.New("handle already used")}
	}

	cmd := exec.Command(p.cfg.Path, p.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartError{Path: p.cfg.Path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartError{Path: p.cfg.Path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return &StartError{Path: p.cfg.Path, Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.lines = make(chan string, 256)
	p.stopping = make(chan struct{})
	p.exited = make(chan struct{})
	go p.readLoop(stdout)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	if err := p.handshake(ctx); err != nil {
		p.kill()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrHandshakeTimeout, p.cfg.StartupTimeout)
		}
		return &StartError{Path: p.cfg.Path, Err: err}
	}

	p.state = stateRunning
	p.log.Info().
		Str("path", p.cfg.Path).
		Str("engine", p.name).
		Int("pid", cmd.Process.Pid).
		Msg("engine started")
	return nil
}

// handshake runs uci/uciok then isready/readyok. Called with p.mu held.
func (p *Process) handshake(ctx context.Context) error {
	if err := p.write("uci"); err != nil {
		return err
	}
	for {
		line, err := p.nextLine(ctx)
		if err != nil {
			return fmt.Errorf("waiting for uciok: %w", err)
		}
		if name, ok := strings.CutPrefix(line, "id name "); ok {
			p.name = strings.TrimSpace(name)
		}
		if strings.TrimSpace(line) == "uciok" {
			break
		}
	}
	if err := p.write("isready"); err != nil {
		return err
	}
	if err := p.waitFor(ctx, "readyok"); err != nil {
		return fmt.Errorf("waiting for readyok: %w", err)
	}
	return nil
}

// readLoop pumps stdout into p.lines, then reaps the process.
func (p *Process) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case p.lines <- sc.Text():
		case <-p.stopping:
			// Nobody will read; keep draining so the engine can exit.
		}
	}
	close(p.lines)

	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	if p.state == stateRunning {
		p.log.Error().Err(err).Msg("engine exited unexpectedly")
	}
	p.mu.Unlock()
	close(p.exited)
}

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// nextLine returns the next stdout line, or an error once the process has
// exited or ctx is done.
func (p *Process) nextLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", ErrExited
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Process) waitFor(ctx context.Context, token string) error {
	for {
		line, err := p.nextLine(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == token {
			return nil
		}
	}
}

func (p *Process) write(cmd string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := io.WriteString(p.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// send writes one command unless the handle has been stopped. The write
// itself happens outside p.mu so a stalled pipe cannot block Stop.
func (p *Process) send(cmd string) error {
	p.mu.Lock()
	running := p.state == stateRunning
	p.mu.Unlock()
	if !running {
		return ErrStopped
	}
	if err := p.write(cmd); err != nil {
		if p.stopped() {
			return ErrStopped
		}
		return err
	}
	return nil
}

func (p *Process) stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateStopped
}

// Analyze searches pos for budget and returns the engine's best move and
// score. It blocks until the engine prints its bestmove line; the engine is
// trusted to honour the movetime limit. See the Process doc for concurrency.
func (p *Process) Analyze(pos board.Position, budget time.Duration) (Result, error) {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	switch st {
	case stateNew:
		panic("engine: Analyze called before Start")
	case stateStopped:
		return Result{}, &AnalysisError{Op: "analyze", Err: ErrStopped}
	}
	if p.hasExited() {
		return Result{}, &AnalysisError{Op: "analyze", Err: p.exitError(ErrExited)}
	}
	if budget <= 0 {
		return Result{}, &AnalysisError{Op: "analyze", Err: ErrInvalidBudget}
	}
	if !pos.Valid() {
		return Result{}, &AnalysisError{Op: "analyze", Err: board.ErrInvalidFEN}
	}

	res, err := p.search(pos, budget)
	if err != nil {
		p.mu.Lock()
		if p.state == stateStopped && errors.Is(err, ErrExited) {
			err = ErrStopped
		}
		p.mu.Unlock()
		return Result{}, &AnalysisError{Op: "analyze", Err: err}
	}
	return res, nil
}

func (p *Process) search(pos board.Position, budget time.Duration) (Result, error) {
	ctx := context.Background()

	// isready/readyok fences off anything left over from an earlier exchange.
	if err := p.send("isready"); err != nil {
		return Result{}, err
	}
	if err := p.waitFor(ctx, "readyok"); err != nil {
		return Result{}, p.exitError(err)
	}

	if err := p.send("position fen " + pos.FEN()); err != nil {
		return Result{}, err
	}
	movetime := budget.Milliseconds()
	if movetime < 1 {
		movetime = 1
	}
	if err := p.send(fmt.Sprintf("go movetime %d", movetime)); err != nil {
		return Result{}, err
	}

	var (
		b        resultBuilder
		parseErr error
	)
	for {
		line, err := p.nextLine(ctx)
		if err != nil {
			return Result{}, p.exitError(err)
		}
		done, err := b.add(line)
		if err != nil && parseErr == nil {
			// Keep reading to bestmove so the pipe stays in step.
			parseErr = fmt.Errorf("parse engine output: %w", err)
		}
		if done {
			break
		}
	}
	if parseErr != nil {
		return Result{}, parseErr
	}

	p.log.Debug().
		Str("fen", pos.FEN()).
		Str("best", b.res.BestMove).
		Int("depth", b.res.Depth).
		Bool("mate", b.res.Score.Mate).
		Int("score", b.res.Score.Value).
		Msg("search complete")
	return b.res, nil
}

// exitError attaches the process exit status to ErrExited, if known.
func (p *Process) exitError(err error) error {
	if !errors.Is(err, ErrExited) {
		return err
	}
	select {
	case <-p.exited:
		p.mu.Lock()
		werr := p.waitErr
		p.mu.Unlock()
		if werr != nil {
			return fmt.Errorf("%w: %v", ErrExited, werr)
		}
	default:
	}
	return err
}

// Stop asks the engine to quit and waits up to the grace period (or ctx) for
// it to exit, killing it otherwise. Stop is idempotent.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.state = stateStopped
		p.mu.Unlock()
		return nil
	}
	p.state = stateStopped
	close(p.stopping)
	exited := p.exited
	p.mu.Unlock()

	// An engine that stopped reading can leave this write blocked until
	// the kill below breaks the pipe.
	go func() {
		_ = p.write("quit")
		_ = p.stdin.Close()
	}()

	timer := time.NewTimer(p.cfg.StopGracePeriod)
	defer timer.Stop()

	select {
	case <-exited:
		p.log.Info().Msg("engine exited")
		return nil
	case <-timer.C:
		p.log.Warn().Dur("grace", p.cfg.StopGracePeriod).Msg("engine did not quit, killing")
	case <-ctx.Done():
		p.log.Warn().Err(ctx.Err()).Msg("engine stop interrupted, killing")
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-exited
	return nil
}

// kill tears down a process that never reached the running state.
// Called with p.mu held.
func (p *Process) kill() {
	close(p.stopping)
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	p.state = stateStopped
	// readLoop takes p.mu to record the exit status.
	p.mu.Unlock()
	<-p.exited
	p.mu.Lock()
}

// Running reports whether the engine has been started, not stopped, and is
// still alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	running := p.state == stateRunning
	p.mu.Unlock()
	return running && !p.hasExited()
}

// Name returns the engine's self-reported name ("id name").
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}
