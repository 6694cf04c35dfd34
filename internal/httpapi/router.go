// Package httpapi serves the analysis WebSocket and the diagnostic HTTP
// endpoints.
package httpapi

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freeeve/analysisd/internal/analysis"
	"github.com/freeeve/analysisd/internal/engine"
	"github.com/freeeve/analysisd/internal/stats"
)

// Analyzer is the bridge the handlers drive. *analysis.Bridge satisfies it.
type Analyzer interface {
	HandleRequest(ctx context.Context, raw []byte) analysis.Response
	SelfTest(ctx context.Context) (engine.Result, error)
	Healthy() bool
	Status() analysis.Status
}

// Options tunes the handler. Zero values select the defaults.
type Options struct {
	AllowedOrigin string          // CORS and WebSocket origin; "*" or empty allows any
	Metrics       http.Handler    // served at /metrics (default promhttp.Handler())
	Stats         stats.Collector // connection metrics
	PingInterval  time.Duration   // keepalive ping period (default 30s)
	WriteTimeout  time.Duration   // per-message write deadline (default 10s)
	ReadLimit     int64           // max inbound message size (default 64KiB)
	SelfTestLimit time.Duration   // /test-engine deadline (default 30s)
}

// Handler serves the analysis API.
type Handler struct {
	analyzer Analyzer
	log      zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader
	conns    *connSet
}

// NewHandler returns a Handler over analyzer.
func NewHandler(log zerolog.Logger, analyzer Analyzer, opts Options) *Handler {
	if opts.Stats == nil {
		opts.Stats = stats.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	if opts.SelfTestLimit <= 0 {
		opts.SelfTestLimit = 30 * time.Second
	}

	h := &Handler{
		analyzer: analyzer,
		log:      log,
		opts:     opts,
		conns:    newConnSet(opts.Stats),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes returns the full middleware-wrapped router.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/analysis", h.analysisSocket)
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	mux.Handle("/test-engine", gzhttp.GzipHandler(http.HandlerFunc(h.testEngine)))
	mux.Handle("/v1/analysis/status", gzhttp.GzipHandler(http.HandlerFunc(h.status)))
	mux.Handle("/metrics", h.opts.Metrics)

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(h.opts.AllowedOrigin, RequestID(AccessLog(h.log, mux)))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	allowed := h.opts.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == allowed
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if !h.analyzer.Healthy() {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// testEngine analyses the starting position and reports the raw result.
func (h *Handler) testEngine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.SelfTestLimit)
	defer cancel()

	res, err := h.analyzer.SelfTest(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("engine self-test failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var best any
	if res.BestMove != "" {
		best = res.BestMove
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"analysis":   res.String(),
		"best_move":  best,
		"evaluation": analysis.Evaluation(res.Score),
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis":    h.analyzer.Status(),
		"connections": h.conns.len(),
	})
}

// Shutdown closes every open WebSocket connection with a going-away close
// frame and waits for their handlers to return or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.conns.closeAll(ctx)
}
