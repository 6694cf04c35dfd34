// Package app wires the analysis service together as an fx application.
// Start order is engine, then HTTP listener; stop order is the reverse, so
// the engine outlives every connection that might use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/freeeve/analysisd/internal/analysis"
	"github.com/freeeve/analysisd/internal/engine"
	"github.com/freeeve/analysisd/internal/httpapi"
	"github.com/freeeve/analysisd/internal/logx"
	"github.com/freeeve/analysisd/internal/stats"
	statsprom "github.com/freeeve/analysisd/internal/stats/prometheus"
)

// Config is the service configuration.
type Config struct {
	Addr           string
	EnginePath     string
	EngineArgs     []string
	MoveTime       time.Duration
	StartupTimeout time.Duration
	StopGrace      time.Duration
	CacheSize      int
	DegradedAfter  int
	AllowedOrigin  string
}

// Module provides the engine, bridge and HTTP server. It requires a Config
// and a zerolog.Logger.
var Module = fx.Module("analysisd",
	fx.Provide(
		newRegistry,
		newCollector,
		newEngine,
		newBridge,
		newHandler,
		newServer,
	),
)

// New returns the service application. The server is always constructed,
// so a failing engine start aborts startup before anything listens.
func New(cfg Config, log zerolog.Logger, opts ...fx.Option) *fx.App {
	startTimeout := cfg.StartupTimeout
	if startTimeout <= 0 {
		startTimeout = 10 * time.Second
	}
	stopTimeout := cfg.StopGrace + 15*time.Second

	base := []fx.Option{
		fx.Supply(cfg),
		fx.Supply(log),
		fx.WithLogger(func() fxevent.Logger {
			return &logx.FxLogger{Log: log.With().Str("component", "fx").Logger()}
		}),
		fx.StartTimeout(startTimeout + 5*time.Second),
		fx.StopTimeout(stopTimeout),
		Module,
		fx.Invoke(func(*Server) {}),
	}
	return fx.New(append(base, opts...)...)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newCollector(reg *prometheus.Registry, log zerolog.Logger) stats.Collector {
	return statsprom.New(reg, log.With().Str("component", "stats").Logger())
}

func newEngine(lc fx.Lifecycle, cfg Config, log zerolog.Logger) (*engine.Process, error) {
	p, err := engine.New(engine.Config{
		Path:            cfg.EnginePath,
		Args:            cfg.EngineArgs,
		Logger:          log.With().Str("component", "engine").Logger(),
		StartupTimeout:  cfg.StartupTimeout,
		StopGracePeriod: cfg.StopGrace,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: p.Start,
		OnStop:  p.Stop,
	})
	return p, nil
}

func newBridge(cfg Config, p *engine.Process, collector stats.Collector, log zerolog.Logger) (*analysis.Bridge, error) {
	return analysis.New(analysis.Config{
		Engine:        p,
		Logger:        log.With().Str("component", "analysis").Logger(),
		Stats:         collector,
		DefaultBudget: cfg.MoveTime,
		CacheSize:     cfg.CacheSize,
		DegradedAfter: cfg.DegradedAfter,
	})
}

func newHandler(cfg Config, b *analysis.Bridge, reg *prometheus.Registry, collector stats.Collector, log zerolog.Logger) *httpapi.Handler {
	return httpapi.NewHandler(log.With().Str("component", "http").Logger(), b, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Stats:         collector,
	})
}

// Server is the HTTP side of the service.
type Server struct {
	srv     *http.Server
	handler *httpapi.Handler
	log     zerolog.Logger
	addr    net.Addr
}

// Addr returns the bound listen address, or nil before start.
func (s *Server) Addr() net.Addr { return s.addr }

func newServer(lc fx.Lifecycle, sd fx.Shutdowner, cfg Config, h *httpapi.Handler, log zerolog.Logger) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		log:     log.With().Str("component", "http").Logger(),
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
			}
			s.addr = ln.Addr()
			s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
			go func() {
				if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Msg("api server")
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.log.Info().Msg("shutting down http server")
			return errors.Join(
				s.srv.Shutdown(ctx),
				s.handler.Shutdown(ctx),
			)
		},
	})
	return s
}
