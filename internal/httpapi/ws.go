package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/freeeve/analysisd/internal/stats"
)

// inboundQueue bounds how many messages a client may have waiting behind
// the one being analysed.
const inboundQueue = 16

// client is one open WebSocket connection.
type client struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	goingAway atomic.Bool
}

// shutdown ends the connection on behalf of the server.
func (c *client) shutdown() {
	c.goingAway.Store(true)
	c.cancel()
}

type connSet struct {
	stats stats.Collector

	mu      sync.Mutex
	conns   map[*client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func newConnSet(st stats.Collector) *connSet {
	return &connSet{stats: st, conns: make(map[*client]struct{})}
}

// add registers c, or reports false once shutdown has begun.
func (s *connSet) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.stats.IncCounter(stats.MetricConnectionsOpen, 1)
	s.stats.SetGauge(stats.MetricConnections, int64(len(s.conns)))
	return true
}

func (s *connSet) remove(c *client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.stats.SetGauge(stats.MetricConnections, int64(len(s.conns)))
	s.mu.Unlock()
	s.wg.Done()
}

func (s *connSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *connSet) closeAll(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for c := range s.conns {
		c.shutdown()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// analysisSocket upgrades to a WebSocket and answers each inbound message
// with exactly one analysis reply, in order.
func (h *Handler) analysisSocket(w http.ResponseWriter, r *http.Request) {
	log := h.log.With().
		Str("rid", GetRequestID(r.Context())).
		Str("remote", r.RemoteAddr).
		Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{conn: conn, cancel: cancel}
	if !h.conns.add(c) {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer h.conns.remove(c)

	log.Info().Msg("websocket connected")
	start := time.Now()
	handled := h.serve(ctx, c, log)
	log.Info().
		Int("messages", handled).
		Dur("dur", time.Since(start)).
		Bool("server_close", c.goingAway.Load()).
		Msg("websocket closed")
}

// serve runs the connection until the client leaves, a transport error
// occurs or the server shuts down. It returns the number of replies sent.
func (h *Handler) serve(ctx context.Context, c *client, log zerolog.Logger) int {
	conn := c.conn
	defer conn.Close()
	defer c.cancel()

	pongWait := 2 * h.opts.PingInterval
	conn.SetReadLimit(h.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	msgs := make(chan []byte, inboundQueue)
	go h.readLoop(ctx, c, msgs, pongWait, log)
	go h.pingLoop(ctx, c)

	handled := 0
	for {
		select {
		case <-ctx.Done():
			h.closeConn(c)
			return handled
		case data, ok := <-msgs:
			if !ok {
				return handled
			}
			resp := h.analyzer.HandleRequest(ctx, data)
			if ctx.Err() != nil {
				// Client is gone or server is closing; the reply has no reader.
				h.closeConn(c)
				return handled
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteJSON(resp); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return handled
			}
			handled++
		}
	}
}

// readLoop feeds inbound messages to the serving loop. Any read error ends
// the connection.
func (h *Handler) readLoop(ctx context.Context, c *client, msgs chan<- []byte, pongWait time.Duration, log zerolog.Logger) {
	defer close(msgs)
	defer c.cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case msgs <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) pingLoop(ctx context.Context, c *client) {
	t := time.NewTicker(h.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// closeConn sends a close frame; errors mean the peer is already gone.
func (h *Handler) closeConn(c *client) {
	code, text := websocket.CloseNormalClosure, ""
	if c.goingAway.Load() {
		code, text = websocket.CloseGoingAway, "server shutting down"
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
