package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duochat/auth"
	"duochat/models"
	"duochat/protocol"
)

const (
	outboundQueueSize = 64
	maxFrameBytes     = 64 * 1024
)

var (
	errQueueFull  = errors.New("outbound queue full")
	errConnClosed = errors.New("connection closed")
)

// wsConn is one authenticated websocket session. Events are queued on out
// and written by the session's writer goroutine; Send never blocks.
type wsConn struct {
	ws       *websocket.Conn
	identity string
	remote   string

	out       chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, identity, remote string) *wsConn {
	return &wsConn{
		ws:       ws,
		identity: identity,
		remote:   remote,
		out:      make(chan protocol.Event, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) Send(ev protocol.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errQueueFull
	}
}

// Close stops the session. Events already queued are still written.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// originChecker accepts handshakes without an Origin header (non-browser
// clients), from the server's own host, or from a listed origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	anyOrigin := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			anyOrigin = true
		}
		set[o] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || anyOrigin {
			return true
		}
		if set[strings.TrimRight(strings.ToLower(origin), "/")] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Verify(r.Context(), auth.ExtractToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !s.admitSession() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Server is shutting down"})
		return
	}
	defer s.sessions.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade connection", "user", identity, "error", err)
		return
	}

	c := newWSConn(ws, identity, r.RemoteAddr)
	s.log.Info("Client connected", "user", identity, "remote", c.remote)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	s.readLoop(c)

	c.Close()
	<-writerDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.tracker.Disconnected(ctx, identity, c) {
		s.sendLimits.Forget(models.Fold(identity))
		s.log.Info("Client disconnected", "user", identity, "remote", c.remote)
	} else {
		s.log.Info("Superseded connection closed", "user", identity, "remote", c.remote)
	}
}

func (s *Server) readLoop(c *wsConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	if prev, ok := s.tracker.Connected(ctx, c.identity, c); ok {
		prev.Send(protocol.NewEvent(protocol.TypeBye, "", protocol.Bye{Reason: "superseded"}))
		prev.Close()
	}

	// Shutdown may have taken its snapshot before this connection registered.
	if reason, closing := s.closingReason(); closing {
		c.Send(protocol.NewEvent(protocol.TypeBye, "", protocol.Bye{Reason: reason}))
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("Websocket read failed", "user", c.identity, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			s.log.Debug("Parse error", "user", c.identity, "error", err)
			s.sendError(c, "", "validation", "Invalid event format")
			continue
		}

		if !s.handleEvent(ctx, c, ev) {
			return
		}
	}
}

// writeLoop owns all writes to the socket. It exits once the session is
// closed and the queue is drained, or on the first write error.
func (s *Server) writeLoop(c *wsConn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.out:
			if err := s.writeEvent(c, ev); err != nil {
				s.log.Debug("Websocket write failed", "user", c.identity, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			s.drain(c)
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteTimeout))
			return
		}
	}
}

func (s *Server) drain(c *wsConn) {
	for {
		select {
		case ev := <-c.out:
			if err := s.writeEvent(c, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeEvent(c *wsConn, ev protocol.Event) error {
	frame, err := protocol.FormatEvent(ev)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
