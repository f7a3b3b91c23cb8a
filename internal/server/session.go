// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errSessionClosed   = errors.New("session closed")
	errSendBufferFull  = errors.New("send buffer full")
	errNoConnectionSet = errors.New("session has no connection")
)

// Session is one admitted WebSocket connection bound to a username. The
// read pump is the only reader and the write pump the only writer of conn;
// everything else talks to the session through enqueue and close.
type Session struct {
	username string
	addr     string
	conn     *websocket.Conn
	send     chan []byte

	quit      chan struct{}
	closeOnce sync.Once
	code      int
	reason    string

	limiter   *rateLimiter
	pongWait  time.Duration
	writeWait time.Duration
	log       *slog.Logger
}

func newSession(conn *websocket.Conn, username, addr string, cfg Config, log *slog.Logger) *Session {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxFrameSize)
	}

	return &Session{
		username:  username,
		addr:      addr,
		conn:      conn,
		send:      make(chan []byte, cfg.SendBuffer),
		quit:      make(chan struct{}),
		limiter:   newRateLimiter(cfg.RateLimit()),
		pongWait:  cfg.PongWait,
		writeWait: cfg.WriteWait,
		log:       log.With("username", username, "addr", addr),
	}
}

// Username returns the identity this session was admitted as.
func (s *Session) Username() string {
	return s.username
}

// Done is closed once the session has been asked to close.
func (s *Session) Done() <-chan struct{} {
	return s.quit
}

// close asks the write pump to send a close frame with code and reason and
// drop the connection. Only the first call has any effect. It never blocks.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.code = code
		s.reason = reason
		close(s.quit)
	})
}

// enqueue hands a serialized frame to the write pump without blocking.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.quit:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.quit:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// sendFrame serializes v and enqueues it.
func (s *Session) sendFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueue(payload)
}

func (s *Session) extendReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		s.log.Debug("Error setting read deadline", "error", err)
	}
}

// readPump delivers each inbound text frame to handle, in arrival order,
// until the connection fails. Frames over the rate limit are discarded.
func (s *Session) readPump(handle func(raw []byte)) error {
	if s.conn == nil {
		return errNoConnectionSet
	}

	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return err
		}
		s.extendReadDeadline()

		if messageType != websocket.TextMessage {
			continue
		}
		if !s.limiter.allow() {
			s.log.Warn("Rate limit exceeded; discarding frame")
			continue
		}

		handle(raw)
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		s.log.Info("Connection closed", "reason", err)
	case isTimeout(err):
		s.log.Info("Connection idle for too long; reaping", "timeout", s.pongWait)
	default:
		s.log.Warn("WebSocket read error", "error", err)
	}
}

// writePump serializes all writes to the connection: queued frames, server
// pings and finally the close frame.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("Error closing connection", "error", err)
		}
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.log.Debug("Error writing frame", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Debug("Error writing ping", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-s.quit:
			s.writeClose()
			return
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

func (s *Session) writeClose() {
	// 1006 is never sent on the wire; it only marks a connection already gone.
	if s.code == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(s.code, s.reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait)); err != nil && !isExpectedCloseError(err) {
		s.log.Debug("Error writing close frame", "error", err)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
