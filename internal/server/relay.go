// Package server drives each admitted connection through the relay state
// machine: admission, ordered frame handling and identity-guarded cleanup.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/whisp/internal/auth"
)

// Relay admits WebSocket connections and routes frames between sessions.
// It never stores a frame beyond the single hop to the recipient's queue.
type Relay struct {
	registry *Registry
	gate     *auth.Gate
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	// mu orders admissions against Shutdown: once closing is set no session
	// is registered and none is added to wg.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewRelay(registry *Registry, gate *auth.Gate, cfg Config, log *slog.Logger) *Relay {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Relay{
		registry: registry,
		gate:     gate,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.checkOrigin,
		},
		now: time.Now,
	}
}

// ServeWS upgrades GET /ws?token=... and admits the connection when the
// token verifies. A missing or bad token gets a 1008 "unauthorized" close
// right after the upgrade; there is no second chance on the same socket.
func (e *Relay) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, authErr := e.gate.Verify(r.URL.Query().Get("token"))

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	if authErr != nil {
		e.log.Info("Rejecting unauthenticated WebSocket", "addr", r.RemoteAddr, "error", authErr)
		e.reject(conn, CloseUnauthorized, reasonUnauthorized)
		return
	}

	e.admit(newSession(conn, claims.Username, r.RemoteAddr, e.cfg, e.log))
}

func (e *Relay) reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(e.cfg.WriteWait)); err != nil && !isExpectedCloseError(err) {
		e.log.Debug("Error writing close", "code", code, "error", err)
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		e.log.Debug("Error closing rejected connection", "error", err)
	}
}

// admit moves a verified session to Open: it queues the presence
// confirmation first, so it always precedes any relayed frame, then takes
// over the username and starts the pumps. A connection upgraded while the
// relay is shutting down is closed with "going away" instead.
func (e *Relay) admit(s *Session) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		s.log.Info("Rejecting session during shutdown")
		e.reject(s.conn, websocket.CloseGoingAway, reasonShutdown)
		return
	}
	if err := s.sendFrame(newPresence(s.username)); err != nil {
		s.log.Warn("Could not queue presence frame", "error", err)
	}
	e.registry.Register(s.username, s)
	e.wg.Add(2)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		s.writePump(e.cfg.PingInterval())
	}()
	go func() {
		defer e.wg.Done()
		e.run(s)
	}()
}

// run is the Open state. When the read pump returns, for whatever reason,
// the session leaves the registry exactly once, guarded by identity.
func (e *Relay) run(s *Session) {
	defer func() {
		e.registry.Remove(s.username, s)
		s.close(websocket.CloseNormalClosure, "")
	}()

	_ = s.readPump(func(raw []byte) {
		e.handleFrame(s, raw)
	})
}

// handleFrame processes one inbound frame. Malformed, unknown or incomplete
// frames are dropped and the session stays open.
func (e *Relay) handleFrame(s *Session, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		s.log.Debug("Dropping frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case pingFrame:
		e.reply(s, pongFrame{Type: TypePong, T: e.now().UnixMilli()})

	case chatFrame:
		status := e.forward(f.To, chatMessage{
			Type: TypeChat,
			From: s.username,
			Text: f.Text,
			TS:   e.now().UnixMilli(),
		})
		e.reply(s, newDelivery(f.To, status))

	case fileFrame:
		if len(f.DataB64) > e.cfg.MaxFileData {
			s.log.Info("Rejecting oversized file", "to", f.To, "size", len(f.DataB64))
			e.reply(s, newDelivery(f.To, StatusTooLarge))
			return
		}
		status := e.forward(f.To, fileMessage{
			Type:    TypeFile,
			From:    s.username,
			Name:    f.Name,
			Mime:    f.Mime,
			Size:    f.Size,
			DataB64: f.DataB64,
			TS:      e.now().UnixMilli(),
		})
		e.reply(s, newDelivery(f.To, status))
	}
}

// forward hands v to the recipient's session, if any. The frame is either
// queued for the recipient's writer or discarded; it is never retried.
func (e *Relay) forward(to string, v any) DeliveryStatus {
	target, ok := e.registry.Lookup(to)
	if !ok {
		return StatusOffline
	}

	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Error("Error encoding relayed frame", "to", to, "error", err)
		return StatusOffline
	}

	switch err := target.enqueue(payload); {
	case err == nil:
		return StatusSent
	case errors.Is(err, errSendBufferFull):
		// Slow consumer: drop it rather than buffer without bound.
		target.log.Warn("Send buffer full; closing session")
		e.registry.Remove(to, target)
		target.close(websocket.CloseTryAgainLater, "send buffer full")
		return StatusOffline
	default:
		return StatusOffline
	}
}

func (e *Relay) reply(s *Session, v any) {
	if err := s.sendFrame(v); err != nil && !errors.Is(err, errSessionClosed) {
		s.log.Warn("Could not queue reply", "error", err)
	}
}

// Shutdown closes every session with "going away" and waits for their
// goroutines until ctx is done.
func (e *Relay) Shutdown(ctx context.Context) error {
	e.log.Info("Initiating relay shutdown")
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.registry.CloseAll(websocket.CloseGoingAway, reasonShutdown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("Relay shutdown completed")
		return nil
	case <-ctx.Done():
		e.log.Warn("Relay shutdown timed out; some sessions may still be closing")
		return ctx.Err()
	}
}
