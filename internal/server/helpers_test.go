package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/whisp/internal/auth"
	"github.com/Tyrowin/whisp/internal/store"
)

const (
	testSecret  = "test-signing-secret"
	readTimeout = 2 * time.Second
)

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelWarn)
}

func testConfig() Config {
	cfg := NewConfig()
	cfg.JWTSecret = testSecret
	cfg.StoreDriver = DriverMemory
	return cfg
}

// testEnv is a relay served over httptest with an in-memory store.
type testEnv struct {
	srv   *Server
	http  *httptest.Server
	store store.Store
	gate  *auth.Gate
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = sanitizeConfig(cfg)

	gate, err := auth.NewGate(cfg.JWTSecret, cfg.TokenTTL)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	srv := New(cfg, st, gate, testLogger())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = st.Close()
	})

	return &testEnv{srv: srv, http: ts, store: st, gate: gate}
}

// login registers username and returns a session token for it.
func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()

	identity, _, err := e.store.CreateIdentity(context.Background(), username)
	require.NoError(t, err)
	token, err := e.gate.Issue(identity.ID, identity.Username)
	require.NoError(t, err)
	return token
}

func (e *testEnv) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
}

func websocketDialer() *websocket.Dialer {
	return &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
}

// dial opens a WebSocket with token and returns it without reading anything.
func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocketDialer().Dial(e.wsURL(token), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect logs username in, dials and consumes the presence frame, after
// which the session is guaranteed to be registered.
func (e *testEnv) connect(t *testing.T, username string) *websocket.Conn {
	t.Helper()

	conn := e.dial(t, e.login(t, username))
	presence := readFrame(t, conn)
	require.Equal(t, "presence", presence["type"])
	require.Equal(t, username, presence["self"])
	require.Equal(t, true, presence["online"])
	return conn
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func sendRaw(t *testing.T, conn *websocket.Conn, messageType int, data []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(messageType, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readClose reads until the server closes the connection and returns the
// close frame it sent.
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

// newTestSession builds a session with no connection; frames queued to it
// can be read straight from its send channel.
func newTestSession(username string, cfg Config) *Session {
	return newSession(nil, username, "test:"+username, cfg, testLogger())
}

func nextQueued(t *testing.T, s *Session) map[string]any {
	t.Helper()

	select {
	case raw := <-s.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	default:
		t.Fatalf("no frame queued for %s", s.username)
		return nil
	}
}

func requireNothingQueued(t *testing.T, s *Session) {
	t.Helper()
	require.Empty(t, s.send, "unexpected frame queued for %s", s.username)
}
