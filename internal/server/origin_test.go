package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:3000", "https://Chat.Example.com", "not a url", ""}, testLogger())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "no origin header", origin: "", want: true},
		{name: "exact match", origin: "http://localhost:3000", want: true},
		{name: "case insensitive", origin: "HTTPS://chat.example.COM", want: true},
		{name: "wrong port", origin: "http://localhost:3001", want: false},
		{name: "wrong scheme", origin: "https://localhost:3000", want: false},
		{name: "malformed", origin: "javascript:alert(1)", want: false},
		{name: "scheme only", origin: "http://", want: false},
		{name: "unlisted", origin: "http://evil.example", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, policy.checkOrigin(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://anything.example")
	require.True(t, policy.allows(r))
}

func TestWebSocketBlockedOrigin(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"http://localhost:3000"} })
	token := env.login(t, "alice")

	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocketDialer().Dial(env.wsURL(token), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.False(t, env.srv.Registry().IsOnline("alice"))
}
