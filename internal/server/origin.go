// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a WebSocket. Native
// clients send no Origin header and are always let through; the token is
// what authenticates them.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *slog.Logger
}

func newOriginPolicy(origins []string, log *slog.Logger) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			policy.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("Ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		policy.allowed[normalized] = struct{}{}
	}

	return policy
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p originPolicy) allows(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	if p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// checkOrigin is the websocket.Upgrader hook.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
