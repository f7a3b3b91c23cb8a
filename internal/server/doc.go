// Package server implements the whisp relay: an HTTP API for identities and
// friendships and a WebSocket endpoint that forwards chat and file frames
// between online users without persisting them.
//
// The code is split by concern: configuration, the wire protocol, the
// session registry, per-connection sessions and their pumps, the relay
// engine, HTTP handlers and routing, and the server lifecycle.
package server
