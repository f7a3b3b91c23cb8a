// Package server exposes the HTTP API: registration, login, friend
// management and diagnostics. WebSocket upgrades are handled by Relay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/Tyrowin/whisp/internal/auth"
	"github.com/Tyrowin/whisp/internal/store"
)

const maxBodyBytes = 64 << 10

type contextKey string

const claimsKey contextKey = "claims"

// API holds the dependencies of the HTTP handlers. It composes the store,
// the token gate and a read-only view of the session registry.
type API struct {
	store    store.Store
	gate     *auth.Gate
	registry *Registry
	validate *validator.Validate
	log      *slog.Logger
}

func NewAPI(st store.Store, gate *auth.Gate, registry *Registry, log *slog.Logger) *API {
	return &API{
		store:    st,
		gate:     gate,
		registry: registry,
		validate: validator.New(),
		log:      log,
	}
}

type (
	registerRequest struct {
		Username string `json:"username"`
	}
	registerResponse struct {
		Username    string `json:"username"`
		DeviceToken string `json:"deviceToken"`
	}
	loginRequest struct {
		Username    string `json:"username" validate:"required"`
		DeviceToken string `json:"deviceToken" validate:"required"`
	}
	loginResponse struct {
		Token string `json:"token"`
	}
	addFriendRequest struct {
		FriendUsername string `json:"friendUsername" validate:"required"`
	}
	friendStatus struct {
		Username string `json:"username"`
		Online   bool   `json:"online"`
	}
	friendsResponse struct {
		Friends []friendStatus `json:"friends"`
	}
	usersResponse struct {
		Users []string `json:"users"`
	}
	healthResponse struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	okResponse struct {
		OK bool `json:"ok"`
	}
)

// handleRegister (POST /register) creates an identity. The device secret in
// the response is the only copy the server ever hands out.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}

	identity, secret, err := a.store.CreateIdentity(r.Context(), req.Username)
	switch {
	case errors.Is(err, store.ErrInvalidUsername):
		a.respondError(w, http.StatusBadRequest, "Invalid username")
		return
	case errors.Is(err, store.ErrUsernameTaken):
		a.respondError(w, http.StatusConflict, "Username taken")
		return
	case err != nil:
		a.internalError(w, r, "register", err)
		return
	}

	a.log.Info("Identity registered", "username", identity.Username)
	a.respondJSON(w, http.StatusOK, registerResponse{Username: identity.Username, DeviceToken: secret})
}

// handleLogin (POST /login) exchanges a device secret for a session token.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	userID, err := a.store.VerifyCredentials(r.Context(), req.Username, req.DeviceToken)
	switch {
	case errors.Is(err, store.ErrInvalidCredentials):
		a.respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	case err != nil:
		a.internalError(w, r, "login", err)
		return
	}

	token, err := a.gate.Issue(userID, req.Username)
	if err != nil {
		a.internalError(w, r, "login", err)
		return
	}
	a.respondJSON(w, http.StatusOK, loginResponse{Token: token})
}

// handleAddFriend (POST /friends/add) records a one-way friendship.
func (a *API) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req addFriendRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.validate.Struct(req); err != nil || req.FriendUsername == claims.Username {
		a.respondError(w, http.StatusBadRequest, "Invalid friend")
		return
	}

	err := a.store.AddFriend(r.Context(), claims.UserID, req.FriendUsername)
	switch {
	case errors.Is(err, store.ErrSelfReference):
		a.respondError(w, http.StatusBadRequest, "Invalid friend")
		return
	case errors.Is(err, store.ErrUnknownUser):
		a.respondError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		a.internalError(w, r, "add friend", err)
		return
	}

	a.respondJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleListFriends (GET /friends) lists the caller's friends with a live
// online flag taken from the registry at request time.
func (a *API) handleListFriends(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	names, err := a.store.ListFriends(r.Context(), claims.UserID)
	if err != nil {
		a.internalError(w, r, "list friends", err)
		return
	}

	friends := lo.Map(names, func(name string, _ int) friendStatus {
		return friendStatus{Username: name, Online: a.registry.IsOnline(name)}
	})
	a.respondJSON(w, http.StatusOK, friendsResponse{Friends: friends})
}

// handleListUsers (GET /users) is an unauthenticated diagnostic listing.
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.ListAllUsernames(r.Context())
	if err != nil {
		a.internalError(w, r, "list users", err)
		return
	}
	a.respondJSON(w, http.StatusOK, usersResponse{Users: names})
}

// handleHealth (GET /health) reports liveness and the number of online users.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: a.registry.Count()})
}

// requireAuth admits requests carrying a valid bearer token and stores its
// claims in the request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.respondError(w, http.StatusUnauthorized, "No token")
			return
		}

		claims, err := a.gate.Verify(token)
		if errors.Is(err, auth.ErrExpired) {
			a.respondError(w, http.StatusUnauthorized, "Token expired")
			return
		}
		if err != nil {
			a.respondError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	if claims == nil {
		return &auth.Claims{}
	}
	return claims
}

// decode reads a bounded JSON body into v, answering 400 itself on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.log.Error("Request failed", "op", op, "path", r.URL.Path, "error", err)
	a.respondError(w, http.StatusInternalServerError, "Internal server error")
}

func (a *API) respondError(w http.ResponseWriter, code int, message string) {
	a.respondJSON(w, code, map[string]string{"error": message})
}

func (a *API) respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("Error encoding response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		a.log.Debug("Error writing response", "error", err)
	}
}
