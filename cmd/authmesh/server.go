package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/metrics/export/prometheus"
	"github.com/MrEthical07/authmesh/middleware"
	"github.com/MrEthical07/authmesh/token"
	"github.com/MrEthical07/authmesh/wsgateway"
)

const maxBodyBytes = 1 << 16

type server struct {
	engine  *authmesh.Engine
	gateway *wsgateway.Gateway
	metrics *prometheus.PrometheusExporter
	logger  *slog.Logger
}

func (s *server) routes(devLogin bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws", s.upgrade)

	r.Route("/auth", func(r chi.Router) {
		if devLogin {
			r.Post("/login", s.login)
		}
		r.Post("/refresh", s.refresh)
		r.Post("/logout", s.logout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Guard(s.engine))
		r.Get("/me", s.me)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(token.RoleAdmin))
			r.Get("/admin/security", s.securityReport)
			r.Get("/admin/connections", s.connections)
			r.Post("/admin/users/{userID}/revoke", s.revokeUser)
		})
	})

	return r
}

/*
====================================
HEALTH
====================================
*/

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	report := s.engine.Health(ctx)
	status := http.StatusOK
	if report.Status == authmesh.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

/*
====================================
TOKENS
====================================
*/

type loginRequest struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Format string `json:"format"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Format      string    `json:"format"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	role, ok := parseRole(req.Role)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown role"})
		return
	}
	format, ok := parseFormat(req.Format)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown token format"})
		return
	}
	if req.UserID <= 0 || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and email are required"})
		return
	}

	res, err := s.engine.Login(r.Context(), authmesh.LoginRequest{
		UserID: req.UserID,
		Email:  req.Email,
		Role:   role,
		Format: format,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearer(r)
	if !ok {
		middleware.WriteRejection(w, authmesh.OutcomeUnauthorized, false)
		return
	}
	res, err := s.engine.Refresh(r.Context(), raw)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(res))
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearer(r)
	if !ok {
		middleware.WriteRejection(w, authmesh.OutcomeUnauthorized, false)
		return
	}
	if err := s.engine.Logout(r.Context(), raw); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newTokenResponse(res *authmesh.LoginResult) tokenResponse {
	return tokenResponse{
		AccessToken: res.AccessToken,
		TokenType:   "Bearer",
		Format:      res.Format.String(),
		SessionID:   res.SessionID,
		ExpiresAt:   res.ExpiresAt,
	}
}

/*
====================================
PROTECTED
====================================
*/

type identityResponse struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Format    string `json:"format"`
	SessionID string `json:"session_id,omitempty"`
	Degraded  bool   `json:"degraded"`
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	res, err := middleware.CurrentIdentity(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{
		UserID:    res.Identity.UserID,
		Email:     res.Identity.Email,
		Role:      string(res.Identity.Role),
		Format:    res.Identity.SourceFormat.String(),
		SessionID: res.SessionID(),
		Degraded:  res.Degraded,
	})
}

func (s *server) securityReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SecurityReport())
}

func (s *server) connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":       s.gateway.ConnectionStats(),
		"connections": s.gateway.ActiveConnections(),
	})
}

type revokeRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (s *server) revokeUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin_revoke"
	}

	n, err := s.engine.RevokeUser(r.Context(), userID, req.Email, req.Reason)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

/*
====================================
WEBSOCKET
====================================
*/

func (s *server) upgrade(w http.ResponseWriter, r *http.Request) {
	err := s.gateway.Accept(w, r, echo)
	var rej *wsgateway.Rejection
	if err != nil && !errors.As(err, &rej) && websocket.CloseStatus(err) == -1 {
		s.logger.Debug("websocket session ended", "error", err)
	}
}

// echo writes every message back until the peer or a revocation closes the socket.
func echo(ctx context.Context, conn *websocket.Conn, _ *wsgateway.ConnectionRecord) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

/*
====================================
HELPERS
====================================
*/

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(h[7:])
	return raw, raw != ""
}

func parseRole(s string) (token.Role, bool) {
	switch token.Role(s) {
	case "":
		return token.RoleUser, true
	case token.RoleUser, token.RoleAdmin, token.RoleModerator, token.RoleService:
		return token.Role(s), true
	default:
		return "", false
	}
}

func parseFormat(s string) (token.Format, bool) {
	switch strings.ToLower(s) {
	case "", "enhanced":
		return token.FormatEnhanced, true
	case "legacy":
		return token.FormatLegacy, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
