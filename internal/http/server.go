package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studypulse/server/internal/attendance"
	"studypulse/server/internal/auth"
	"studypulse/server/internal/config"
	"studypulse/server/internal/crypto"
	"studypulse/server/internal/homework"
	"studypulse/server/internal/identity"
	"studypulse/server/internal/model"
	"studypulse/server/internal/poll"
	"studypulse/server/internal/store"
	"studypulse/server/internal/tenant"
)

type Server struct {
	cfg        config.Config
	store      store.Store
	tenants    *tenant.Service
	directory  *identity.Service
	attendance *attendance.Service
	polls      *poll.Service
	homeworks  *homework.Service
	validate   *validator.Validate
}

func NewServer(cfg config.Config, st store.Store, tenants *tenant.Service, directory *identity.Service, att *attendance.Service, polls *poll.Service, homeworks *homework.Service) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		tenants:    tenants,
		directory:  directory,
		attendance: att,
		polls:      polls,
		homeworks:  homeworks,
		validate:   validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/tenants/resolve", s.handleResolveTenant)
	r.Post("/tenants", s.handleCreateTenant)
	r.With(s.authMiddleware).Get("/tenants/{tenantId}", s.handleGetTenant)
	r.With(s.authMiddleware, s.requireAdmin).Patch("/tenants/{tenantId}", s.handlePatchTenant)

	r.Post("/auth/signup", s.handleSignUp)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Post("/auth/rotate-secret", s.handleRotateSecret)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	r.Route("/users", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireAdmin).Get("/", s.handleListUsers)
		r.With(s.authMiddleware, s.requireAdmin).Post("/", s.handleProvisionUser)
		r.With(s.authMiddleware).Get("/{userId}", s.handleGetUser)
		r.With(s.authMiddleware).Patch("/{userId}", s.handlePatchUser)
		r.With(s.authMiddleware, s.requireAdmin).Delete("/{userId}", s.handleDeleteUser)
		r.With(s.authMiddleware, s.requireAdmin).Post("/{userId}/approve", s.handleApproveUser)
		r.With(s.authMiddleware, s.requireAdmin).Post("/{userId}/reject", s.handleRejectUser)
		r.With(s.authMiddleware, s.requireAdmin).Post("/{userId}/block", s.handleBlockUser)
		r.With(s.authMiddleware, s.requireAdmin).Post("/{userId}/device-reset", s.handleDeviceReset)
		r.With(s.authMiddleware).Get("/{userId}/watch", s.handleWatchUser)
	})

	r.Route("/parents/me", func(r chi.Router) {
		r.With(s.authMiddleware).Get("/students", s.handleLinkedStudents)
		r.With(s.authMiddleware).Get("/students/{studentId}/attendance", s.handleParentAttendance)
		r.With(s.authMiddleware).Get("/students/{studentId}/submissions", s.handleParentSubmissions)
	})

	r.Route("/attendance", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireAdmin).Put("/{date}", s.handleSaveAttendance)
		r.With(s.authMiddleware, s.requireAdmin).Get("/{date}", s.handleGetAttendance)
		r.With(s.authMiddleware).Get("/students/{studentId}", s.handleStudentAttendance)
	})

	r.Route("/polls", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireAdmin).Post("/", s.handleCreatePoll)
		r.With(s.authMiddleware).Get("/", s.handleListPolls)
		r.With(s.authMiddleware).Get("/{pollId}", s.handleGetPoll)
		r.With(s.authMiddleware).Post("/{pollId}/vote", s.handleVote)
		r.With(s.authMiddleware, s.requireAdmin).Post("/{pollId}/end", s.handleEndPoll)
		r.With(s.authMiddleware).Get("/{pollId}/watch", s.handleWatchPoll)
	})

	r.Route("/homework", func(r chi.Router) {
		r.With(s.authMiddleware, s.requireAdmin).Post("/", s.handleCreateHomework)
		r.With(s.authMiddleware).Get("/", s.handleListHomework)
		r.With(s.authMiddleware).Get("/{homeworkId}", s.handleGetHomework)
		r.With(s.authMiddleware).Post("/{homeworkId}/submissions", s.handleSubmitHomework)
		r.With(s.authMiddleware, s.requireAdmin).Get("/{homeworkId}/submissions", s.handleListSubmissions)
		r.With(s.authMiddleware, s.requireAdmin).Put("/{homeworkId}/submissions/{studentId}", s.handleVerifySubmission)
	})

	return r
}

type loginRequest struct {
	DisplayCode string `json:"displayCode"`
	Identifier  string `json:"identifier"`
	Secret      string `json:"secret"`
}

type authResponse struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	MustRotate   bool              `json:"mustRotate"`
	Route        string            `json:"route"`
	User         model.UserProfile `json:"user"`
}

// handleLogin runs the full gate sequence: resolve tenant, verify the
// credential, check account status, enforce the device binding, and only then
// issue tokens. A refusal at any step leaves no session behind.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Identifier == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	tenantID := ""
	if req.DisplayCode != "" {
		t, err := s.tenants.ResolveByCode(r.Context(), req.DisplayCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "tenant_not_found")
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		if !t.IsActive {
			writeError(w, http.StatusForbidden, "tenant_inactive")
			return
		}
		tenantID = t.ID
	}

	result, err := s.directory.Authenticate(r.Context(), req.Identifier, req.Secret, tenantID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAccountDisabled):
			writeError(w, http.StatusForbidden, "account_disabled")
		case errors.Is(err, identity.ErrInvalidCredential):
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	profile := result.Profile
	if profile.Role != model.RoleAdmin {
		if _, err := s.directory.EnforceDeviceBinding(r.Context(), profile.ID, r.Header.Get("X-Device-ID")); err != nil {
			if errors.Is(err, identity.ErrDeviceMismatch) {
				writeError(w, http.StatusForbidden, "device_mismatch")
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), profile, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		MustRotate:   result.MustRotate,
		Route:        s.directory.RouteFor(r.Context(), profile),
		User:         profile,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	session, err := s.findSession(r.Context(), crypto.HashToken(req.RefreshToken))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	if session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "refresh_token_expired")
		return
	}

	profile, err := s.directory.Get(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user_not_found")
		return
	}
	if profile.Status == model.StatusBlocked || profile.Status == model.StatusRejected {
		writeError(w, http.StatusForbidden, "account_disabled")
		return
	}

	// Rotation: the presented token is retired before its replacement exists.
	now := time.Now().UTC()
	if err := s.store.Update(r.Context(), store.Sessions, session.ID, map[string]any{"revokedAt": now}); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), profile, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Route:        s.directory.RouteFor(r.Context(), profile),
		User:         profile,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var sessions []model.Session
	if err := s.store.Query(r.Context(), store.Sessions, []store.Filter{{Field: "userId", Value: claims.UserID}}, &sessions); err == nil {
		now := time.Now().UTC()
		for _, session := range sessions {
			if session.RevokedAt == nil {
				_ = s.store.Update(r.Context(), store.Sessions, session.ID, map[string]any{"revokedAt": now})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rotateSecretRequest struct {
	CurrentSecret string `json:"currentSecret"`
	NewSecret     string `json:"newSecret"`
}

func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req rotateSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.directory.RotateSecret(r.Context(), claims.UserID, req.CurrentSecret, req.NewSecret); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredential):
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
		case errors.Is(err, identity.ErrValidation):
			writeError(w, http.StatusBadRequest, "invalid_secret")
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

type meResponse struct {
	User  model.UserProfile `json:"user"`
	Route string            `json:"route"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	profile, err := s.directory.Get(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:  profile,
		Route: s.directory.RouteFor(r.Context(), profile),
	})
}

func (s *Server) issueTokens(ctx context.Context, profile model.UserProfile, userAgent, ip string) (string, string, error) {
	accessToken, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		UserID:   profile.ID,
		TenantID: profile.TenantID,
		Role:     profile.Role,
		Status:   profile.Status,
	})
	if err != nil {
		return "", "", err
	}

	refreshToken, err := crypto.NewRefreshToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	session := model.Session{
		ID:        uuid.NewString(),
		UserID:    profile.ID,
		TenantID:  profile.TenantID,
		TokenHash: crypto.HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		UserAgent: userAgent,
		IPAddress: ip,
	}
	if err := s.store.Set(ctx, store.Sessions, session.ID, session); err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *Server) findSession(ctx context.Context, tokenHash string) (model.Session, error) {
	var sessions []model.Session
	if err := s.store.Query(ctx, store.Sessions, []store.Filter{{Field: "tokenHash", Value: tokenHash}}, &sessions); err != nil {
		return model.Session{}, err
	}
	if len(sessions) == 0 {
		return model.Session{}, store.ErrNotFound
	}
	return sessions[0], nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != model.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return ""
}

// streamDocument pipes a document subscription out as server-sent events. The
// client gets the current value first, then every change, until it hangs up.
func (s *Server) streamDocument(w http.ResponseWriter, r *http.Request, collection, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	events, cancel, err := s.store.Subscribe(r.Context(), collection, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if event.Deleted {
				fmt.Fprint(w, "event: deleted\ndata: {}\n\n")
			} else {
				fmt.Fprintf(w, "data: %s\n\n", event.Data)
			}
			flusher.Flush()
		}
	}
}
