package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

type AuthService interface {
	Login(ctx context.Context, identifier, password string) (string, *domain.User, error)
	Logout(ctx context.Context, requester domain.Requester)
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// LoginRequest accepts the identifier under any of the names the UI has used.
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"max=254"`
	Email      string `json:"email" validate:"max=254"`
	Username   string `json:"username" validate:"max=254"`
	Password   string `json:"password" validate:"required,max=1024"`
}

func (r LoginRequest) id() string {
	for _, s := range []string{r.Identifier, r.Email, r.Username} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

type userView struct {
	Username string      `json:"username"`
	Email    string      `json:"email,omitempty"`
	Role     domain.Role `json:"role"`
}

type AuthHandler struct {
	Service AuthService
	Cookie  CookieConfig
	Logger  *slog.Logger
}

func NewAuthHandler(service AuthService, cookie CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{Service: service, Cookie: cookie, Logger: logger}
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}

	token, user, err := h.Service.Login(r.Context(), req.id(), req.Password)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}

	h.setSessionCookie(w, token)
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"user": userView{Username: user.Username, Email: user.Email, Role: user.Role},
	})
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if requester, ok := domain.RequesterFromContext(r.Context()); ok {
		h.Service.Logout(r.Context(), requester)
	}
	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Me handles GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user": userView{Username: requester.Username, Email: requester.Email, Role: requester.Role},
	})
}

// 🛡️ Helper: session cookie policy
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(h.Cookie.TTL.Seconds()),
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.Cookie.Secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
