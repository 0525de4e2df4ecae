package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// Authenticator turns a session token into the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Requester, error)
}

type AuthMiddleware struct {
	Auth       Authenticator
	CookieName string
	Logger     *slog.Logger

	rps      rate.Limit
	burst    int
	visitors sync.Map
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewAuthMiddleware starts the visitor cleanup loop, which stops with ctx.
func NewAuthMiddleware(ctx context.Context, auth Authenticator, cookieName string, logger *slog.Logger) *AuthMiddleware {
	m := &AuthMiddleware{
		Auth:       auth,
		CookieName: cookieName,
		Logger:     logger,
		rps:        rate.Limit(10),
		burst:      30,
	}
	go m.cleanupVisitors(ctx)
	return m
}

// ==============================================================================
// 1. Identity
// ==============================================================================

func (m *AuthMiddleware) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := m.extractToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		requester, err := m.Auth.Authenticate(r.Context(), tokenString)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				m.Logger.Warn("Rejected session",
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			m.Logger.Error("Session check failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		next.ServeHTTP(w, r.WithContext(domain.WithRequester(r.Context(), requester)))
	})
}

// ==============================================================================
// 2. DoS Protection
// ==============================================================================

func (m *AuthMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		v, _ := m.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(m.rps, m.burst)})
		vis := v.(*visitor)
		vis.lastSeen.Store(time.Now().UnixNano())

		if !vis.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * time.Minute).UnixNano()
			m.visitors.Range(func(key, value any) bool {
				if value.(*visitor).lastSeen.Load() < cutoff {
					m.visitors.Delete(key)
				}
				return true
			})
		}
	}
}

func (m *AuthMiddleware) extractToken(r *http.Request) string {
	if cookie, err := r.Cookie(m.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// clientIP relies on chi's RealIP having already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
