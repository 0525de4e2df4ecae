package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/irgordon/medsecure/api/internal/api/handlers"
	auth_middleware "github.com/irgordon/medsecure/api/internal/api/middleware"
	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// RouterConfig defines the dependencies required to build the API routing tree.
type RouterConfig struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration

	AuthHandler    *handlers.AuthHandler
	MessageHandler *handlers.MessageHandler
	AuditHandler   *handlers.AuditHandler
	StatusHandler  *handlers.StatusHandler
	AuthMiddleware *auth_middleware.AuthMiddleware
	Metrics        http.Handler
	Logger         *slog.Logger
}

// NewRouter constructs the Chi multiplexer, attaches global middleware, and wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// =========================================================================
	// 1. Global Middleware Pipeline
	// =========================================================================

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth_middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 25 << 20
	}
	r.Use(auth_middleware.MaxBytes(maxBody))

	// 🛡️ In-memory token bucket rate limiting
	r.Use(cfg.AuthMiddleware.RateLimit)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// =========================================================================
	// 2. API v1 Routing Tree
	// =========================================================================

	r.Route("/api/v1", func(r chi.Router) {

		// ---------------------------------------------------------------------
		// Public Routes
		// ---------------------------------------------------------------------
		r.Post("/auth/login", cfg.AuthHandler.Login)

		// ---------------------------------------------------------------------
		// Protected Routes (Requires a Valid Session)
		// ---------------------------------------------------------------------
		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthMiddleware.RequireAuthentication)

			r.Post("/auth/logout", cfg.AuthHandler.Logout)
			r.Get("/auth/me", cfg.AuthHandler.Me)

			r.Route("/messages", func(r chi.Router) {
				r.Post("/send", cfg.MessageHandler.Send)
				r.Get("/inbox", cfg.MessageHandler.Inbox)
				r.Get("/sent", cfg.MessageHandler.Sent)
				r.Post("/decrypt/{id}", cfg.MessageHandler.Decrypt)
				r.Post("/extract", cfg.MessageHandler.Extract)

				r.Get("/{id}/file", cfg.MessageHandler.File(domain.ArtifactFull))
				r.Get("/{id}/file/stego", cfg.MessageHandler.File(domain.ArtifactStego))
				r.Get("/{id}/file/original", cfg.MessageHandler.File(domain.ArtifactOriginal))
			})

			r.Get("/audit", cfg.AuditHandler.List)

			r.With(auth_middleware.RequireRole(domain.RoleAdmin)).
				Get("/debug/status", cfg.StatusHandler.Status)
		})
	})

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}
