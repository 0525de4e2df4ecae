package handlers

import (
	"context"
	"net/http"
	"time"
)

const statusProbeTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthChecker interface {
	Health(ctx context.Context) (bool, error)
}

// StatusConfig is the non-secret configuration echoed by the status endpoint.
type StatusConfig struct {
	CipherServiceURL string
	AllowedOrigins   []string
	CookieName       string
	CookieSecure     bool
	Environment      string
}

type StatusHandler struct {
	DB     Pinger
	Cipher HealthChecker
	Config StatusConfig
}

func NewStatusHandler(db Pinger, cipher HealthChecker, cfg StatusConfig) *StatusHandler {
	return &StatusHandler{DB: db, Cipher: cipher, Config: cfg}
}

type cipherHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Status handles GET /api/v1/debug/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	out := map[string]any{
		"api_ok":            true,
		"environment":       h.Config.Environment,
		"stego_service_url": h.Config.CipherServiceURL,
		"client_origins":    h.Config.AllowedOrigins,
		"cookie_name":       h.Config.CookieName,
		"cookie_secure":     h.Config.CookieSecure,
	}

	out["db_connected"] = h.DB.Ping(ctx) == nil

	health := cipherHealth{}
	ok, err := h.Cipher.Health(ctx)
	if err != nil {
		health.Error = err.Error()
	} else {
		health.OK = ok
	}
	out["stego_health"] = health

	respondJSON(w, http.StatusOK, out)
}
