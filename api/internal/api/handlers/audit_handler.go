package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

type AuditLister interface {
	List(ctx context.Context, requester domain.Requester, limit int) ([]domain.AuditEntry, error)
}

type AuditHandler struct {
	Audit  AuditLister
	Logger *slog.Logger
}

func NewAuditHandler(audit AuditLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{Audit: audit, Logger: logger}
}

// List handles GET /api/v1/audit. Admins see every entry, others their own.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.Audit.List(r.Context(), requester, limit)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	if logs == nil {
		logs = []domain.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
