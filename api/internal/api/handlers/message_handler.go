package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/irgordon/medsecure/api/internal/core/domain"
	"github.com/irgordon/medsecure/api/internal/core/services"
)

// MessageService is the dispatcher surface the HTTP layer depends on.
type MessageService interface {
	Submit(ctx context.Context, sender domain.Requester, req services.SendRequest) (*domain.Message, error)
	DecryptByID(ctx context.Context, id uuid.UUID, requester domain.Requester) (*services.DecryptResult, error)
	ExtractFromMedia(ctx context.Context, file *domain.MediaFile, requester domain.Requester) (*services.ExtractResult, error)
	RetrieveFile(ctx context.Context, id uuid.UUID, requester domain.Requester, kind domain.ArtifactKind) (*services.FileResult, error)
	Inbox(ctx context.Context, requester domain.Requester) ([]services.MessageListItem, error)
	Sent(ctx context.Context, requester domain.Requester) ([]services.MessageListItem, error)
}

// ==============================================================================
// 1. Request Payloads
// ==============================================================================

type ExtractRequest struct {
	File *domain.MediaFile `json:"file" validate:"required"`
}

type sendResponse struct {
	ID         uuid.UUID `json:"id"`
	MonoCipher string    `json:"mono_cipher"`
}

type listResponse struct {
	Items []services.MessageListItem `json:"items"`
}

// ==============================================================================
// 2. Handler
// ==============================================================================

type MessageHandler struct {
	Service MessageService
	Logger  *slog.Logger
}

func NewMessageHandler(service MessageService, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{Service: service, Logger: logger}
}

// Send handles POST /api/v1/messages/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req services.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}

	msg, err := h.Service.Submit(r.Context(), requester, req)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, sendResponse{ID: msg.ID, MonoCipher: msg.DisplayCiphers.Caesar})
}

// Inbox handles GET /api/v1/messages/inbox. The legacy mine=true flag is implied.
func (h *MessageHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	items, err := h.Service.Inbox(r.Context(), requester)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items})
}

// Sent handles GET /api/v1/messages/sent
func (h *MessageHandler) Sent(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	items, err := h.Service.Sent(r.Context(), requester)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items})
}

// Decrypt handles POST /api/v1/messages/decrypt/{id}. A message the caller may not
// decrypt is reported exactly like a missing one.
func (h *MessageHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "Not found")
		return
	}

	res, err := h.Service.DecryptByID(r.Context(), id, requester)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) || errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Not found")
			return
		}
		HandleError(h.Logger, w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Extract handles POST /api/v1/messages/extract
func (h *MessageHandler) Extract(w http.ResponseWriter, r *http.Request) {
	requester, ok := domain.RequesterFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req ExtractRequest
	if err := decodeJSON(r, &req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}

	res, err := h.Service.ExtractFromMedia(r.Context(), req.File, requester)
	if err != nil {
		HandleError(h.Logger, w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// File returns a handler for GET /api/v1/messages/{id}/file[/stego|/original].
func (h *MessageHandler) File(kind domain.ArtifactKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := domain.RequesterFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusNotFound, "Not found")
			return
		}

		file, err := h.Service.RetrieveFile(r.Context(), id, requester, kind)
		if err != nil {
			HandleError(h.Logger, w, r, err)
			return
		}

		if file.RedirectURL != "" {
			http.Redirect(w, r, file.RedirectURL, http.StatusFound)
			return
		}

		w.Header().Set("Content-Type", file.MIME)
		w.Header().Set("Content-Disposition", contentDisposition(file.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(file.Content)))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(file.Content)
	}
}

func contentDisposition(filename string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, filename)
	if clean == "" {
		clean = "download"
	}
	return `attachment; filename="` + clean + `"`
}
