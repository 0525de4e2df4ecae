package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/irgordon/medsecure/api/internal/core/domain"
)

// Use a single instance of Validate, it caches struct info
var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HandleError maps domain error kinds to status codes. 5xx responses carry a
// generic message; the cause is only logged.
func HandleError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		respondError(w, http.StatusBadRequest, validationMessage(vErrs))
		return
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	respondError(w, status, msg)
}

func statusFor(err error) (int, string) {
	public := func(fallback string) string {
		var de *domain.Error
		if errors.As(err, &de) {
			return de.PublicMessage()
		}
		return fallback
	}

	switch {
	case errors.Is(err, domain.ErrNoEmbeddedData):
		return http.StatusBadRequest, public("No embedded data found")
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, public("Invalid request")
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, public("Not authenticated")
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, public("Not found")
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, public("Conflict")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "Cipher service unreachable"
	case errors.Is(err, domain.ErrUpstreamRejected):
		return http.StatusBadGateway, public("Cipher service rejected the request")
	}
	return http.StatusInternalServerError, "Internal server error"
}

func validationMessage(errs validator.ValidationErrors) string {
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fmt.Sprintf("%s (%s)", jsonFieldPath(fe.Namespace()), fe.Tag()))
	}
	return "Invalid fields: " + strings.Join(fields, ", ")
}

// jsonFieldPath drops the top-level struct name: "SendRequest.file.mime" -> "file.mime".
func jsonFieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return domain.Validation("decode", "Invalid JSON payload")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"message": msg})
}
