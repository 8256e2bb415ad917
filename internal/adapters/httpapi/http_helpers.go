package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/logging"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return domain.NewValidationError("body", "is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("body", "is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.NewValidationError("body", fmt.Sprintf("exceeds limit of %d bytes", tooLarge.Limit))
		}
		return domain.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	if decoder.More() {
		return domain.NewValidationError("body", "must contain a single JSON object")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: http.StatusText(status)}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondServiceError maps service errors onto HTTP statuses. Unexpected
// errors are logged and hidden from the caller.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var serr *domain.StoreError

	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, domain.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.As(err, &serr):
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, domain.ErrStore)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, errors.New("request timed out"))
	case errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, errors.New("request cancelled"))
	default:
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func pageFromQuery(r *http.Request) (domain.Page, error) {
	var page domain.Page
	q := r.URL.Query()

	for field, dest := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return domain.Page{}, domain.NewValidationError(field, "must be a non-negative integer")
		}
		*dest = n
	}
	return page, nil
}

func parseBool(field, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.NewValidationError(field, "must be a boolean")
	}
	return v, nil
}
