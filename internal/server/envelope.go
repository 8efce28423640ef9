package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keepsake-ai/keepsake/internal/resolver"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

// Error codes in the response envelope.
const (
	codeValidation  = "validation_error"
	codePolicy      = "policy_denied"
	codeNotFound    = "not_found"
	codeConflict    = "conflict_requires_supersedes"
	codeTransient   = "transient"
	codeUnauth      = "unauthorized"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)

type envelope struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     *apiError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data, RequestID: requestID(r)})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeJSON(w, status, envelope{
		OK:        false,
		Error:     &apiError{Code: code, Message: message, Details: details},
		RequestID: requestID(r),
	})
}

// failErr maps domain errors onto the envelope taxonomy. Anything unmapped
// is an internal error; its detail is logged, not leaked.
func (s *Server) failErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		s.fail(w, r, http.StatusUnprocessableEntity, codeValidation, err.Error(), nil)
	case resolver.IsPolicyDenied(err):
		s.fail(w, r, http.StatusBadRequest, codePolicy, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		s.fail(w, r, http.StatusNotFound, codeNotFound, "resource not found", nil)
	case errors.Is(err, storage.ErrConflictRequiresSupersedes):
		s.fail(w, r, http.StatusConflict, codeConflict,
			"an active item holds this slot; supply its id as supersedes_id", nil)
	case errors.Is(err, storage.ErrTransient):
		s.fail(w, r, http.StatusServiceUnavailable, codeTransient,
			"storage is briefly contended, retry with backoff", nil)
	default:
		s.log.Error().Err(err).Str("request_id", requestID(r)).Msg("http.internal_error")
		s.fail(w, r, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

// decode parses a JSON body into dst, rejecting unknown fields.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
