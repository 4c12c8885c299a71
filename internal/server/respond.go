package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/meshpay/routeguard/internal/domain"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a service error onto the canonical error body. Anything
// that is not a *domain.Error is reported as an opaque storage failure so
// internals never leak to callers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var de *domain.Error
	if !errors.As(err, &de) {
		de = &domain.Error{Kind: domain.KindStorage, Message: "internal error"}
	}

	if de.Code == domain.CodeRateLimited {
		if ra, ok := de.Details["retry_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(ra))
		}
	}

	writeJSON(w, de.HTTPStatusCode(), errorBody{Error: errorDetail{
		Kind:    de.Kind,
		Code:    de.Code,
		Message: de.Message,
		Details: de.Details,
	}})
}

// decode parses a JSON request body into dst, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrValidation("body", "request body is not valid JSON for this operation")
	}
	return nil
}
