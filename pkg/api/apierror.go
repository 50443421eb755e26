// Package api — RFC 7807 Problem Detail error responses and JSON
// handlers for the carbon ledger API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/evergrid-labs/carbonledger/pkg/calc"
	"github.com/evergrid-labs/carbonledger/pkg/creditledger"
	"github.com/evergrid-labs/carbonledger/pkg/credits"
	"github.com/evergrid-labs/carbonledger/pkg/errdefs"
	"github.com/evergrid-labs/carbonledger/pkg/vehicle"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://evergrid.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://evergrid.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteUnprocessable writes a 422 error response.
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps ledger domain errors onto the HTTP status
// taxonomy: missing capability 403, unknown resource 404, duplicate or
// out-of-order state change 409, precondition failure 422, bad input 400.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errdefs.ErrUnauthorized):
		WriteForbidden(w, err.Error())
	case errors.Is(err, errdefs.ErrNotFound),
		errors.Is(err, errdefs.ErrNotRegistered):
		WriteNotFound(w, err.Error())
	case errors.Is(err, errdefs.ErrAlreadyDecided),
		errors.Is(err, errdefs.ErrAlreadyGenerated),
		errors.Is(err, errdefs.ErrAlreadyIssued),
		errors.Is(err, errdefs.ErrVersionNotIncreasing),
		errors.Is(err, vehicle.ErrAlreadyRegistered):
		WriteConflict(w, err.Error())
	case errors.Is(err, errdefs.ErrNotVerified),
		errors.Is(err, errdefs.ErrInsufficientVehicleBalance),
		errors.Is(err, errdefs.ErrInsufficientAccountBalance):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, calc.ErrInvalidSample),
		errors.Is(err, credits.ErrInvalidRate),
		errors.Is(err, creditledger.ErrInvalidAmount):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
