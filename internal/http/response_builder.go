// Package http provides HTTP server and handler implementations.
//
// This file implements the Builder Pattern for constructing JSON responses
// and the single mapping from domain errors to HTTP statuses.

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"finledger/internal/core"
	"finledger/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.payload)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`

	// Conflict details.
	Entity          string   `json:"entity,omitempty"`
	EntityID        string   `json:"entityId,omitempty"`
	ExpectedVersion int64    `json:"expectedVersion,omitempty"`
	CurrentVersion  int64    `json:"currentVersion,omitempty"`
	Fields          []string `json:"conflictingFields,omitempty"`
	Suggestion      any      `json:"suggestion,omitempty"`
	Note            string   `json:"note,omitempty"`

	// Lock details.
	Holder string     `json:"holder,omitempty"`
	Expiry *time.Time `json:"expiry,omitempty"`

	Problems []string `json:"problems,omitempty"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Body(ErrorBody{Error: code, Message: message})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, "internal", "internal error")
}

// errorResponse maps a domain error onto its status and body:
// validation 422, not found 404, conflict 409, lock held 423, integrity
// and anything unexpected 500.
func errorResponse(err error) *JSONResponseBuilder {
	var (
		verr *core.ValidationError
		cerr *core.ConflictError
		lerr *core.LockHeldError
		nerr *core.NotFoundError
		ierr *core.IntegrityError
	)
	switch {
	case errors.As(err, &verr):
		return NewJSONResponse().Status(http.StatusUnprocessableEntity).Body(ErrorBody{
			Error: "validation", Message: verr.Error(), Field: verr.Field,
		})
	case errors.As(err, &cerr):
		return NewJSONResponse().Status(http.StatusConflict).Body(ErrorBody{
			Error:           "conflict",
			Message:         cerr.Error(),
			Entity:          cerr.Entity,
			EntityID:        cerr.EntityID,
			ExpectedVersion: cerr.ExpectedVersion,
			CurrentVersion:  cerr.CurrentVersion,
			Fields:          cerr.Fields,
			Suggestion:      cerr.Suggestion,
			Note:            cerr.Note,
		})
	case errors.As(err, &lerr):
		expiry := lerr.Expiry.UTC()
		return NewJSONResponse().Status(http.StatusLocked).Body(ErrorBody{
			Error: "locked", Message: lerr.Error(), EntityID: lerr.EntityID, Holder: lerr.Holder, Expiry: &expiry,
		})
	case errors.As(err, &nerr), errors.Is(err, core.ErrNotFound):
		return ErrorResponse(http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &ierr):
		return NewJSONResponse().Status(http.StatusInternalServerError).Body(ErrorBody{
			Error: "integrity", Message: ierr.Error(), Problems: ierr.Problems,
		})
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(http.StatusGatewayTimeout, "timeout", "request timed out")
	}
	return InternalServerError()
}

// writeError logs err at a level matching its status and writes the
// mapped response. Internal details never reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse(err)
	logger := log.FromContext(r.Context())
	if resp.statusCode >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path, log.FieldStatusCode, resp.statusCode, log.FieldError, err)
	} else {
		logger.DebugContext(r.Context(), "Request rejected",
			log.FieldPath, r.URL.Path, log.FieldStatusCode, resp.statusCode, log.FieldError, err)
	}
	resp.Write(w)
}
