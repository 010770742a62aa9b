// Package api provides HTTP handlers for the agent host API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// domainError maps domain error types onto HTTP status codes and writes the
// response.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrShutdown):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		var infra *domain.InfrastructureError
		var conc *domain.ConcurrencyError
		switch {
		case errors.As(err, &infra):
			Error(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &conc):
			Error(w, http.StatusTooManyRequests, err.Error())
		default:
			Error(w, http.StatusInternalServerError, err.Error())
		}
	}
}
