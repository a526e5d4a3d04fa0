package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/vaidashi/failure-recovery/pkg/errors"
)

type ApiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Health represents the health check response
type Health struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Timestamp string      `json:"timestamp"`
	Details   interface{} `json:"details,omitempty"`
}

// healthCheckHandler reports 503 while a component has an unresolved critical error
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Status()

	health := Health{
		Status:    "ok",
		Version:   "0.1.0",
		Timestamp: time.Now().Format(time.RFC3339),
		Details:   status,
	}

	if !status.Healthy {
		health.Status = "degraded"
		s.respondWithJSON(w, http.StatusServiceUnavailable, ApiResponse{Success: false, Data: health, Error: "One or more components are failing"})
		return
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: health})
}

// decodeJSON decodes the request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	return decoder.Decode(v)
}

// respondWithError sends a JSON response with an error message
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, ApiResponse{
		Success: false,
		Error:   message,
	})
}

// retryAfter is suggested to clients on retryable 503 responses
const retryAfter = 30 * time.Second

// respondWithAppError maps err to its status; the underlying error is only logged
func (s *Server) respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.StatusCode(err)

	if code >= http.StatusInternalServerError {
		keyvals := []interface{}{"error", err, "method", r.Method, "path", r.URL.Path}

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			for k, v := range appErr.Context {
				keyvals = append(keyvals, k, v)
			}
		}

		s.logger.Error("Request failed", keyvals...)
	}

	if code == http.StatusServiceUnavailable && apperrors.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}

	s.respondWithError(w, code, apperrors.PublicMessage(err))
}

// respondWithJSON sends a JSON response
func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)

	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
