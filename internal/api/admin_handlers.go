package api

import (
	"errors"
	"net/http"

	"github.com/vaidashi/failure-recovery/internal/ingestion"
	"github.com/vaidashi/failure-recovery/internal/quarantine"
	apperrors "github.com/vaidashi/failure-recovery/pkg/errors"
)

// QuarantineResponse lists quarantined ingestion messages
type QuarantineResponse struct {
	Messages []*quarantine.QuarantinedMessage `json:"messages"`
	Count    int                              `json:"count"`
}

func (s *Server) getQuarantineHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.Quarantine.List(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to list quarantined messages"))
		return
	}

	if messages == nil {
		messages = []*quarantine.QuarantinedMessage{}
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data:    QuarantineResponse{Messages: messages, Count: len(messages)},
	})
}

// reimportQuarantineHandler feeds quarantined messages back through ingestion
func (s *Server) reimportQuarantineHandler(w http.ResponseWriter, r *http.Request) {
	imported, err := s.deps.Ingestion.Reimport(r.Context())
	if errors.Is(err, ingestion.ErrBreakerOpen) {
		s.respondWithAppError(w, r, apperrors.NewTemporaryError("Ingestion is paused while its circuit breaker is open"))
		return
	}
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to reimport quarantined messages"))
		return
	}

	s.logger.Info("Quarantine reimported", "imported", imported)
	s.respondWithJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: map[string]int{"imported": imported}})
}

func (s *Server) getBreakerHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: s.deps.Ingestion.Breaker().GetSnapshot()})
}

// resetBreakerHandler closes the ingestion breaker
func (s *Server) resetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	s.deps.Ingestion.Reset()

	s.logger.Info("Ingestion circuit breaker reset")
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: s.deps.Ingestion.Breaker().GetSnapshot()})
}
