package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
	apperrors "github.com/vaidashi/failure-recovery/pkg/errors"
)

// CreateRedirectRequest is the body of a redirect creation
type CreateRedirectRequest struct {
	FromPhysicalAddress string `json:"from_physical_address"`
	ToPhysicalAddress   string `json:"to_physical_address"`
}

func (s *Server) getRedirectsHandler(w http.ResponseWriter, r *http.Request) {
	redirects, err := s.deps.Redirects.ListRedirects(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to list redirects"))
		return
	}

	if redirects == nil {
		redirects = []models.MessageRedirect{}
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: redirects})
}

func (s *Server) createRedirectHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRedirectRequest

	if err := decodeJSON(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	from := strings.TrimSpace(req.FromPhysicalAddress)
	to := strings.TrimSpace(req.ToPhysicalAddress)

	if from == "" || to == "" {
		s.respondWithError(w, http.StatusBadRequest, "Both addresses are required")
		return
	}
	if from == to {
		s.respondWithError(w, http.StatusBadRequest, "A redirect cannot point to itself")
		return
	}

	redirect := models.MessageRedirect{
		FromPhysicalAddress: from,
		ToPhysicalAddress:   to,
		LastModified:        models.GetCurrentTime(),
	}

	if err := s.deps.Redirects.SaveRedirect(r.Context(), redirect); err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to save redirect"))
		return
	}

	s.logger.Info("Redirect saved", "from", from, "to", to)
	s.respondWithJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: redirect})
}

func (s *Server) deleteRedirectHandler(w http.ResponseWriter, r *http.Request) {
	from := mux.Vars(r)["from"]

	if err := s.deps.Redirects.DeleteRedirect(r.Context(), from); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondWithAppError(w, r, apperrors.NewNotFoundError("Redirect not found"))
			return
		}
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to delete redirect"))
		return
	}

	s.logger.Info("Redirect deleted", "from", from)
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: map[string]string{"from_physical_address": from}})
}
