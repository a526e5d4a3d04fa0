package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vaidashi/failure-recovery/internal/bulk"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
	apperrors "github.com/vaidashi/failure-recovery/pkg/errors"
)

// OperationAccepted is returned for every retry and archive request
type OperationAccepted struct {
	RequestID     string               `json:"request_id"`
	OperationType models.OperationType `json:"operation_type"`
	// Queued is false when the same operation was already queued or in flight
	Queued bool `json:"queued"`
}

// RetryMessagesRequest is the body of a multiple message retry
type RetryMessagesRequest struct {
	IDs []string `json:"ids"`
}

// getErrorHandler returns one failure record
func (s *Server) getErrorHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	message, err := s.deps.Messages.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondWithAppError(w, r, apperrors.NewNotFoundError("Failed message not found"))
			return
		}
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to load failed message").WithContext("failedMessageID", id))
		return
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: message})
}

// retryMessageHandler retries a single failed message
func (s *Server) retryMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	if _, err := s.deps.Messages.Get(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondWithAppError(w, r, apperrors.NewNotFoundError("Failed message not found"))
			return
		}
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to load failed message").WithContext("failedMessageID", id))
		return
	}

	s.retryMessages(w, r, id, models.OperationTypeSingleMessage, []string{id})
}

// retryMessagesHandler retries an explicit list of failed messages
func (s *Server) retryMessagesHandler(w http.ResponseWriter, r *http.Request) {
	var req RetryMessagesRequest

	if err := decodeJSON(r, &req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	ids := make([]string, 0, len(req.IDs))
	seen := make(map[string]bool, len(req.IDs))
	for _, id := range req.IDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		s.respondWithError(w, http.StatusBadRequest, "At least one message id is required")
		return
	}

	s.retryMessages(w, r, models.GenerateID("retry"), models.OperationTypeMultipleMessages, ids)
}

// retryMessages starts tracking the operation and creates its batch synchronously
func (s *Server) retryMessages(w http.ResponseWriter, r *http.Request, requestID string, opType models.OperationType, ids []string) {
	started, err := s.deps.Retrying.Start(requestID, opType, len(ids))
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to start retry").WithContext("requestID", requestID))
		return
	}

	accepted := OperationAccepted{RequestID: requestID, OperationType: opType, Queued: started}
	if !started {
		s.respondWithJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: accepted})
		return
	}

	if _, err := s.deps.Retrier.RetryMessages(r.Context(), requestID, opType, "", ids); err != nil {
		s.deps.Retrying.Fail(r.Context(), requestID, opType)
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to retry messages").WithContext("requestID", requestID))
		return
	}

	s.respondWithJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: accepted})
}

// retryAllHandler queues the retry of every unresolved message
func (s *Server) retryAllHandler(w http.ResponseWriter, r *http.Request) {
	requestID, queued, err := s.deps.RetryGateway.RetryAll()
	s.respondWithBulk(w, r, requestID, models.OperationTypeAll, queued, err)
}

// retryEndpointHandler queues the retry of every unresolved message that failed on an endpoint
func (s *Server) retryEndpointHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]

	requestID, queued, err := s.deps.RetryGateway.RetryEndpoint(endpoint)
	s.respondWithBulk(w, r, requestID, models.OperationTypeAllForEndpoint, queued, err)
}

// respondWithBulk writes the outcome of a gateway enqueue
func (s *Server) respondWithBulk(w http.ResponseWriter, r *http.Request, requestID string, opType models.OperationType, queued bool, err error) {
	if err != nil {
		if errors.Is(err, bulk.ErrInvalidRequest) {
			s.respondWithError(w, http.StatusBadRequest, "Invalid bulk request")
			return
		}
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to queue operation").WithContext("requestID", requestID))
		return
	}

	s.respondWithJSON(w, http.StatusAccepted, ApiResponse{
		Success: true,
		Data:    OperationAccepted{RequestID: requestID, OperationType: opType, Queued: queued},
	})
}
