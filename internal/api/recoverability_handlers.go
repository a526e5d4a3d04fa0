package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vaidashi/failure-recovery/internal/groups"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	apperrors "github.com/vaidashi/failure-recovery/pkg/errors"
)

// loadGroup resolves a group id, writing a 400 when it is unknown
func (s *Server) loadGroup(w http.ResponseWriter, r *http.Request) (*models.GroupSummary, bool) {
	groupID := mux.Vars(r)["groupId"]

	group, err := s.deps.Messages.GetGroup(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondWithError(w, http.StatusBadRequest, "Unknown group")
			return nil, false
		}
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to load group").WithContext("groupID", groupID))
		return nil, false
	}

	return group, true
}

func (s *Server) retryGroupHandler(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	requestID, queued, err := s.deps.RetryGateway.RetryGroup(group.ID, group.Type, group.Title)
	s.respondWithBulk(w, r, requestID, models.OperationTypeFailureGroup, queued, err)
}

func (s *Server) archiveGroupHandler(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	requestID, queued, err := s.deps.ArchiveGateway.ArchiveGroup(group.ID, group.Type, group.Title)
	s.respondWithBulk(w, r, requestID, models.OperationTypeArchiveGroup, queued, err)
}

func (s *Server) unarchiveGroupHandler(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	requestID, queued, err := s.deps.ArchiveGateway.UnarchiveGroup(group.ID, group.Type, group.Title)
	s.respondWithBulk(w, r, requestID, models.OperationTypeUnarchiveGroup, queued, err)
}

// acknowledgeGroupHandler dismisses the completed operation shown on a group
func (s *Server) acknowledgeGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupId"]
	ctx := r.Context()

	attempts := []struct {
		ack    func() error
		opType models.OperationType
	}{
		{func() error { return s.deps.Retrying.Acknowledge(ctx, groupID, models.OperationTypeFailureGroup) }, models.OperationTypeFailureGroup},
		{func() error { return s.deps.Archiving.Acknowledge(ctx, groupID, models.OperationTypeArchiveGroup) }, models.OperationTypeArchiveGroup},
		{func() error { return s.deps.Archiving.Acknowledge(ctx, groupID, models.OperationTypeUnarchiveGroup) }, models.OperationTypeUnarchiveGroup},
	}

	for _, attempt := range attempts {
		err := attempt.ack()

		switch {
		case err == nil:
			s.respondWithJSON(w, http.StatusOK, ApiResponse{
				Success: true,
				Data:    map[string]string{"request_id": groupID, "operation_type": string(attempt.opType)},
			})
			return
		case errors.Is(err, operations.ErrInProgress):
			s.respondWithError(w, http.StatusBadRequest, "Operation is still in progress")
			return
		case errors.Is(err, operations.ErrUnknownOperation):
			continue
		case errors.Is(err, repository.ErrConcurrency):
			s.respondWithAppError(w, r, apperrors.NewConflictError("Retry history changed concurrently, try again"))
			return
		default:
			s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to acknowledge operation").WithContext("groupID", groupID))
			return
		}
	}

	s.respondWithAppError(w, r, apperrors.NewNotFoundError("No unacknowledged operation for group"))
}

func (s *Server) getClassifiersHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: s.deps.Classifiers})
}

// getGroupsHandler lists the groups of a classifier with their operation state
func (s *Server) getGroupsHandler(w http.ResponseWriter, r *http.Request) {
	classifier := mux.Vars(r)["classifier"]

	filter, err := parseGroupFilter(r)
	if err != nil {
		s.respondWithAppError(w, r, err)
		return
	}

	result, err := s.deps.Groups.GetGroups(r.Context(), classifier, filter)
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to load groups"))
		return
	}

	w.Header().Set("ETag", result.ETag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == result.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Total-Count", strconv.Itoa(result.Total))
	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result})
}

func parseGroupFilter(r *http.Request) (groups.Filter, error) {
	q := r.URL.Query()

	filter := groups.Filter{
		Title:   q.Get("title"),
		Status:  q.Get("status"),
		Page:    1,
		PerPage: groups.DefaultPerPage,
	}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return filter, apperrors.NewInvalidInputError("Invalid page")
		}
		filter.Page = page
	}

	if v := q.Get("per_page"); v != "" {
		perPage, err := strconv.Atoi(v)
		if err != nil || perPage < 1 || perPage > groups.MaxPerPage {
			return filter, apperrors.NewInvalidInputError("Invalid per_page")
		}
		filter.PerPage = perPage
	}

	for name, target := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, apperrors.NewInvalidInputError("Invalid " + name + " timestamp")
			}
			*target = t
		}
	}

	return filter, nil
}

func (s *Server) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.History.Get(r.Context())
	if err != nil {
		s.respondWithAppError(w, r, apperrors.NewInternalError(err, "Failed to load retry history"))
		return
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: history})
}

// getOperationHandler returns the live progress of an operation
func (s *Server) getOperationHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	opType, ok := models.ParseOperationType(vars["type"])
	if !ok {
		s.respondWithError(w, http.StatusBadRequest, "Unknown operation type")
		return
	}

	var snapshot *operations.Snapshot
	if opType.IsArchive() {
		snapshot = s.deps.Archiving.GetStatus(vars["requestId"], opType)
	} else {
		snapshot = s.deps.Retrying.GetStatus(vars["requestId"], opType)
	}

	if snapshot == nil {
		s.respondWithAppError(w, r, apperrors.NewNotFoundError("Operation not found"))
		return
	}

	s.respondWithJSON(w, http.StatusOK, ApiResponse{Success: true, Data: snapshot})
}
