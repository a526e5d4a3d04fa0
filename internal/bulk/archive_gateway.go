package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// ArchiveGateway archives and unarchives failure groups in pages
type ArchiveGateway struct {
	messages repository.FailedMessageStore
	tracker  Tracker
	cfg      Config
	queue    *queue
	logger   logger.Logger
}

// NewArchiveGateway creates a gateway; Run must be called to process the queue
func NewArchiveGateway(messages repository.FailedMessageStore, tracker Tracker, cfg Config, logger logger.Logger) *ArchiveGateway {
	return &ArchiveGateway{
		messages: messages,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		queue:    newQueue(),
		logger:   logger,
	}
}

// ArchiveGroup queues the archival of a group's unresolved messages
func (g *ArchiveGateway) ArchiveGroup(groupID, classifier, originator string) (string, bool, error) {
	return g.Enqueue(Request{
		RequestID:  groupID,
		Type:       models.OperationTypeArchiveGroup,
		Selector:   Group(groupID),
		Classifier: classifier,
		Originator: originator,
	})
}

// UnarchiveGroup queues the restoration of a group's archived messages
func (g *ArchiveGateway) UnarchiveGroup(groupID, classifier, originator string) (string, bool, error) {
	return g.Enqueue(Request{
		RequestID: groupID,
		Type:      models.OperationTypeUnarchiveGroup,
		Selector: repository.Selector{
			Kind:     repository.SelectGroup,
			Value:    groupID,
			Statuses: []models.FailedMessageStatus{models.FailedMessageStatusArchived},
		},
		Classifier: classifier,
		Originator: originator,
	})
}

// Enqueue queues req. It reports false when the operation is already queued or in flight.
func (g *ArchiveGateway) Enqueue(req Request) (string, bool, error) {
	if req.RequestID == "" || !req.Type.IsArchive() || req.Selector.Value == "" {
		return "", false, ErrInvalidRequest
	}

	if g.tracker.IsInProgress(req.RequestID, req.Type) {
		return req.RequestID, false, nil
	}

	queued := g.queue.push(req)
	if queued {
		g.logger.Info("Bulk archive queued", "requestID", req.RequestID, "type", req.Type)
	}

	return req.RequestID, queued, nil
}

// Cancel stops a queued or running request between pages
func (g *ArchiveGateway) Cancel(requestID string) bool {
	return g.queue.cancel(requestID)
}

// Run processes queued requests until ctx is cancelled
func (g *ArchiveGateway) Run(ctx context.Context) error {
	return g.queue.run(ctx, g.cfg.Interval, "archive", g.Process, g.logger)
}

func (g *ArchiveGateway) target(opType models.OperationType) models.FailedMessageStatus {
	if opType == models.OperationTypeUnarchiveGroup {
		return models.FailedMessageStatusUnresolved
	}
	return models.FailedMessageStatusArchived
}

// Process changes the status of the request's messages page by page
func (g *ArchiveGateway) Process(ctx context.Context, req Request) error {
	total, err := g.messages.Count(ctx, req.Selector)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	started, err := g.tracker.Start(req.RequestID, req.Type, total,
		operations.WithClassifier(req.Classifier),
		operations.WithOriginator(req.Originator))
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	status := g.target(req.Type)
	done := 0

	err = g.messages.StreamIDs(ctx, req.Selector, g.cfg.PageSize, func(ids []string) error {
		if g.queue.isCancelled(req.RequestID) {
			return errCancelled
		}

		if err := g.messages.SetStatus(ctx, ids, status); err != nil {
			return err
		}

		done += len(ids)
		g.tracker.RecordProgress(ctx, req.RequestID, req.Type, len(ids), 0)
		return nil
	})

	if errors.Is(err, errCancelled) {
		g.logger.Info("Bulk archive cancelled", "requestID", req.RequestID, "type", req.Type, "done", done)
		g.tracker.Fail(ctx, req.RequestID, req.Type)
		return nil
	}
	if err != nil {
		g.tracker.Fail(ctx, req.RequestID, req.Type)
		return fmt.Errorf("failed to %s group %s: %w", req.Type, req.RequestID, err)
	}

	if total == 0 || done < total {
		g.tracker.RecordProgress(ctx, req.RequestID, req.Type, 0, total-done)
	}

	g.logger.Info("Bulk archive finished", "requestID", req.RequestID, "type", req.Type, "messages", done, "status", status)
	return nil
}
