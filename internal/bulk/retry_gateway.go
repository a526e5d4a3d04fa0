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

// BatchCreator creates retry batches, as retries.Manager does
type BatchCreator interface {
	CreateBatch(ctx context.Context, requestID string, retryType models.OperationType, classifier, batchContext string, initialSize int) (string, error)
	Mark(ctx context.Context, batchID string, messageIDs []string) (int, error)
	MoveToStaging(ctx context.Context, batchID string) error
}

// RetryGateway turns bulk retry requests into retry batches of at most one page each
type RetryGateway struct {
	messages repository.FailedMessageStore
	batches  BatchCreator
	tracker  Tracker
	cfg      Config
	queue    *queue
	logger   logger.Logger
}

// NewRetryGateway creates a gateway; Run must be called to process the queue
func NewRetryGateway(messages repository.FailedMessageStore, batches BatchCreator, tracker Tracker, cfg Config, logger logger.Logger) *RetryGateway {
	return &RetryGateway{
		messages: messages,
		batches:  batches,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		queue:    newQueue(),
		logger:   logger,
	}
}

// RetryGroup queues the retry of every unresolved message of a group
func (g *RetryGateway) RetryGroup(groupID, classifier, originator string) (string, bool, error) {
	return g.Enqueue(Request{
		RequestID:  groupID,
		Type:       models.OperationTypeFailureGroup,
		Selector:   Group(groupID),
		Classifier: classifier,
		Originator: originator,
	})
}

// RetryEndpoint queues the retry of every unresolved message that failed on an endpoint
func (g *RetryGateway) RetryEndpoint(endpoint string) (string, bool, error) {
	return g.Enqueue(Request{
		RequestID:  endpoint,
		Type:       models.OperationTypeAllForEndpoint,
		Selector:   Endpoint(endpoint),
		Originator: endpoint,
	})
}

// RetryAll queues the retry of every unresolved message
func (g *RetryGateway) RetryAll() (string, bool, error) {
	return g.Enqueue(Request{
		RequestID: "All",
		Type:      models.OperationTypeAll,
		Selector:  All(),
	})
}

// Enqueue queues req and returns its request id. It reports false when the same
// operation is already queued or in flight.
func (g *RetryGateway) Enqueue(req Request) (string, bool, error) {
	if req.RequestID == "" || req.Type == "" || req.Type.IsArchive() {
		return "", false, ErrInvalidRequest
	}
	if req.Selector.Kind != repository.SelectAll && req.Selector.Value == "" {
		return "", false, ErrInvalidRequest
	}

	if g.tracker.IsInProgress(req.RequestID, req.Type) {
		g.logger.Info("Retry already in progress", "requestID", req.RequestID, "type", req.Type)
		return req.RequestID, false, nil
	}

	queued := g.queue.push(req)
	if queued {
		g.logger.Info("Bulk retry queued", "requestID", req.RequestID, "type", req.Type)
	}

	return req.RequestID, queued, nil
}

// Cancel stops a queued or running request between pages
func (g *RetryGateway) Cancel(requestID string) bool {
	return g.queue.cancel(requestID)
}

// Pending returns the number of queued requests
func (g *RetryGateway) Pending() int {
	return g.queue.len()
}

// Run processes queued requests until ctx is cancelled
func (g *RetryGateway) Run(ctx context.Context) error {
	return g.queue.run(ctx, g.cfg.Interval, "retry", g.Process, g.logger)
}

// Process streams the request's messages into retry batches
func (g *RetryGateway) Process(ctx context.Context, req Request) error {
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

	g.logger.Info("Bulk retry started", "requestID", req.RequestID, "type", req.Type, "total", total)

	streamed := 0
	err = g.messages.StreamIDs(ctx, req.Selector, g.cfg.PageSize, func(ids []string) error {
		if g.queue.isCancelled(req.RequestID) {
			return errCancelled
		}

		if remaining := total - streamed; len(ids) > remaining {
			ids = ids[:remaining]
		}
		if len(ids) == 0 {
			return nil
		}
		streamed += len(ids)

		batchID, err := g.batches.CreateBatch(ctx, req.RequestID, req.Type, req.Classifier, req.Originator, len(ids))
		if err != nil {
			return err
		}

		if _, err := g.batches.Mark(ctx, batchID, ids); err != nil {
			return err
		}

		return g.batches.MoveToStaging(ctx, batchID)
	})

	if errors.Is(err, errCancelled) {
		g.logger.Info("Bulk retry cancelled", "requestID", req.RequestID, "type", req.Type, "streamed", streamed)
		g.tracker.Fail(ctx, req.RequestID, req.Type)
		return nil
	}
	if err != nil {
		g.tracker.Fail(ctx, req.RequestID, req.Type)
		return fmt.Errorf("failed to stream messages of %s: %w", req.RequestID, err)
	}

	// messages resolved or retried since they were counted
	if total == 0 || streamed < total {
		g.tracker.RecordProgress(ctx, req.RequestID, req.Type, 0, total-streamed)
	}

	return nil
}
