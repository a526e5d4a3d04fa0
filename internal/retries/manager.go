// Package retries moves retry batches through marking, staging and forwarding.
package retries

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/retry"
)

// ProgressTracker receives lifecycle updates of the operations batches belong to
type ProgressTracker interface {
	Start(requestID string, opType models.OperationType, total int, opts ...operations.Option) (bool, error)
	Preparing(requestID string, opType models.OperationType)
	Forwarding(requestID string, opType models.OperationType)
	RecordProgress(ctx context.Context, requestID string, opType models.OperationType, completed, skipped int) *operations.Snapshot
	IsInProgress(requestID string, opType models.OperationType) bool
}

// Manager creates retry batches and marks the messages they claim
type Manager struct {
	batches   repository.RetryBatchStore
	messages  repository.FailedMessageStore
	tracker   ProgressTracker
	publisher events.Publisher
	sessionID string
	logger    logger.Logger
}

// NewManager creates a manager whose batches belong to sessionID
func NewManager(
	batches repository.RetryBatchStore,
	messages repository.FailedMessageStore,
	tracker ProgressTracker,
	publisher events.Publisher,
	sessionID string,
	logger logger.Logger,
) *Manager {
	return &Manager{
		batches:   batches,
		messages:  messages,
		tracker:   tracker,
		publisher: publisher,
		sessionID: sessionID,
		logger:    logger,
	}
}

// SessionID returns the session batches are created under
func (m *Manager) SessionID() string {
	return m.sessionID
}

// CreateBatch stores a new batch in the marking phase
func (m *Manager) CreateBatch(ctx context.Context, requestID string, retryType models.OperationType, classifier, batchContext string, initialSize int) (string, error) {
	batch := &models.RetryBatch{
		ID:               models.GenerateID("retry-batch"),
		RequestID:        requestID,
		RetryType:        retryType,
		Classifier:       classifier,
		Context:          batchContext,
		Originator:       batchContext,
		RetrySessionID:   m.sessionID,
		Status:           models.RetryBatchStatusMarkingDocuments,
		InitialBatchSize: initialSize,
		StartTime:        models.GetCurrentTime(),
	}

	if err := m.batches.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("failed to create retry batch: %w", err)
	}

	metrics.RetryBatches.WithLabelValues(metrics.OutcomeCreated).Inc()
	m.logger.Debug("Retry batch created", "batchID", batch.ID, "requestID", requestID, "type", retryType, "size", initialSize)

	return batch.ID, nil
}

// Mark claims messages for the batch. A message already claimed by another batch is left alone.
// It returns the number of markers created.
func (m *Manager) Mark(ctx context.Context, batchID string, messageIDs []string) (int, error) {
	marked := 0

	for _, id := range messageIDs {
		created, err := m.batches.CreateMarker(ctx, models.FailedMessageRetry{
			FailedMessageID: id,
			RetryBatchID:    batchID,
			CreatedAt:       models.GetCurrentTime(),
		})
		if errors.Is(err, repository.ErrConcurrency) {
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("failed to mark %s: %w", id, err)
		}

		if created {
			marked++
		}
	}

	return marked, nil
}

// MoveToStaging hands a marked batch over to the staging processor
func (m *Manager) MoveToStaging(ctx context.Context, batchID string) error {
	cfg := &retry.RetryConfig{
		MaxAttempts:     3,
		BackoffStrategy: retry.NewDefaultExponentialBackoff(),
		Logger:          m.logger,
		RetryableErrors: []error{repository.ErrConcurrency},
	}

	return retry.Retry(ctx, func() error {
		batch, err := m.batches.GetBatch(ctx, batchID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return m.stage(ctx, batch)
	}, cfg)
}

// stage derives the batch's message list from its markers and moves it to staging in one write
func (m *Manager) stage(ctx context.Context, batch *models.RetryBatch) error {
	if batch.Status != models.RetryBatchStatusMarkingDocuments {
		return nil
	}

	markers, err := m.batches.GetMarkers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("failed to load markers of %s: %w", batch.ID, err)
	}

	ids := make([]string, 0, len(markers))
	for _, marker := range markers {
		ids = append(ids, marker.FailedMessageID)
	}

	skipped := batch.InitialBatchSize - len(ids)
	if skipped < 0 {
		skipped = 0
	}

	if len(ids) == 0 {
		if err := m.batches.DeleteBatch(ctx, batch.ID); err != nil {
			return fmt.Errorf("failed to cancel empty batch %s: %w", batch.ID, err)
		}

		metrics.RetryBatches.WithLabelValues(metrics.OutcomeCancelled).Inc()
		m.logger.Info("Retry batch cancelled, no messages marked", "batchID", batch.ID, "requestID", batch.RequestID)
		m.tracker.RecordProgress(ctx, batch.RequestID, batch.RetryType, 0, skipped)
		return nil
	}

	batch.FailureRetries = ids
	batch.RetrySessionID = m.sessionID
	batch.Status = models.RetryBatchStatusStaging

	if err := m.batches.UpdateBatch(ctx, batch); err != nil {
		return err
	}

	m.tracker.Preparing(batch.RequestID, batch.RetryType)
	if skipped > 0 {
		metrics.RetryMessages.WithLabelValues(metrics.OutcomeSkipped).Add(float64(skipped))
		m.tracker.RecordProgress(ctx, batch.RequestID, batch.RetryType, 0, skipped)
	}

	m.logger.Debug("Retry batch moved to staging", "batchID", batch.ID, "messages", len(ids), "alreadyClaimed", skipped)
	return nil
}

// RetryMessages creates a batch for ids, marks them and moves the batch to staging
func (m *Manager) RetryMessages(ctx context.Context, requestID string, retryType models.OperationType, classifier string, ids []string) (string, error) {
	batchID, err := m.CreateBatch(ctx, requestID, retryType, classifier, requestID, len(ids))
	if err != nil {
		return "", err
	}

	if _, err := m.Mark(ctx, batchID, ids); err != nil {
		return batchID, err
	}

	if err := m.MoveToStaging(ctx, batchID); err != nil {
		return batchID, fmt.Errorf("failed to stage batch %s: %w", batchID, err)
	}

	return batchID, nil
}

// Confirm resolves a message whose re-delivery was processed. Unknown ids are ignored.
func (m *Manager) Confirm(ctx context.Context, failedMessageID string) error {
	if _, err := m.messages.Get(ctx, failedMessageID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.logger.Debug("Confirmation for unknown message ignored", "failedMessageID", failedMessageID)
			return nil
		}
		return err
	}

	if err := m.batches.DeleteMarker(ctx, failedMessageID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to delete marker of %s: %w", failedMessageID, err)
	}

	if err := m.messages.SetStatus(ctx, []string{failedMessageID}, models.FailedMessageStatusResolved); err != nil {
		return fmt.Errorf("failed to resolve %s: %w", failedMessageID, err)
	}

	metrics.RetryMessages.WithLabelValues(metrics.OutcomeResolved).Inc()

	if err := m.publisher.Publish(events.MessageFailureResolvedByRetry{FailedMessageID: failedMessageID}); err != nil {
		m.logger.Warn("Failed to publish event", "error", err, "type", "message_failure_resolved_by_retry")
	}

	return nil
}
