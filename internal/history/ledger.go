// Package history keeps the durable ledger of completed bulk operations.
package history

import (
	"context"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/retry"
)

// DefaultDepth is the number of historic operations kept
const DefaultDepth = 10

// Ledger records completed operations and their acknowledgement
type Ledger struct {
	store  repository.HistoryStore
	depth  int
	retry  retry.RetryConfig
	logger logger.Logger
}

// NewLedger creates a ledger keeping depth historic operations
func NewLedger(store repository.HistoryStore, depth int, logger logger.Logger) *Ledger {
	if depth <= 0 {
		depth = DefaultDepth
	}

	return &Ledger{
		store: store,
		depth: depth,
		retry: retry.RetryConfig{
			MaxAttempts:     5,
			BackoffStrategy: retry.NewDefaultExponentialBackoff(),
			Logger:          logger,
			RetryableErrors: []error{repository.ErrConcurrency},
		},
		logger: logger,
	}
}

// update applies fn to the latest ledger and saves it, retrying on version conflicts
func (l *Ledger) update(ctx context.Context, fn func(h *models.RetryHistory)) error {
	cfg := l.retry

	return retry.Retry(ctx, func() error {
		h, err := l.store.GetHistory(ctx)
		if err != nil {
			return err
		}

		fn(h)
		return l.store.SaveHistory(ctx, h)
	}, &cfg)
}

// RecordCompleted prepends op to the history and marks it unacknowledged
func (l *Ledger) RecordCompleted(ctx context.Context, op models.UnacknowledgedOperation) error {
	err := l.update(ctx, func(h *models.RetryHistory) {
		h.AddToHistory(models.HistoricOperation{
			RequestID:                 op.RequestID,
			OperationType:             op.OperationType,
			Classifier:                op.Classifier,
			Originator:                op.Originator,
			StartTime:                 op.StartTime,
			CompletionTime:            op.CompletionTime,
			Failed:                    op.Failed,
			NumberOfMessagesProcessed: op.NumberOfMessagesProcessed,
		}, l.depth)
		h.AddUnacknowledged(op)
	})
	if err != nil {
		return fmt.Errorf("failed to record completed operation %s: %w", op.RequestID, err)
	}

	l.logger.Info("Operation recorded in history",
		"requestID", op.RequestID,
		"type", op.OperationType,
		"processed", op.NumberOfMessagesProcessed)
	return nil
}

// Acknowledge removes an unacknowledged operation, reporting whether it existed
func (l *Ledger) Acknowledge(ctx context.Context, requestID string, opType models.OperationType) (bool, error) {
	found := false

	err := l.update(ctx, func(h *models.RetryHistory) {
		found = h.Acknowledge(requestID, opType)
	})
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge operation %s: %w", requestID, err)
	}

	return found, nil
}

// Get returns the current ledger
func (l *Ledger) Get(ctx context.Context) (*models.RetryHistory, error) {
	return l.store.GetHistory(ctx)
}
