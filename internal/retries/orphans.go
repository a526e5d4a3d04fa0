package retries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

type operationKey struct {
	requestID string
	opType    models.OperationType
}

// OrphanAdopter takes over batches left in the marking phase by sessions that no longer run
type OrphanAdopter struct {
	batches  repository.RetryBatchStore
	manager  *Manager
	tracker  ProgressTracker
	interval time.Duration
	logger   logger.Logger
}

// NewOrphanAdopter creates an adopter sweeping every interval
func NewOrphanAdopter(batches repository.RetryBatchStore, manager *Manager, tracker ProgressTracker, interval time.Duration, logger logger.Logger) *OrphanAdopter {
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	return &OrphanAdopter{
		batches:  batches,
		manager:  manager,
		tracker:  tracker,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps at start and then on every tick until a sweep finds nothing on a fresh index.
// It then idles until ctx is cancelled.
func (a *OrphanAdopter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		done, err := a.Sweep(ctx)
		if err != nil {
			a.logger.Error("Orphaned batch sweep failed", "error", err)
		}

		if done {
			a.logger.Info("No orphaned retry batches left, adopter idle")
			<-ctx.Done()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep adopts every orphaned batch. It reports true when there was nothing to adopt and
// the lookup was not stale.
func (a *OrphanAdopter) Sweep(ctx context.Context) (bool, error) {
	result, err := a.batches.FindOrphans(ctx, a.manager.SessionID())
	if err != nil {
		return false, fmt.Errorf("failed to find orphaned batches: %w", err)
	}

	// a bulk request may have left several batches behind
	totals := make(map[operationKey]int)
	for _, batch := range result.Batches {
		totals[operationKey{batch.RequestID, batch.RetryType}] += batch.InitialBatchSize
	}

	for _, batch := range result.Batches {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		previous := batch.RetrySessionID

		// tracking is per session
		if !a.tracker.IsInProgress(batch.RequestID, batch.RetryType) {
			total := totals[operationKey{batch.RequestID, batch.RetryType}]
			if _, err := a.tracker.Start(batch.RequestID, batch.RetryType, total,
				operations.WithClassifier(batch.Classifier),
				operations.WithOriginator(batch.Originator)); err != nil {
				a.logger.Warn("Failed to track adopted batch", "error", err, "batchID", batch.ID)
			}
		}

		if err := a.manager.stage(ctx, batch); err != nil {
			if errors.Is(err, repository.ErrConcurrency) {
				a.logger.Debug("Orphaned batch adopted elsewhere", "batchID", batch.ID)
				continue
			}
			return false, fmt.Errorf("failed to adopt batch %s: %w", batch.ID, err)
		}

		metrics.RetryBatches.WithLabelValues(metrics.OutcomeAdopted).Inc()
		a.logger.Info("Adopted orphaned retry batch",
			"batchID", batch.ID,
			"requestID", batch.RequestID,
			"previousSession", previous,
			"messages", len(batch.FailureRetries))
	}

	return len(result.Batches) == 0 && !result.Stale, nil
}
