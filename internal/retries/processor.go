package retries

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// ProcessorConfig holds the configuration for the Processor
type ProcessorConfig struct {
	// PollInterval is the wait between cycles that found no work
	PollInterval time.Duration
	// ForwardingTimeout is how long another session may hold the forwarding pointer
	ForwardingTimeout time.Duration
}

// Processor stages retry batches and forwards them one at a time
type Processor struct {
	batches   repository.RetryBatchStore
	messages  repository.FailedMessageStore
	redirects repository.RedirectStore
	sender    transport.Sender
	tracker   ProgressTracker
	publisher events.Publisher
	sessionID string
	cfg       ProcessorConfig
	logger    logger.Logger
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewProcessor creates a processor that claims batches for sessionID
func NewProcessor(
	batches repository.RetryBatchStore,
	messages repository.FailedMessageStore,
	redirects repository.RedirectStore,
	sender transport.Sender,
	tracker ProgressTracker,
	publisher events.Publisher,
	sessionID string,
	cfg ProcessorConfig,
	logger logger.Logger,
) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	if cfg.ForwardingTimeout <= 0 {
		cfg.ForwardingTimeout = 10 * time.Minute
	}

	return &Processor{
		batches:   batches,
		messages:  messages,
		redirects: redirects,
		sender:    sender,
		tracker:   tracker,
		publisher: publisher,
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		now:       models.GetCurrentTime,
	}
}

// Start starts the processing loop
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.run()
	}()

	p.logger.Info("Retry processor started", "pollInterval", p.cfg.PollInterval, "sessionID", p.sessionID)
}

// Stop stops the processing loop and waits for the current cycle
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.cancel()
	p.wg.Wait()
	p.running = false

	p.logger.Info("Retry processor stopped")
}

func (p *Processor) run() {
	for {
		worked, err := p.RunOnce(p.ctx)
		if err != nil && p.ctx.Err() == nil {
			p.logger.Error("Retry processing cycle failed", "error", err)
		}

		if p.ctx.Err() != nil {
			return
		}

		if worked && err == nil {
			continue
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce performs one cycle and reports whether it did any work
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	ptr, err := p.batches.GetForwardingPointer(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("failed to read forwarding pointer: %w", err)
	}
	if errors.Is(err, repository.ErrNotFound) {
		ptr = nil
	}

	if ptr != nil {
		owned, err := p.ownPointer(ctx, ptr)
		if err != nil || owned {
			if err != nil {
				return false, err
			}
			return true, p.forwardClaimed(ctx, ptr.RetryBatchID)
		}
	}

	if ptr == nil {
		forwarding, err := p.batches.ListBatches(ctx, models.RetryBatchStatusForwarding)
		if err != nil {
			return false, fmt.Errorf("failed to list forwarding batches: %w", err)
		}

		if len(forwarding) > 0 {
			batch := forwarding[0]
			if !p.claim(ctx, batch.ID) {
				return false, nil
			}
			return true, p.forwardClaimed(ctx, batch.ID)
		}
	}

	staging, err := p.batches.ListBatches(ctx, models.RetryBatchStatusStaging)
	if err != nil {
		return false, fmt.Errorf("failed to list staging batches: %w", err)
	}

	if len(staging) == 0 {
		return false, nil
	}

	batch, err := p.Stage(ctx, staging[0])
	if err != nil || batch == nil {
		return err == nil, err
	}

	// another session is forwarding; the batch waits in forwarding until the pointer is free
	if ptr != nil || !p.claim(ctx, batch.ID) {
		return true, nil
	}

	return true, p.forwardClaimed(ctx, batch.ID)
}

// ownPointer reports whether this session may forward the pointer's batch, taking it over when stale
func (p *Processor) ownPointer(ctx context.Context, ptr *models.ForwardingPointer) (bool, error) {
	if ptr.SessionID == p.sessionID {
		return true, nil
	}

	if p.now().Sub(ptr.ClaimedAt) < p.cfg.ForwardingTimeout {
		return false, nil
	}

	err := p.batches.ClaimForwarding(ctx, ptr.Version, models.ForwardingPointer{
		RetryBatchID: ptr.RetryBatchID,
		SessionID:    p.sessionID,
		ClaimedAt:    p.now(),
	})
	if errors.Is(err, repository.ErrConcurrency) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to take over forwarding pointer: %w", err)
	}

	metrics.RetryBatches.WithLabelValues(metrics.OutcomeTakenOver).Inc()
	p.logger.Warn("Took over stale forwarding batch",
		"batchID", ptr.RetryBatchID,
		"previousSession", ptr.SessionID,
		"claimedAt", ptr.ClaimedAt)

	return true, nil
}

// claim records batchID as the forwarding batch if no batch holds the pointer
func (p *Processor) claim(ctx context.Context, batchID string) bool {
	err := p.batches.ClaimForwarding(ctx, 0, models.ForwardingPointer{
		RetryBatchID: batchID,
		SessionID:    p.sessionID,
		ClaimedAt:    p.now(),
	})
	if err != nil {
		if !errors.Is(err, repository.ErrConcurrency) {
			p.logger.Error("Failed to claim forwarding pointer", "error", err, "batchID", batchID)
		}
		return false
	}

	return true
}

// forwardClaimed reloads the batch once the pointer is held; it may have been forwarded in between
func (p *Processor) forwardClaimed(ctx context.Context, batchID string) error {
	batch, err := p.batches.GetBatch(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		// already forwarded, only the pointer is left
		return p.batches.ReleaseForwarding(ctx, batchID)
	}
	if err != nil {
		return fmt.Errorf("failed to load forwarding batch %s: %w", batchID, err)
	}

	return p.forward(ctx, batch)
}

// Stage prepares the batch's surviving messages for re-delivery. It returns the batch in
// forwarding status, or nil when the batch was cancelled or staged by another session.
func (p *Processor) Stage(ctx context.Context, batch *models.RetryBatch) (*models.RetryBatch, error) {
	markers, err := p.batches.GetMarkers(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load markers of %s: %w", batch.ID, err)
	}

	owned := make(map[string]bool, len(markers))
	for _, marker := range markers {
		owned[marker.FailedMessageID] = true
	}

	messages, err := p.messages.GetMany(ctx, batch.FailureRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of %s: %w", batch.ID, err)
	}

	stagingID := uuid.New().String()
	var staged []models.StagedMessage
	var survivors, dropped []string

	for _, id := range batch.FailureRetries {
		msg, exists := messages[id]
		if !exists || !owned[id] || !msg.IsRetryable() || msg.LastAttempt() == nil {
			p.logger.Info("Skipping message no longer eligible for retry", "failedMessageID", id, "batchID", batch.ID, "exists", exists)
			if owned[id] {
				dropped = append(dropped, id)
			}
			continue
		}

		staged = append(staged, p.prepare(ctx, msg, stagingID))
		survivors = append(survivors, id)
	}

	skipped := len(batch.FailureRetries) - len(survivors)

	if len(survivors) > 0 {
		if err := p.messages.SetStatus(ctx, survivors, models.FailedMessageStatusRetryIssued); err != nil {
			return nil, fmt.Errorf("failed to mark messages retry issued: %w", err)
		}

		if err := p.batches.SaveStaged(ctx, staged); err != nil {
			return nil, fmt.Errorf("failed to save staged messages: %w", err)
		}

		batch.Status = models.RetryBatchStatusForwarding
	}

	batch.StagingID = stagingID

	if err := p.batches.UpdateBatch(ctx, batch); err != nil {
		if len(survivors) > 0 {
			if cleanupErr := p.batches.DeleteStaged(ctx, stagingID); cleanupErr != nil {
				p.logger.Warn("Failed to delete abandoned staged messages", "error", cleanupErr, "stagingID", stagingID)
			}
		}
		if errors.Is(err, repository.ErrConcurrency) {
			p.logger.Debug("Batch staged by another session", "batchID", batch.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update batch %s: %w", batch.ID, err)
	}

	for _, id := range dropped {
		if err := p.batches.DeleteMarker(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("Failed to delete marker of skipped message", "error", err, "failedMessageID", id)
		}
	}

	if skipped > 0 {
		metrics.RetryMessages.WithLabelValues(metrics.OutcomeSkipped).Add(float64(skipped))
		p.tracker.RecordProgress(ctx, batch.RequestID, batch.RetryType, 0, skipped)
	}

	if len(survivors) == 0 {
		if err := p.batches.DeleteBatch(ctx, batch.ID); err != nil {
			return nil, fmt.Errorf("failed to cancel batch %s: %w", batch.ID, err)
		}

		metrics.RetryBatches.WithLabelValues(metrics.OutcomeCancelled).Inc()
		p.logger.Info("Retry batch cancelled, nothing left to retry", "batchID", batch.ID, "skipped", skipped)
		return nil, nil
	}

	metrics.RetryMessages.WithLabelValues(metrics.OutcomeStaged).Add(float64(len(survivors)))
	p.logger.Info("Retry batch staged",
		"batchID", batch.ID,
		"stagingID", stagingID,
		"staged", len(survivors),
		"skipped", skipped)

	return batch, nil
}

// prepare builds the re-delivery of msg's latest attempt
func (p *Processor) prepare(ctx context.Context, msg *models.FailedMessage, stagingID string) models.StagedMessage {
	attempt := msg.LastAttempt()

	address := attempt.FailureDetails.AddressOfFailingEndpoint
	if resolved, err := p.redirects.Resolve(ctx, address); err == nil {
		address = resolved
	} else {
		p.logger.Warn("Failed to resolve redirect, using original address", "error", err, "address", address)
	}

	return models.StagedMessage{
		StagingID:       stagingID,
		FailedMessageID: msg.ID,
		Destination:     Destination(address),
		Headers:         RetryHeaders(attempt.Headers, msg.ID, stagingID, models.AttemptID(msg.ID, attempt.AttemptedAt), address),
		Body:            attempt.Body,
	}
}

// forward sends the batch's staged messages and deletes the batch
func (p *Processor) forward(ctx context.Context, batch *models.RetryBatch) error {
	start := time.Now()
	p.tracker.Forwarding(batch.RequestID, batch.RetryType)

	staged, err := p.batches.GetStaged(ctx, batch.StagingID)
	if err != nil {
		return fmt.Errorf("failed to load staged messages of %s: %w", batch.ID, err)
	}

	for _, msg := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.sender.Send(ctx, transport.OutgoingMessage{
			ID:          msg.FailedMessageID,
			Destination: msg.Destination,
			Headers:     msg.Headers,
			Body:        msg.Body,
		})
		if err != nil {
			return fmt.Errorf("failed to forward %s to %s: %w", msg.FailedMessageID, msg.Destination, err)
		}
	}

	if err := p.batches.DeleteStaged(ctx, batch.StagingID); err != nil {
		return fmt.Errorf("failed to delete staged messages of %s: %w", batch.ID, err)
	}

	if err := p.batches.DeleteBatch(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to delete forwarded batch %s: %w", batch.ID, err)
	}

	if err := p.batches.ReleaseForwarding(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to release forwarding pointer: %w", err)
	}

	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	metrics.RetryMessages.WithLabelValues(metrics.OutcomeForwarded).Add(float64(len(staged)))
	metrics.RetryBatches.WithLabelValues(metrics.OutcomeCompleted).Inc()

	p.tracker.RecordProgress(ctx, batch.RequestID, batch.RetryType, len(staged), 0)

	if err := p.publisher.Publish(events.MessagesSubmittedForRetry{
		RetryBatchID:  batch.ID,
		RequestID:     batch.RequestID,
		OperationType: batch.RetryType,
		Count:         len(staged),
	}); err != nil {
		p.logger.Warn("Failed to publish event", "error", err, "type", "messages_submitted_for_retry")
	}

	p.logger.Info("Retry batch forwarded", "batchID", batch.ID, "requestID", batch.RequestID, "count", len(staged))
	return nil
}
