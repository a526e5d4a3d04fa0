package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/database"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// RetryBatchRepository handles database operations related to retry batches
type RetryBatchRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewRetryBatchRepository creates a new RetryBatchRepository
func NewRetryBatchRepository(db *database.Database, logger logger.Logger) *RetryBatchRepository {
	return &RetryBatchRepository{
		db:     db,
		logger: logger,
	}
}

type retryBatchRow struct {
	models.RetryBatch
	FailureRetriesJSON []byte `db:"failure_retries"`
}

func (r retryBatchRow) toModel() (*models.RetryBatch, error) {
	batch := r.RetryBatch

	if err := json.Unmarshal(r.FailureRetriesJSON, &batch.FailureRetries); err != nil {
		return nil, fmt.Errorf("decode failure retries of %s: %w", batch.ID, err)
	}

	return &batch, nil
}

const retryBatchColumns = `
	id, request_id, retry_type, classifier, context, originator, retry_session_id,
	staging_id, status, initial_batch_size, failure_retries, start_time, version
`

func (r *RetryBatchRepository) selectBatches(ctx context.Context, where string, args ...interface{}) ([]*models.RetryBatch, error) {
	query := `SELECT ` + retryBatchColumns + ` FROM retry_batches WHERE ` + where + ` ORDER BY start_time ASC, id ASC`

	var rows []retryBatchRow

	if err := r.db.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("Failed to query retry batches", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	batches := make([]*models.RetryBatch, 0, len(rows))

	for _, row := range rows {
		batch, err := row.toModel()
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

// CreateBatch inserts a new retry batch
func (r *RetryBatchRepository) CreateBatch(ctx context.Context, batch *models.RetryBatch) error {
	failureRetries, err := json.Marshal(nonNil(batch.FailureRetries))
	if err != nil {
		return fmt.Errorf("encode failure retries: %w", err)
	}

	query := `
		INSERT INTO retry_batches (
			id, request_id, retry_type, classifier, context, originator, retry_session_id,
			staging_id, status, initial_batch_size, failure_retries, start_time, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, 1
		)
	`

	_, err = r.db.DB.ExecContext(
		ctx,
		query,
		batch.ID,
		batch.RequestID,
		string(batch.RetryType),
		batch.Classifier,
		batch.Context,
		batch.Originator,
		batch.RetrySessionID,
		batch.StagingID,
		string(batch.Status),
		batch.InitialBatchSize,
		string(failureRetries),
		batch.StartTime,
	)

	if err != nil {
		r.logger.Error("Failed to create retry batch", "error", err, "batchID", batch.ID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	batch.Version = 1
	return nil
}

// GetBatch retrieves a retry batch by ID
func (r *RetryBatchRepository) GetBatch(ctx context.Context, id string) (*models.RetryBatch, error) {
	batches, err := r.selectBatches(ctx, `id = $1`, id)
	if err != nil {
		return nil, err
	}

	if len(batches) == 0 {
		return nil, ErrNotFound
	}

	return batches[0], nil
}

// UpdateBatch writes the batch when the stored version still matches
func (r *RetryBatchRepository) UpdateBatch(ctx context.Context, batch *models.RetryBatch) error {
	failureRetries, err := json.Marshal(nonNil(batch.FailureRetries))
	if err != nil {
		return fmt.Errorf("encode failure retries: %w", err)
	}

	query := `
		UPDATE retry_batches
		SET
			retry_session_id = $1,
			staging_id = $2,
			status = $3,
			initial_batch_size = $4,
			failure_retries = $5::jsonb,
			version = version + 1
		WHERE
			id = $6 AND version = $7
	`

	result, err := r.db.DB.ExecContext(
		ctx,
		query,
		batch.RetrySessionID,
		batch.StagingID,
		string(batch.Status),
		batch.InitialBatchSize,
		string(failureRetries),
		batch.ID,
		batch.Version,
	)

	if err != nil {
		r.logger.Error("Failed to update retry batch", "error", err, "batchID", batch.ID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConcurrency
	}

	batch.Version++
	return nil
}

// DeleteBatch removes a retry batch
func (r *RetryBatchRepository) DeleteBatch(ctx context.Context, id string) error {
	if _, err := r.db.DB.ExecContext(ctx, `DELETE FROM retry_batches WHERE id = $1`, id); err != nil {
		r.logger.Error("Failed to delete retry batch", "error", err, "batchID", id)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// ListBatches returns batches in a status, oldest first
func (r *RetryBatchRepository) ListBatches(ctx context.Context, status models.RetryBatchStatus) ([]*models.RetryBatch, error) {
	return r.selectBatches(ctx, `status = $1`, string(status))
}

// FindOrphans returns batches still marking documents that belong to another session.
// Postgres reads are consistent, so the result is never stale.
func (r *RetryBatchRepository) FindOrphans(ctx context.Context, sessionID string) (*OrphanQuery, error) {
	batches, err := r.selectBatches(ctx, `status = $1 AND retry_session_id <> $2`,
		string(models.RetryBatchStatusMarkingDocuments), sessionID)
	if err != nil {
		return nil, err
	}

	return &OrphanQuery{Batches: batches}, nil
}

// CreateMarker inserts a retry marker; an existing marker for the message wins
func (r *RetryBatchRepository) CreateMarker(ctx context.Context, marker models.FailedMessageRetry) (bool, error) {
	query := `
		INSERT INTO failed_message_retries (failed_message_id, retry_batch_id, stage_attempts, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (failed_message_id) DO NOTHING
	`

	result, err := r.db.DB.ExecContext(ctx, query, marker.FailedMessageID, marker.RetryBatchID, marker.StageAttempts, marker.CreatedAt)

	if err != nil {
		r.logger.Error("Failed to create retry marker", "error", err, "failedMessageID", marker.FailedMessageID)
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	n, _ := result.RowsAffected()
	return n == 1, nil
}

// GetMarkers returns the markers pointing at a batch
func (r *RetryBatchRepository) GetMarkers(ctx context.Context, batchID string) ([]models.FailedMessageRetry, error) {
	query := `
		SELECT failed_message_id, retry_batch_id, stage_attempts, created_at
		FROM failed_message_retries
		WHERE retry_batch_id = $1
		ORDER BY failed_message_id
	`

	var markers []models.FailedMessageRetry

	if err := r.db.DB.SelectContext(ctx, &markers, query, batchID); err != nil {
		r.logger.Error("Failed to get retry markers", "error", err, "batchID", batchID)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return markers, nil
}

// GetMarker returns the marker of one failure record
func (r *RetryBatchRepository) GetMarker(ctx context.Context, failedMessageID string) (*models.FailedMessageRetry, error) {
	query := `
		SELECT failed_message_id, retry_batch_id, stage_attempts, created_at
		FROM failed_message_retries
		WHERE failed_message_id = $1
	`

	var marker models.FailedMessageRetry

	if err := r.db.DB.GetContext(ctx, &marker, query, failedMessageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get retry marker", "error", err, "failedMessageID", failedMessageID)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return &marker, nil
}

// DeleteMarker removes the marker of one failure record
func (r *RetryBatchRepository) DeleteMarker(ctx context.Context, failedMessageID string) error {
	if _, err := r.db.DB.ExecContext(ctx, `DELETE FROM failed_message_retries WHERE failed_message_id = $1`, failedMessageID); err != nil {
		r.logger.Error("Failed to delete retry marker", "error", err, "failedMessageID", failedMessageID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// DeleteMarkersForBatch removes every marker pointing at a batch
func (r *RetryBatchRepository) DeleteMarkersForBatch(ctx context.Context, batchID string) error {
	if _, err := r.db.DB.ExecContext(ctx, `DELETE FROM failed_message_retries WHERE retry_batch_id = $1`, batchID); err != nil {
		r.logger.Error("Failed to delete retry markers", "error", err, "batchID", batchID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// GetForwardingPointer returns the current forwarding pointer
func (r *RetryBatchRepository) GetForwardingPointer(ctx context.Context) (*models.ForwardingPointer, error) {
	var ptr models.ForwardingPointer

	err := r.db.DB.GetContext(ctx, &ptr, `SELECT retry_batch_id, session_id, claimed_at, version FROM forwarding_pointer`)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get forwarding pointer", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return &ptr, nil
}

// ClaimForwarding compare-and-swaps the singleton pointer
func (r *RetryBatchRepository) ClaimForwarding(ctx context.Context, expectedVersion int64, ptr models.ForwardingPointer) error {
	var (
		result sql.Result
		err    error
	)

	if expectedVersion == 0 {
		result, err = r.db.DB.ExecContext(ctx, `
			INSERT INTO forwarding_pointer (singleton, retry_batch_id, session_id, claimed_at, version)
			VALUES (TRUE, $1, $2, $3, 1)
			ON CONFLICT (singleton) DO NOTHING
		`, ptr.RetryBatchID, ptr.SessionID, ptr.ClaimedAt)
	} else {
		result, err = r.db.DB.ExecContext(ctx, `
			UPDATE forwarding_pointer
			SET retry_batch_id = $1, session_id = $2, claimed_at = $3, version = version + 1
			WHERE version = $4
		`, ptr.RetryBatchID, ptr.SessionID, ptr.ClaimedAt, expectedVersion)
	}

	if err != nil {
		r.logger.Error("Failed to claim forwarding pointer", "error", err, "batchID", ptr.RetryBatchID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConcurrency
	}

	return nil
}

// ReleaseForwarding clears the pointer if it still references batchID
func (r *RetryBatchRepository) ReleaseForwarding(ctx context.Context, batchID string) error {
	if _, err := r.db.DB.ExecContext(ctx, `DELETE FROM forwarding_pointer WHERE retry_batch_id = $1`, batchID); err != nil {
		r.logger.Error("Failed to release forwarding pointer", "error", err, "batchID", batchID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// SaveStaged stores staged messages in one transaction
func (r *RetryBatchRepository) SaveStaged(ctx context.Context, messages []models.StagedMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := r.db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO staged_messages (staging_id, failed_message_id, destination, headers, body)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (staging_id, failed_message_id) DO UPDATE SET
			destination = EXCLUDED.destination,
			headers = EXCLUDED.headers,
			body = EXCLUDED.body
	`

	for _, m := range messages {
		headers, err := json.Marshal(m.Headers)
		if err != nil {
			return fmt.Errorf("encode headers of %s: %w", m.FailedMessageID, err)
		}

		if _, err := tx.ExecContext(ctx, query, m.StagingID, m.FailedMessageID, m.Destination, string(headers), m.Body); err != nil {
			r.logger.Error("Failed to save staged message", "error", err, "failedMessageID", m.FailedMessageID)
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// GetStaged returns the messages staged under one staging id
func (r *RetryBatchRepository) GetStaged(ctx context.Context, stagingID string) ([]models.StagedMessage, error) {
	var rows []struct {
		models.StagedMessage
		HeadersJSON []byte `db:"headers"`
	}

	query := `
		SELECT staging_id, failed_message_id, destination, headers, body
		FROM staged_messages
		WHERE staging_id = $1
		ORDER BY failed_message_id
	`

	if err := r.db.DB.SelectContext(ctx, &rows, query, stagingID); err != nil {
		r.logger.Error("Failed to get staged messages", "error", err, "stagingID", stagingID)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	messages := make([]models.StagedMessage, 0, len(rows))

	for _, row := range rows {
		msg := row.StagedMessage
		if err := json.Unmarshal(row.HeadersJSON, &msg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", msg.FailedMessageID, err)
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// DeleteStaged removes the messages staged under one staging id
func (r *RetryBatchRepository) DeleteStaged(ctx context.Context, stagingID string) error {
	if _, err := r.db.DB.ExecContext(ctx, `DELETE FROM staged_messages WHERE staging_id = $1`, stagingID); err != nil {
		r.logger.Error("Failed to delete staged messages", "error", err, "stagingID", stagingID)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
