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

// HistoryRepository stores the retry history as a single versioned document
type HistoryRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *database.Database, logger logger.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// GetHistory loads the ledger, returning an empty one when none was saved yet
func (r *HistoryRepository) GetHistory(ctx context.Context) (*models.RetryHistory, error) {
	var row struct {
		Document []byte `db:"document"`
		Version  int64  `db:"version"`
	}

	err := r.db.DB.GetContext(ctx, &row, `SELECT document, version FROM retry_history WHERE id = 1`)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.RetryHistory{}, nil
		}
		r.logger.Error("Failed to get retry history", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	var history models.RetryHistory

	if err := json.Unmarshal(row.Document, &history); err != nil {
		return nil, fmt.Errorf("decode retry history: %w", err)
	}

	history.Version = row.Version
	return &history, nil
}

// SaveHistory writes the ledger when the stored version still matches
func (r *HistoryRepository) SaveHistory(ctx context.Context, history *models.RetryHistory) error {
	document, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode retry history: %w", err)
	}

	var result sql.Result

	if history.Version == 0 {
		result, err = r.db.DB.ExecContext(ctx, `
			INSERT INTO retry_history (id, document, version) VALUES (1, $1::jsonb, 1)
			ON CONFLICT (id) DO NOTHING
		`, string(document))
	} else {
		result, err = r.db.DB.ExecContext(ctx, `
			UPDATE retry_history SET document = $1::jsonb, version = version + 1
			WHERE id = 1 AND version = $2
		`, string(document), history.Version)
	}

	if err != nil {
		r.logger.Error("Failed to save retry history", "error", err)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConcurrency
	}

	history.Version++
	return nil
}
