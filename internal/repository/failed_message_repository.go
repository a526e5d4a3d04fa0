package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/vaidashi/failure-recovery/internal/database"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// FailedMessageRepository handles database operations related to failure records
type FailedMessageRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewFailedMessageRepository creates a new FailedMessageRepository
func NewFailedMessageRepository(db *database.Database, logger logger.Logger) *FailedMessageRepository {
	return &FailedMessageRepository{
		db:     db,
		logger: logger,
	}
}

type failedMessageRow struct {
	ID                 string    `db:"id"`
	Status             string    `db:"status"`
	ProcessingAttempts []byte    `db:"processing_attempts"`
	FailureGroups      []byte    `db:"failure_groups"`
	LastModified       time.Time `db:"last_modified"`
	Version            int64     `db:"version"`
}

func (r failedMessageRow) toModel() (*models.FailedMessage, error) {
	msg := &models.FailedMessage{
		ID:           r.ID,
		Status:       models.FailedMessageStatus(r.Status),
		LastModified: r.LastModified,
		Version:      r.Version,
	}

	if err := json.Unmarshal(r.ProcessingAttempts, &msg.ProcessingAttempts); err != nil {
		return nil, fmt.Errorf("decode attempts of %s: %w", r.ID, err)
	}

	if err := json.Unmarshal(r.FailureGroups, &msg.FailureGroups); err != nil {
		return nil, fmt.Errorf("decode groups of %s: %w", r.ID, err)
	}

	return msg, nil
}

const failedMessageColumns = `id, status, processing_attempts, failure_groups, last_modified, version`

// RecordAttempt upserts the failure record in a single statement. The attempt is appended only
// when no stored attempt carries the same timestamp.
func (r *FailedMessageRepository) RecordAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt, groups []models.FailureGroup) (bool, error) {
	attempt.AttemptedAt = attempt.AttemptedAt.UTC()

	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		return false, fmt.Errorf("encode attempt: %w", err)
	}

	if groups == nil {
		groups = []models.FailureGroup{}
	}

	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return false, fmt.Errorf("encode groups: %w", err)
	}

	endpointName := ""
	if e := attempt.ReceivingEndpoint(); e != nil {
		endpointName = e.Name
	}

	query := `
		INSERT INTO failed_messages (
			id, status, endpoint_name, processing_attempts, failure_groups, last_modified, version
		) VALUES (
			$1, $2, $3, jsonb_build_array($4::jsonb), $5::jsonb, $6, 1
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			endpoint_name = EXCLUDED.endpoint_name,
			failure_groups = EXCLUDED.failure_groups,
			processing_attempts = CASE
				WHEN failed_messages.processing_attempts @> jsonb_build_array(jsonb_build_object('attempted_at', $7::text))
				THEN failed_messages.processing_attempts
				ELSE failed_messages.processing_attempts || jsonb_build_array($4::jsonb)
			END,
			last_modified = EXCLUDED.last_modified,
			version = failed_messages.version + 1
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool

	err = r.db.DB.QueryRowContext(
		ctx,
		query,
		id,
		string(models.FailedMessageStatusUnresolved),
		endpointName,
		string(attemptJSON),
		string(groupsJSON),
		models.GetCurrentTime(),
		attempt.AttemptedAt.Format(time.RFC3339Nano),
	).Scan(&inserted)

	if err != nil {
		r.logger.Error("Failed to record processing attempt", "error", err, "failedMessageID", id)
		return false, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return inserted, nil
}

// Get retrieves a failure record by ID
func (r *FailedMessageRepository) Get(ctx context.Context, id string) (*models.FailedMessage, error) {
	query := `SELECT ` + failedMessageColumns + ` FROM failed_messages WHERE id = $1`

	var row failedMessageRow
	err := r.db.DB.GetContext(ctx, &row, query, id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get failure record", "error", err, "failedMessageID", id)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return row.toModel()
}

// GetMany retrieves the records that exist among ids
func (r *FailedMessageRepository) GetMany(ctx context.Context, ids []string) (map[string]*models.FailedMessage, error) {
	result := make(map[string]*models.FailedMessage, len(ids))

	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT ` + failedMessageColumns + ` FROM failed_messages WHERE id = ANY($1)`

	var rows []failedMessageRow

	if err := r.db.DB.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		r.logger.Error("Failed to get failure records", "error", err, "count", len(ids))
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	for _, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result[msg.ID] = msg
	}

	return result, nil
}

// SetStatus updates the status of every record in ids
func (r *FailedMessageRepository) SetStatus(ctx context.Context, ids []string, status models.FailedMessageStatus) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE failed_messages
		SET
			status = $1,
			last_modified = $2,
			version = version + 1
		WHERE
			id = ANY($3)
	`

	_, err := r.db.DB.ExecContext(ctx, query, string(status), models.GetCurrentTime(), pq.Array(ids))

	if err != nil {
		r.logger.Error("Failed to update failure record status", "error", err, "status", status, "count", len(ids))
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// selectorClause renders the WHERE clause of a selector starting at placeholder $n
func selectorClause(sel Selector, n int) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}

	if len(sel.Statuses) > 0 {
		statuses := make([]string, len(sel.Statuses))
		for i, s := range sel.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", n))
		args = append(args, pq.Array(statuses))
		n++
	}

	switch sel.Kind {
	case SelectGroup:
		filter, err := json.Marshal([]map[string]string{{"id": sel.Value}})
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, fmt.Sprintf("failure_groups @> $%d::jsonb", n))
		args = append(args, string(filter))
	case SelectEndpoint:
		clauses = append(clauses, fmt.Sprintf("endpoint_name = $%d", n))
		args = append(args, sel.Value)
	case SelectAll, "":
	default:
		return "", nil, fmt.Errorf("unknown selector kind %q", sel.Kind)
	}

	if len(clauses) == 0 {
		return "TRUE", args, nil
	}

	return strings.Join(clauses, " AND "), args, nil
}

// Count returns the number of records matching the selector
func (r *FailedMessageRepository) Count(ctx context.Context, sel Selector) (int, error) {
	where, args, err := selectorClause(sel, 1)
	if err != nil {
		return 0, err
	}

	var count int

	if err := r.db.DB.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_messages WHERE `+where, args...); err != nil {
		r.logger.Error("Failed to count failure records", "error", err, "selector", sel.Kind)
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return count, nil
}

// StreamIDs pages through matching ids in key order so memory stays bounded
func (r *FailedMessageRepository) StreamIDs(ctx context.Context, sel Selector, pageSize int, fn func(ids []string) error) error {
	where, args, err := selectorClause(sel, 3)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT id FROM failed_messages WHERE id > $1 AND %s ORDER BY id LIMIT $2`, where)
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var ids []string

		if err := r.db.DB.SelectContext(ctx, &ids, query, append([]interface{}{after, pageSize}, args...)...); err != nil {
			r.logger.Error("Failed to stream failure record ids", "error", err, "selector", sel.Kind)
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}

		if len(ids) == 0 {
			return nil
		}

		if err := fn(ids); err != nil {
			return err
		}

		if len(ids) < pageSize {
			return nil
		}

		after = ids[len(ids)-1]
	}
}

const groupSummaryQuery = `
	SELECT
		g->>'id' AS id,
		g->>'title' AS title,
		g->>'type' AS type,
		COUNT(*) AS count,
		MIN(f.last_modified) AS first,
		MAX(f.last_modified) AS last
	FROM
		failed_messages f
		CROSS JOIN LATERAL jsonb_array_elements(f.failure_groups) g
	WHERE
		f.status = $1 AND %s
	GROUP BY
		1, 2, 3
	ORDER BY
		last DESC
`

// ListGroups returns the unresolved failure groups produced by a classifier
func (r *FailedMessageRepository) ListGroups(ctx context.Context, classifier string) ([]models.GroupSummary, error) {
	var groups []models.GroupSummary

	err := r.db.DB.SelectContext(ctx, &groups, fmt.Sprintf(groupSummaryQuery, "g->>'type' = $2"),
		string(models.FailedMessageStatusUnresolved), classifier)

	if err != nil {
		r.logger.Error("Failed to list failure groups", "error", err, "classifier", classifier)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return groups, nil
}

// GetGroup returns one unresolved failure group
func (r *FailedMessageRepository) GetGroup(ctx context.Context, groupID string) (*models.GroupSummary, error) {
	var groups []models.GroupSummary

	err := r.db.DB.SelectContext(ctx, &groups, fmt.Sprintf(groupSummaryQuery, "g->>'id' = $2"),
		string(models.FailedMessageStatusUnresolved), groupID)

	if err != nil {
		r.logger.Error("Failed to get failure group", "error", err, "groupID", groupID)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if len(groups) == 0 {
		return nil, ErrNotFound
	}

	return &groups[0], nil
}
