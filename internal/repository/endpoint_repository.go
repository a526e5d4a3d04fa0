package repository

import (
	"context"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/database"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// EndpointRepository handles known endpoints and address redirects
type EndpointRepository struct {
	db     *database.Database
	logger logger.Logger
}

// NewEndpointRepository creates a new EndpointRepository
func NewEndpointRepository(db *database.Database, logger logger.Logger) *EndpointRepository {
	return &EndpointRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertEndpoints records endpoints, keeping the first-seen time of existing ones
func (r *EndpointRepository) UpsertEndpoints(ctx context.Context, endpoints []models.KnownEndpoint) error {
	if len(endpoints) == 0 {
		return nil
	}

	query := `
		INSERT INTO known_endpoints (name, host_id, host, monitored, first_seen)
		VALUES (:name, :host_id, :host, :monitored, :first_seen)
		ON CONFLICT (name, host_id) DO UPDATE SET host = EXCLUDED.host
	`

	tx, err := r.db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	for _, endpoint := range endpoints {
		if _, err := tx.NamedExecContext(ctx, query, endpoint); err != nil {
			r.logger.Error("Failed to upsert known endpoint", "error", err, "endpoint", endpoint.Name)
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// ListEndpoints returns every known endpoint
func (r *EndpointRepository) ListEndpoints(ctx context.Context) ([]models.KnownEndpoint, error) {
	var endpoints []models.KnownEndpoint

	query := `SELECT name, host_id, host, monitored, first_seen FROM known_endpoints ORDER BY name, host_id`

	if err := r.db.DB.SelectContext(ctx, &endpoints, query); err != nil {
		r.logger.Error("Failed to list known endpoints", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return endpoints, nil
}

// Resolve follows the redirect for address, if one exists
func (r *EndpointRepository) Resolve(ctx context.Context, address string) (string, error) {
	var targets []string

	query := `SELECT to_physical_address FROM message_redirects WHERE from_physical_address = $1`

	if err := r.db.DB.SelectContext(ctx, &targets, query, address); err != nil {
		r.logger.Error("Failed to resolve redirect", "error", err, "address", address)
		return "", fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if len(targets) == 0 {
		return address, nil
	}

	return targets[0], nil
}

// ListRedirects returns every configured redirect
func (r *EndpointRepository) ListRedirects(ctx context.Context) ([]models.MessageRedirect, error) {
	var redirects []models.MessageRedirect

	query := `SELECT from_physical_address, to_physical_address, last_modified FROM message_redirects ORDER BY from_physical_address`

	if err := r.db.DB.SelectContext(ctx, &redirects, query); err != nil {
		r.logger.Error("Failed to list redirects", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return redirects, nil
}

// SaveRedirect creates or replaces a redirect
func (r *EndpointRepository) SaveRedirect(ctx context.Context, redirect models.MessageRedirect) error {
	query := `
		INSERT INTO message_redirects (from_physical_address, to_physical_address, last_modified)
		VALUES ($1, $2, $3)
		ON CONFLICT (from_physical_address) DO UPDATE SET
			to_physical_address = EXCLUDED.to_physical_address,
			last_modified = EXCLUDED.last_modified
	`

	if _, err := r.db.DB.ExecContext(ctx, query, redirect.FromPhysicalAddress, redirect.ToPhysicalAddress, redirect.LastModified); err != nil {
		r.logger.Error("Failed to save redirect", "error", err, "from", redirect.FromPhysicalAddress)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	return nil
}

// DeleteRedirect removes a redirect
func (r *EndpointRepository) DeleteRedirect(ctx context.Context, fromAddress string) error {
	result, err := r.db.DB.ExecContext(ctx, `DELETE FROM message_redirects WHERE from_physical_address = $1`, fromAddress)

	if err != nil {
		r.logger.Error("Failed to delete redirect", "error", err, "from", fromAddress)
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}
