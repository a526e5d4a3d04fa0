package repository

import (
	"context"
	"errors"

	"github.com/vaidashi/failure-recovery/internal/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDatabase    = errors.New("database error")
	ErrConcurrency = errors.New("concurrency conflict")
)

// SelectorKind names the dimension a bulk selector filters on
type SelectorKind string

const (
	SelectAll      SelectorKind = "all"
	SelectGroup    SelectorKind = "group"
	SelectEndpoint SelectorKind = "endpoint"
)

// Selector picks the failure records a bulk operation applies to
type Selector struct {
	Kind     SelectorKind
	Value    string
	Statuses []models.FailedMessageStatus
}

// Matches reports whether a record satisfies the selector
func (s Selector) Matches(m *models.FailedMessage) bool {
	if len(s.Statuses) > 0 {
		found := false

		for _, status := range s.Statuses {
			if m.Status == status {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	switch s.Kind {
	case SelectGroup:
		for _, g := range m.FailureGroups {
			if g.ID == s.Value {
				return true
			}
		}
		return false
	case SelectEndpoint:
		return m.EndpointName() == s.Value
	default:
		return true
	}
}

// FailedMessageStore persists failure records
type FailedMessageStore interface {
	// RecordAttempt creates or updates the record; it reports whether the record was created
	RecordAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt, groups []models.FailureGroup) (bool, error)
	Get(ctx context.Context, id string) (*models.FailedMessage, error)
	GetMany(ctx context.Context, ids []string) (map[string]*models.FailedMessage, error)
	SetStatus(ctx context.Context, ids []string, status models.FailedMessageStatus) error
	Count(ctx context.Context, sel Selector) (int, error)
	// StreamIDs calls fn with pages of matching ids until exhausted, fn errors or ctx is done
	StreamIDs(ctx context.Context, sel Selector, pageSize int, fn func(ids []string) error) error
	ListGroups(ctx context.Context, classifier string) ([]models.GroupSummary, error)
	GetGroup(ctx context.Context, groupID string) (*models.GroupSummary, error)
}

// OrphanQuery is the result of an orphaned batch lookup
type OrphanQuery struct {
	Batches []*models.RetryBatch
	// Stale is set when the underlying index may not yet reflect recent writes
	Stale bool
}

// RetryBatchStore persists retry batches, retry markers, staged messages and the forwarding pointer
type RetryBatchStore interface {
	CreateBatch(ctx context.Context, batch *models.RetryBatch) error
	GetBatch(ctx context.Context, id string) (*models.RetryBatch, error)
	// UpdateBatch writes the batch if its version is unchanged, returning ErrConcurrency otherwise
	UpdateBatch(ctx context.Context, batch *models.RetryBatch) error
	DeleteBatch(ctx context.Context, id string) error
	ListBatches(ctx context.Context, status models.RetryBatchStatus) ([]*models.RetryBatch, error)
	FindOrphans(ctx context.Context, sessionID string) (*OrphanQuery, error)

	// CreateMarker inserts the marker unless one exists for the message; it reports whether it was created
	CreateMarker(ctx context.Context, marker models.FailedMessageRetry) (bool, error)
	GetMarkers(ctx context.Context, batchID string) ([]models.FailedMessageRetry, error)
	GetMarker(ctx context.Context, failedMessageID string) (*models.FailedMessageRetry, error)
	DeleteMarker(ctx context.Context, failedMessageID string) error
	DeleteMarkersForBatch(ctx context.Context, batchID string) error

	GetForwardingPointer(ctx context.Context) (*models.ForwardingPointer, error)
	// ClaimForwarding stores ptr if the current pointer version equals expectedVersion (0 means absent)
	ClaimForwarding(ctx context.Context, expectedVersion int64, ptr models.ForwardingPointer) error
	ReleaseForwarding(ctx context.Context, batchID string) error

	SaveStaged(ctx context.Context, messages []models.StagedMessage) error
	GetStaged(ctx context.Context, stagingID string) ([]models.StagedMessage, error)
	DeleteStaged(ctx context.Context, stagingID string) error
}

// HistoryStore persists the retry history ledger
type HistoryStore interface {
	// GetHistory returns the ledger, or an empty one with version 0
	GetHistory(ctx context.Context) (*models.RetryHistory, error)
	// SaveHistory writes the ledger if its version is unchanged, returning ErrConcurrency otherwise
	SaveHistory(ctx context.Context, history *models.RetryHistory) error
}

// EndpointStore persists known endpoints
type EndpointStore interface {
	UpsertEndpoints(ctx context.Context, endpoints []models.KnownEndpoint) error
	ListEndpoints(ctx context.Context) ([]models.KnownEndpoint, error)
}

// RedirectStore persists address redirects
type RedirectStore interface {
	// Resolve returns the redirected address, or the input when none is configured
	Resolve(ctx context.Context, address string) (string, error)
	ListRedirects(ctx context.Context) ([]models.MessageRedirect, error)
	SaveRedirect(ctx context.Context, redirect models.MessageRedirect) error
	DeleteRedirect(ctx context.Context, fromAddress string) error
}
