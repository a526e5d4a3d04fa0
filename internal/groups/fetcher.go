// Package groups builds the failure group view shown to operators.
package groups

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// DefaultPerPage is the page size used when the filter does not set one
const DefaultPerPage = 50

// MaxPerPage is the largest page size a filter may ask for
const MaxPerPage = 500

// StatusNone is the operation status of a group nobody is working on
const StatusNone = "none"

// OperationSource reports the live state of an operation
type OperationSource interface {
	GetStatus(requestID string, opType models.OperationType) *operations.Snapshot
}

// HistorySource returns the ledger of completed operations
type HistorySource interface {
	Get(ctx context.Context) (*models.RetryHistory, error)
}

// GroupView is one group as returned to clients
type GroupView struct {
	ID                      string     `json:"id"`
	Title                   string     `json:"title"`
	Type                    string     `json:"type"`
	Count                   int        `json:"count"`
	First                   time.Time  `json:"first"`
	Last                    time.Time  `json:"last"`
	Closed                  bool       `json:"closed"`
	OperationType           string     `json:"operation_type,omitempty"`
	OperationStatus         string     `json:"operation_status"`
	OperationProgress       float64    `json:"operation_progress"`
	OperationRemaining      int        `json:"operation_remaining_count"`
	OperationFailed         bool       `json:"operation_failed"`
	OperationStartTime      *time.Time `json:"operation_start_time,omitempty"`
	OperationCompletionTime *time.Time `json:"operation_completion_time,omitempty"`
	NeedUserAcknowledgement bool       `json:"need_user_acknowledgement"`
}

// Filter narrows and pages the group list
type Filter struct {
	// Title matches groups whose title contains it, ignoring case
	Title string
	// Status matches the operation status, or StatusNone
	Status string
	From   time.Time
	To     time.Time
	// Page is 1-based
	Page    int
	PerPage int
}

func (f Filter) matches(g GroupView) bool {
	if f.Title != "" && !strings.Contains(strings.ToLower(g.Title), strings.ToLower(f.Title)) {
		return false
	}
	if f.Status != "" && f.Status != g.OperationStatus {
		return false
	}
	if !f.From.IsZero() && g.Last.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && g.Last.After(f.To) {
		return false
	}
	return true
}

// Result is a page of groups
type Result struct {
	Groups []GroupView `json:"groups"`
	Total  int         `json:"total"`
	ETag   string      `json:"-"`
}

// Fetcher merges durable groups with operation state at read time
type Fetcher struct {
	messages  repository.FailedMessageStore
	batches   repository.RetryBatchStore
	retrying  OperationSource
	archiving OperationSource
	history   HistorySource
	logger    logger.Logger
}

// NewFetcher creates a Fetcher
func NewFetcher(
	messages repository.FailedMessageStore,
	batches repository.RetryBatchStore,
	retrying OperationSource,
	archiving OperationSource,
	history HistorySource,
	logger logger.Logger,
) *Fetcher {
	return &Fetcher{
		messages:  messages,
		batches:   batches,
		retrying:  retrying,
		archiving: archiving,
		history:   history,
		logger:    logger,
	}
}

// GetGroups returns the classifier's groups, newest activity first
func (f *Fetcher) GetGroups(ctx context.Context, classifier string, filter Filter) (*Result, error) {
	durable, err := f.messages.ListGroups(ctx, classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	h, err := f.history.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load retry history: %w", err)
	}

	unacked := make(map[operationKey]models.UnacknowledgedOperation)
	for _, op := range h.UnacknowledgedOperations {
		if groupOperation(op.OperationType) {
			unacked[operationKey{op.RequestID, op.OperationType}] = op
		}
	}

	seen := make(map[string]bool, len(durable))
	views := make([]GroupView, 0, len(durable))

	for _, g := range durable {
		view := GroupView{
			ID:              g.ID,
			Title:           g.Title,
			Type:            g.Type,
			Count:           g.Count,
			First:           g.First,
			Last:            g.Last,
			OperationStatus: StatusNone,
		}
		f.enrich(&view, unacked)

		seen[g.ID] = true
		views = append(views, view)
	}

	for _, op := range h.UnacknowledgedOperations {
		if !groupOperation(op.OperationType) || op.Classifier != classifier || seen[op.RequestID] {
			continue
		}
		op, _ = latestUnacknowledged(op.RequestID, unacked)

		view := GroupView{
			ID:     op.RequestID,
			Title:  op.Originator,
			Type:   classifier,
			First:  op.StartTime,
			Last:   op.Last,
			Closed: true,
		}
		applyUnacknowledged(&view, op)

		seen[op.RequestID] = true
		views = append(views, view)
	}

	forwarding, err := f.forwardingGroup(ctx, classifier)
	if err != nil {
		return nil, err
	}
	if forwarding != nil && !seen[forwarding.ID] {
		views = append(views, *forwarding)
	}

	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].Last.Equal(views[j].Last) {
			return views[i].Last.After(views[j].Last)
		}
		return views[i].ID < views[j].ID
	})

	filtered := make([]GroupView, 0, len(views))
	for _, v := range views {
		if filter.matches(v) {
			filtered = append(filtered, v)
		}
	}

	etag, err := ETag(filtered)
	if err != nil {
		return nil, err
	}

	return &Result{
		Groups: page(filtered, filter.Page, filter.PerPage),
		Total:  len(filtered),
		ETag:   etag,
	}, nil
}

// enrich attaches the live or unacknowledged operation of the group
func (f *Fetcher) enrich(view *GroupView, unacked map[operationKey]models.UnacknowledgedOperation) {
	snapshot := f.retrying.GetStatus(view.ID, models.OperationTypeFailureGroup)
	for _, opType := range []models.OperationType{models.OperationTypeArchiveGroup, models.OperationTypeUnarchiveGroup} {
		if snapshot != nil && inFlight(snapshot) {
			break
		}
		if archive := f.archiving.GetStatus(view.ID, opType); archive != nil && (snapshot == nil || inFlight(archive)) {
			snapshot = archive
		}
	}

	if snapshot != nil {
		view.OperationType = string(snapshot.OperationType)
		view.OperationStatus = string(snapshot.Status)
		view.OperationProgress = snapshot.Percentage
		view.OperationRemaining = snapshot.Remaining
		view.OperationFailed = snapshot.Failed
		view.NeedUserAcknowledgement = snapshot.NeedsAcknowledgement
		view.OperationStartTime = timePtr(snapshot.StartTime)
		view.OperationCompletionTime = timePtr(snapshot.CompletionTime)
		return
	}

	if op, ok := latestUnacknowledged(view.ID, unacked); ok {
		applyUnacknowledged(view, op)
	}
}

type operationKey struct {
	requestID string
	opType    models.OperationType
}

var groupOperationTypes = []models.OperationType{
	models.OperationTypeFailureGroup,
	models.OperationTypeArchiveGroup,
	models.OperationTypeUnarchiveGroup,
}

// latestUnacknowledged returns the most recently completed unacknowledged operation on a group
func latestUnacknowledged(groupID string, unacked map[operationKey]models.UnacknowledgedOperation) (models.UnacknowledgedOperation, bool) {
	var (
		latest models.UnacknowledgedOperation
		found  bool
	)
	for _, opType := range groupOperationTypes {
		op, ok := unacked[operationKey{groupID, opType}]
		if ok && (!found || op.CompletionTime.After(latest.CompletionTime)) {
			latest, found = op, true
		}
	}
	return latest, found
}

// forwardingGroup returns the group of the batch holding the forwarding pointer, if it belongs to classifier
func (f *Fetcher) forwardingGroup(ctx context.Context, classifier string) (*GroupView, error) {
	ptr, err := f.batches.GetForwardingPointer(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read forwarding pointer: %w", err)
	}

	batch, err := f.batches.GetBatch(ctx, ptr.RetryBatchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forwarding batch: %w", err)
	}

	if batch.RetryType != models.OperationTypeFailureGroup || batch.Classifier != classifier {
		return nil, nil
	}

	view := &GroupView{
		ID:              batch.RequestID,
		Title:           batch.Originator,
		Type:            classifier,
		Count:           len(batch.FailureRetries),
		First:           batch.StartTime,
		Last:            batch.StartTime,
		OperationType:   string(batch.RetryType),
		OperationStatus: string(operations.StatusForwarding),
	}

	if snapshot := f.retrying.GetStatus(batch.RequestID, batch.RetryType); snapshot != nil {
		view.OperationProgress = snapshot.Percentage
		view.OperationRemaining = snapshot.Remaining
		view.OperationStartTime = timePtr(snapshot.StartTime)
	}

	return view, nil
}

func applyUnacknowledged(view *GroupView, op models.UnacknowledgedOperation) {
	view.OperationType = string(op.OperationType)
	view.OperationStatus = string(operations.StatusCompleted)
	view.OperationProgress = 100
	view.OperationFailed = op.Failed
	view.OperationStartTime = timePtr(op.StartTime)
	view.OperationCompletionTime = timePtr(op.CompletionTime)
	view.NeedUserAcknowledgement = true
}

func groupOperation(t models.OperationType) bool {
	for _, g := range groupOperationTypes {
		if t == g {
			return true
		}
	}
	return false
}

func inFlight(s *operations.Snapshot) bool {
	return s.Status != operations.StatusCompleted
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func page(views []GroupView, pageNum, perPage int) []GroupView {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if pageNum <= 0 {
		pageNum = 1
	}

	// compared in pages so huge page numbers cannot overflow the offset
	if pageNum-1 >= (len(views)+perPage-1)/perPage {
		return []GroupView{}
	}

	start := (pageNum - 1) * perPage
	end := start + perPage
	if end > len(views) {
		end = len(views)
	}

	return views[start:end]
}

// ETag returns a quoted SHA-256 of the canonical JSON of v
func ETag(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode etag source: %w", err)
	}

	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}
