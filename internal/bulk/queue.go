// Package bulk runs retry and archive operations over large selections of failure records.
package bulk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// DefaultPageSize is the number of ids handed to one batch
const DefaultPageSize = 1024

var (
	// ErrInvalidRequest is returned for requests missing a type or selector value
	ErrInvalidRequest = errors.New("invalid bulk request")
	// errCancelled stops a stream between pages
	errCancelled = errors.New("bulk request cancelled")
)

// Tracker receives the progress of bulk operations
type Tracker interface {
	Start(requestID string, opType models.OperationType, total int, opts ...operations.Option) (bool, error)
	RecordProgress(ctx context.Context, requestID string, opType models.OperationType, completed, skipped int) *operations.Snapshot
	Fail(ctx context.Context, requestID string, opType models.OperationType) *operations.Snapshot
	IsInProgress(requestID string, opType models.OperationType) bool
}

// Config holds the configuration shared by the gateways
type Config struct {
	// Interval is the wait between checks of the queue
	Interval time.Duration
	// PageSize is the number of ids streamed per page
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	return c
}

// Request is a queued bulk operation
type Request struct {
	RequestID  string
	Type       models.OperationType
	Selector   repository.Selector
	Classifier string
	Originator string
}

// Group selects the unresolved messages of a failure group
func Group(groupID string) repository.Selector {
	return repository.Selector{
		Kind:     repository.SelectGroup,
		Value:    groupID,
		Statuses: []models.FailedMessageStatus{models.FailedMessageStatusUnresolved},
	}
}

// Endpoint selects the unresolved messages that failed on an endpoint
func Endpoint(name string) repository.Selector {
	return repository.Selector{
		Kind:     repository.SelectEndpoint,
		Value:    name,
		Statuses: []models.FailedMessageStatus{models.FailedMessageStatusUnresolved},
	}
}

// All selects every unresolved message
func All() repository.Selector {
	return repository.Selector{
		Kind:     repository.SelectAll,
		Statuses: []models.FailedMessageStatus{models.FailedMessageStatusUnresolved},
	}
}

// queue holds pending requests and the cancellation state of the running one
type queue struct {
	mu        sync.Mutex
	pending   []Request
	current   string
	cancelled map[string]bool
	wake      chan struct{}
}

func newQueue() *queue {
	return &queue{
		cancelled: make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// push queues req unless a request with the same id and type is already pending
func (q *queue) push(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.pending {
		if p.RequestID == req.RequestID && p.Type == req.Type {
			return false
		}
	}

	q.pending = append(q.pending, req)

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return true
}

func (q *queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Request{}, false
	}

	req := q.pending[0]
	q.pending = q.pending[1:]
	q.current = req.RequestID
	delete(q.cancelled, req.RequestID)

	return req, true
}

func (q *queue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.cancelled, q.current)
	q.current = ""
}

// cancel drops a pending request or flags the running one
func (q *queue) cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p.RequestID == requestID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}

	if q.current == requestID {
		q.cancelled[requestID] = true
		return true
	}

	return false
}

func (q *queue) isCancelled(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cancelled[requestID]
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// run drains the queue on every tick, or as soon as a request arrives, until ctx is cancelled
func (q *queue) run(ctx context.Context, interval time.Duration, name string, process func(context.Context, Request) error, log logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Bulk gateway started", "gateway", name, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("Bulk gateway stopped", "gateway", name)
			return nil
		case <-ticker.C:
		case <-q.wake:
		}

		for {
			req, ok := q.pop()
			if !ok {
				break
			}

			if err := process(ctx, req); err != nil && ctx.Err() == nil {
				log.Error("Bulk request failed", "gateway", name, "error", err, "requestID", req.RequestID, "type", req.Type)
			}
			q.done()

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
