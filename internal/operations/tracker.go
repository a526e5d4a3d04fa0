package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

var (
	ErrInProgress       = errors.New("operation is still in progress")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrWrongTracker     = errors.New("operation type not handled by this tracker")
)

// Ledger is the durable record of completed operations
type Ledger interface {
	RecordCompleted(ctx context.Context, op models.UnacknowledgedOperation) error
	Acknowledge(ctx context.Context, requestID string, opType models.OperationType) (bool, error)
}

type key struct {
	requestID string
	opType    models.OperationType
}

// Registry holds the live operations of every tracker
type Registry struct {
	mu  sync.Mutex
	ops map[key]*Operation
	// recording holds completed operations whose ledger write has not returned yet
	recording map[key]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		ops:       make(map[key]*Operation),
		recording: make(map[key]int),
	}
}

// Snapshot is a read-only view of an operation's progress
type Snapshot struct {
	RequestID            string               `json:"request_id"`
	OperationType        models.OperationType `json:"operation_type"`
	Classifier           string               `json:"classifier,omitempty"`
	Originator           string               `json:"originator,omitempty"`
	Status               Status               `json:"status"`
	Percentage           float64              `json:"percentage"`
	Total                int                  `json:"total"`
	Remaining            int                  `json:"remaining"`
	Completed            int                  `json:"completed"`
	Skipped              int                  `json:"skipped"`
	Failed               bool                 `json:"failed"`
	NeedsAcknowledgement bool                 `json:"needs_acknowledgement"`
	StartTime            time.Time            `json:"start_time"`
	CompletionTime       time.Time            `json:"completion_time,omitempty"`
	LastTouched          time.Time            `json:"last_touched"`
}

func snapshotOf(o *Operation) *Snapshot {
	return &Snapshot{
		RequestID:            o.RequestID,
		OperationType:        o.Type,
		Classifier:           o.Classifier,
		Originator:           o.Originator,
		Status:               o.Status,
		Percentage:           o.Percentage(),
		Total:                o.Total,
		Remaining:            o.Remaining(),
		Completed:            o.Completed,
		Skipped:              o.Skipped,
		Failed:               o.Failed,
		NeedsAcknowledgement: o.NeedsAcknowledgement,
		StartTime:            o.StartTime,
		CompletionTime:       o.CompletionTime,
		LastTouched:          o.LastTouched,
	}
}

// Option sets descriptive fields of a started operation
type Option func(o *Operation)

// WithClassifier records the classifier the operation's request id belongs to
func WithClassifier(classifier string) Option {
	return func(o *Operation) { o.Classifier = classifier }
}

// WithOriginator records a human-readable description of the operation's target
func WithOriginator(originator string) Option {
	return func(o *Operation) { o.Originator = originator }
}

// tracker is the behaviour shared by the retrying and archiving managers
type tracker struct {
	name      string
	registry  *Registry
	ledger    Ledger
	publisher events.Publisher
	accepts   func(models.OperationType) bool
	now       func() time.Time
	logger    logger.Logger
}

func (t *tracker) check(opType models.OperationType) error {
	if !t.accepts(opType) {
		return fmt.Errorf("%w: %s", ErrWrongTracker, opType)
	}
	return nil
}

// Start begins tracking an operation of total messages. It returns false when the
// operation is already in flight, in which case nothing changes.
func (t *tracker) Start(requestID string, opType models.OperationType, total int, opts ...Option) (bool, error) {
	if err := t.check(opType); err != nil {
		return false, err
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	k := key{requestID, opType}
	if existing, ok := t.registry.ops[k]; ok && existing.InFlight() {
		return false, nil
	}

	op := Operation{RequestID: requestID, Type: opType}
	for _, opt := range opts {
		opt(&op)
	}
	op = Apply(op, Waiting(total, t.now()))

	t.registry.ops[k] = &op
	metrics.OperationsInFlight.WithLabelValues(t.name).Inc()

	t.logger.Info("Operation started", "tracker", t.name, "requestID", requestID, "type", opType, "total", total)
	return true, nil
}

// apply runs events against an in-flight operation and returns a copy of the result;
// completed is set when this call completed it.
func (t *tracker) apply(requestID string, opType models.OperationType, evs ...Event) (op *Operation, completed bool) {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	current, ok := t.registry.ops[key{requestID, opType}]
	if !ok || !current.InFlight() {
		return nil, false
	}

	next := *current
	for _, e := range evs {
		next = Apply(next, e)
	}

	if next.InFlight() && next.Remaining() == 0 {
		next = Apply(next, Completed(t.now()))
	}

	*current = next
	result := next

	if next.Status == StatusCompleted {
		t.registry.recording[key{requestID, opType}]++
		metrics.OperationsInFlight.WithLabelValues(t.name).Dec()
		return &result, true
	}

	return &result, false
}

// Preparing records that messages of the operation are being marked for retry
func (t *tracker) Preparing(requestID string, opType models.OperationType) {
	t.apply(requestID, opType, Preparing(t.now()))
}

// Forwarding records that a batch of the operation is being forwarded
func (t *tracker) Forwarding(requestID string, opType models.OperationType) {
	t.apply(requestID, opType, Forwarding(t.now()))
}

// RecordProgress adds forwarded and skipped counts; the operation completes when none remain
func (t *tracker) RecordProgress(ctx context.Context, requestID string, opType models.OperationType, completed, skipped int) *Snapshot {
	now := t.now()
	op, done := t.apply(requestID, opType, Progressed(completed, now), Skipped(skipped, now))
	if op == nil {
		return nil
	}

	if done {
		t.finish(ctx, op)
	}

	return snapshotOf(op)
}

// Fail completes the operation as failed
func (t *tracker) Fail(ctx context.Context, requestID string, opType models.OperationType) *Snapshot {
	now := t.now()
	op, done := t.apply(requestID, opType, Failed(now), Completed(now))
	if op == nil {
		return nil
	}

	if done {
		t.finish(ctx, op)
	}

	return snapshotOf(op)
}

// finish records a completed operation in the ledger and announces it. The operation
// cannot be acknowledged until the ledger write returns.
func (t *tracker) finish(ctx context.Context, op *Operation) {
	defer func() {
		t.registry.mu.Lock()
		k := key{op.RequestID, op.Type}
		if t.registry.recording[k]--; t.registry.recording[k] <= 0 {
			delete(t.registry.recording, k)
		}
		t.registry.mu.Unlock()
	}()

	t.logger.Info("Operation completed",
		"tracker", t.name,
		"requestID", op.RequestID,
		"type", op.Type,
		"completed", op.Completed,
		"skipped", op.Skipped,
		"failed", op.Failed)

	err := t.ledger.RecordCompleted(ctx, models.UnacknowledgedOperation{
		RequestID:                 op.RequestID,
		OperationType:             op.Type,
		Classifier:                op.Classifier,
		Originator:                op.Originator,
		StartTime:                 op.StartTime,
		CompletionTime:            op.CompletionTime,
		Last:                      op.LastTouched,
		Failed:                    op.Failed,
		NumberOfMessagesProcessed: op.Completed,
	})
	if err != nil {
		t.logger.Error("Failed to record operation history", "error", err, "requestID", op.RequestID)
	}

	if err := t.publisher.Publish(events.OperationCompleted{
		RequestID:     op.RequestID,
		OperationType: op.Type,
		Processed:     op.Completed,
		Skipped:       op.Skipped,
		Failed:        op.Failed,
	}); err != nil {
		t.logger.Warn("Failed to publish event", "error", err, "type", "operation_completed")
	}
}

// GetStatus returns the operation's progress, or nil when it is not tracked
func (t *tracker) GetStatus(requestID string, opType models.OperationType) *Snapshot {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	op, ok := t.registry.ops[key{requestID, opType}]
	if !ok {
		return nil
	}

	return snapshotOf(op)
}

// IsInProgress reports whether the operation is tracked and not yet completed
func (t *tracker) IsInProgress(requestID string, opType models.OperationType) bool {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	op, ok := t.registry.ops[key{requestID, opType}]
	return ok && op.InFlight()
}

// Acknowledge dismisses a completed operation
func (t *tracker) Acknowledge(ctx context.Context, requestID string, opType models.OperationType) error {
	if err := t.check(opType); err != nil {
		return err
	}

	k := key{requestID, opType}

	t.registry.mu.Lock()
	op, tracked := t.registry.ops[k]
	if (tracked && op.InFlight()) || t.registry.recording[k] > 0 {
		t.registry.mu.Unlock()
		return ErrInProgress
	}
	t.registry.mu.Unlock()

	found, err := t.ledger.Acknowledge(ctx, requestID, opType)
	if err != nil {
		return err
	}

	if tracked {
		t.registry.mu.Lock()
		// a restart of the same operation may have replaced it meanwhile
		if current, ok := t.registry.ops[k]; ok && current == op {
			*op = Apply(*op, Acknowledged(t.now()))
			delete(t.registry.ops, k)
		}
		t.registry.mu.Unlock()
	}

	if !tracked && !found {
		return ErrUnknownOperation
	}

	t.logger.Info("Operation acknowledged", "tracker", t.name, "requestID", requestID, "type", opType)
	return nil
}

// List returns snapshots of every operation of the given type
func (t *tracker) List(opType models.OperationType) []*Snapshot {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	var result []*Snapshot
	for k, op := range t.registry.ops {
		if k.opType == opType {
			result = append(result, snapshotOf(op))
		}
	}
	return result
}

// RetryingManager tracks retry operations
type RetryingManager struct {
	*tracker
}

// NewRetryingManager creates the retry tracker
func NewRetryingManager(registry *Registry, ledger Ledger, publisher events.Publisher, logger logger.Logger) *RetryingManager {
	return &RetryingManager{&tracker{
		name:      "retrying",
		registry:  registry,
		ledger:    ledger,
		publisher: publisher,
		accepts:   func(t models.OperationType) bool { return !t.IsArchive() },
		now:       models.GetCurrentTime,
		logger:    logger,
	}}
}

// ArchivingManager tracks archive and unarchive operations
type ArchivingManager struct {
	*tracker
}

// NewArchivingManager creates the archive tracker
func NewArchivingManager(registry *Registry, ledger Ledger, publisher events.Publisher, logger logger.Logger) *ArchivingManager {
	return &ArchivingManager{&tracker{
		name:      "archiving",
		registry:  registry,
		ledger:    ledger,
		publisher: publisher,
		accepts:   func(t models.OperationType) bool { return t.IsArchive() },
		now:       models.GetCurrentTime,
		logger:    logger,
	}}
}
