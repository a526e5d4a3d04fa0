package operations

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/history"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository/memory"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

func newManagers() (*RetryingManager, *ArchivingManager, *history.Ledger, *events.Recorder) {
	registry := NewRegistry()
	ledger := history.NewLedger(memory.NewStore(), 10, logger.Discard())
	recorder := &events.Recorder{}

	return NewRetryingManager(registry, ledger, recorder, logger.Discard()),
		NewArchivingManager(registry, ledger, recorder, logger.Discard()),
		ledger,
		recorder
}

func TestStartIsIdempotentWhileInFlight(t *testing.T) {
	retrying, _, _, _ := newManagers()

	started, err := retrying.Start("g1", models.OperationTypeFailureGroup, 10, WithClassifier("Endpoint Name"))
	require.NoError(t, err)
	assert.True(t, started)

	retrying.RecordProgress(context.Background(), "g1", models.OperationTypeFailureGroup, 4, 0)

	started, err = retrying.Start("g1", models.OperationTypeFailureGroup, 99)
	require.NoError(t, err)
	assert.False(t, started)

	status := retrying.GetStatus("g1", models.OperationTypeFailureGroup)
	require.NotNil(t, status)
	assert.Equal(t, 10, status.Total)
	assert.Equal(t, 6, status.Remaining)
	assert.Equal(t, "Endpoint Name", status.Classifier)
	assert.InDelta(t, 40, status.Percentage, 0.001)
}

func TestTrackersRejectForeignTypes(t *testing.T) {
	retrying, archiving, _, _ := newManagers()

	_, err := retrying.Start("g1", models.OperationTypeArchiveGroup, 1)
	assert.ErrorIs(t, err, ErrWrongTracker)

	_, err = archiving.Start("g1", models.OperationTypeFailureGroup, 1)
	assert.ErrorIs(t, err, ErrWrongTracker)

	started, err := archiving.Start("g1", models.OperationTypeArchiveGroup, 1)
	require.NoError(t, err)
	assert.True(t, started)
}

func TestCompletionMovesToHistory(t *testing.T) {
	ctx := context.Background()
	retrying, _, ledger, recorder := newManagers()

	_, err := retrying.Start("r1", models.OperationTypeAll, 3)
	require.NoError(t, err)
	retrying.Preparing("r1", models.OperationTypeAll)
	retrying.RecordProgress(ctx, "r1", models.OperationTypeAll, 0, 1)
	retrying.Forwarding("r1", models.OperationTypeAll)
	snap := retrying.RecordProgress(ctx, "r1", models.OperationTypeAll, 2, 0)

	require.NotNil(t, snap)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.True(t, snap.NeedsAcknowledgement)
	assert.False(t, retrying.IsInProgress("r1", models.OperationTypeAll))

	h, err := ledger.Get(ctx)
	require.NoError(t, err)
	require.Len(t, h.HistoricOperations, 1)
	assert.Equal(t, 2, h.HistoricOperations[0].NumberOfMessagesProcessed)
	assert.Len(t, h.GetUnacknowledged(models.OperationTypeAll), 1)

	completed := recorder.OfType("operation_completed")
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].(events.OperationCompleted).Skipped)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	retrying, _, ledger, _ := newManagers()

	assert.ErrorIs(t, retrying.Acknowledge(ctx, "nope", models.OperationTypeFailureGroup), ErrUnknownOperation)

	_, err := retrying.Start("g1", models.OperationTypeFailureGroup, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup), ErrInProgress)

	retrying.RecordProgress(ctx, "g1", models.OperationTypeFailureGroup, 2, 0)
	require.NoError(t, retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup))
	assert.Nil(t, retrying.GetStatus("g1", models.OperationTypeFailureGroup))

	h, err := ledger.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.UnacknowledgedOperations)

	assert.ErrorIs(t, retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup), ErrUnknownOperation)
}

func TestAcknowledgeFromLedgerAfterRestart(t *testing.T) {
	ctx := context.Background()
	_, _, ledger, _ := newManagers()
	require.NoError(t, ledger.RecordCompleted(ctx, models.UnacknowledgedOperation{RequestID: "g9", OperationType: models.OperationTypeArchiveGroup}))

	// a fresh process has an empty registry but the ledger survives
	archiving := NewArchivingManager(NewRegistry(), ledger, &events.Recorder{}, logger.Discard())
	require.NoError(t, archiving.Acknowledge(ctx, "g9", models.OperationTypeArchiveGroup))
}

// blockingLedger holds RecordCompleted until release is closed
type blockingLedger struct {
	*history.Ledger
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLedger) RecordCompleted(ctx context.Context, op models.UnacknowledgedOperation) error {
	close(l.entered)
	<-l.release
	return l.Ledger.RecordCompleted(ctx, op)
}

func TestAcknowledgeWaitsForHistoryWrite(t *testing.T) {
	ctx := context.Background()
	ledger := &blockingLedger{
		Ledger:  history.NewLedger(memory.NewStore(), 10, logger.Discard()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	retrying := NewRetryingManager(NewRegistry(), ledger, &events.Recorder{}, logger.Discard())

	_, err := retrying.Start("g1", models.OperationTypeFailureGroup, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		retrying.RecordProgress(ctx, "g1", models.OperationTypeFailureGroup, 1, 0)
	}()

	<-ledger.entered
	assert.ErrorIs(t, retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup), ErrInProgress)

	close(ledger.release)
	<-done

	require.NoError(t, retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup))

	h, err := ledger.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.UnacknowledgedOperations)
}

// flakyLedger fails Acknowledge while broken is set
type flakyLedger struct {
	*history.Ledger
	broken bool
}

func (l *flakyLedger) Acknowledge(ctx context.Context, requestID string, opType models.OperationType) (bool, error) {
	if l.broken {
		return false, errors.New("history unavailable")
	}
	return l.Ledger.Acknowledge(ctx, requestID, opType)
}

func TestAcknowledgeKeepsOperationWhenHistoryFails(t *testing.T) {
	ctx := context.Background()
	ledger := &flakyLedger{Ledger: history.NewLedger(memory.NewStore(), 10, logger.Discard())}
	archiving := NewArchivingManager(NewRegistry(), ledger, &events.Recorder{}, logger.Discard())

	_, err := archiving.Start("g1", models.OperationTypeArchiveGroup, 1)
	require.NoError(t, err)
	archiving.RecordProgress(ctx, "g1", models.OperationTypeArchiveGroup, 1, 0)

	ledger.broken = true
	assert.Error(t, archiving.Acknowledge(ctx, "g1", models.OperationTypeArchiveGroup))

	status := archiving.GetStatus("g1", models.OperationTypeArchiveGroup)
	require.NotNil(t, status)
	assert.True(t, status.NeedsAcknowledgement)

	ledger.broken = false
	require.NoError(t, archiving.Acknowledge(ctx, "g1", models.OperationTypeArchiveGroup))
	assert.Nil(t, archiving.GetStatus("g1", models.OperationTypeArchiveGroup))
}

func TestFailCompletesOperation(t *testing.T) {
	ctx := context.Background()
	_, archiving, _, _ := newManagers()

	_, err := archiving.Start("g1", models.OperationTypeArchiveGroup, 5)
	require.NoError(t, err)

	snap := archiving.Fail(ctx, "g1", models.OperationTypeArchiveGroup)
	require.NotNil(t, snap)
	assert.True(t, snap.Failed)
	assert.Equal(t, StatusCompleted, snap.Status)

	assert.Nil(t, archiving.Fail(ctx, "unknown", models.OperationTypeArchiveGroup))
}

func TestProgressIsMonotonicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	retrying, _, ledger, recorder := newManagers()

	const total = 200
	_, err := retrying.Start("all", models.OperationTypeAll, total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var observed []float64

	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			completed, skipped := 1, 0
			if i%4 == 0 {
				completed, skipped = 0, 1
			}

			if snap := retrying.RecordProgress(ctx, "all", models.OperationTypeAll, completed, skipped); snap != nil {
				mu.Lock()
				observed = append(observed, snap.Percentage)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	status := retrying.GetStatus("all", models.OperationTypeAll)
	require.NotNil(t, status)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 150, status.Completed)
	assert.Equal(t, 50, status.Skipped)
	assert.Zero(t, status.Remaining)

	// exactly one caller completes the operation
	assert.Len(t, recorder.OfType("operation_completed"), 1)
	h, err := ledger.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, h.HistoricOperations, 1)

	assert.Contains(t, observed, float64(100))
	assert.Len(t, observed, total)
}

func TestProgressForUnknownOperationIsIgnored(t *testing.T) {
	retrying, _, _, _ := newManagers()
	assert.Nil(t, retrying.RecordProgress(context.Background(), "ghost", models.OperationTypeSingleMessage, 1, 0))
}
