package groups

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/history"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository/memory"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

const classifier = "Exception Type and Stack Trace"

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	ledger    *history.Ledger
	retrying  *operations.RetryingManager
	archiving *operations.ArchivingManager
	fetcher   *Fetcher
}

func newFixture() *fixture {
	store := memory.NewStore()
	ledger := history.NewLedger(store, 10, logger.Discard())
	registry := operations.NewRegistry()
	retrying := operations.NewRetryingManager(registry, ledger, &events.Recorder{}, logger.Discard())
	archiving := operations.NewArchivingManager(registry, ledger, &events.Recorder{}, logger.Discard())

	return &fixture{
		store:     store,
		ledger:    ledger,
		retrying:  retrying,
		archiving: archiving,
		fetcher:   NewFetcher(store, store, retrying, archiving, ledger, logger.Discard()),
	}
}

func (f *fixture) put(id, group, title string, status models.FailedMessageStatus, at time.Time) {
	f.store.PutMessage(&models.FailedMessage{
		ID:            id,
		Status:        status,
		FailureGroups: []models.FailureGroup{{ID: group, Title: title, Type: classifier}},
		LastModified:  at,
		ProcessingAttempts: []models.ProcessingAttempt{
			{AttemptedAt: at},
		},
	})
}

func ids(result *Result) []string {
	var out []string
	for _, g := range result.Groups {
		out = append(out, g.ID)
	}
	return out
}

func TestOpenGroupsAreOrderedAndEnriched(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.put("m1", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base)
	f.put("m2", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base.Add(time.Minute))
	f.put("m3", "g2", "Timeout at Billing", models.FailedMessageStatusUnresolved, base.Add(time.Hour))

	_, err := f.retrying.Start("g1", models.OperationTypeFailureGroup, 2)
	require.NoError(t, err)
	f.retrying.RecordProgress(ctx, "g1", models.OperationTypeFailureGroup, 1, 0)

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)

	assert.Equal(t, []string{"g2", "g1"}, ids(result))
	assert.Equal(t, 2, result.Total)

	g1 := result.Groups[1]
	assert.Equal(t, 2, g1.Count)
	assert.False(t, g1.Closed)
	assert.Equal(t, string(operations.StatusWaiting), g1.OperationStatus)
	assert.Equal(t, float64(50), g1.OperationProgress)
	assert.Equal(t, 1, g1.OperationRemaining)
	assert.NotNil(t, g1.OperationStartTime)

	assert.Equal(t, StatusNone, result.Groups[0].OperationStatus)
}

func TestCompletedGroupIsShownClosedUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.put("m1", "g1", "NullReference at Sales", models.FailedMessageStatusRetryIssued, base)

	_, err := f.retrying.Start("g1", models.OperationTypeFailureGroup, 1,
		operations.WithClassifier(classifier), operations.WithOriginator("NullReference at Sales"))
	require.NoError(t, err)
	f.retrying.RecordProgress(ctx, "g1", models.OperationTypeFailureGroup, 1, 0)

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)

	closed := result.Groups[0]
	assert.Equal(t, "g1", closed.ID)
	assert.True(t, closed.Closed)
	assert.Equal(t, "NullReference at Sales", closed.Title)
	assert.True(t, closed.NeedUserAcknowledgement)
	assert.Equal(t, string(operations.StatusCompleted), closed.OperationStatus)

	require.NoError(t, f.retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup))

	result, err = f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	assert.Empty(t, result.Groups)
}

func TestAcknowledgedGroupKeepsDurableCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.put("m1", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base)

	_, err := f.retrying.Start("g1", models.OperationTypeFailureGroup, 1, operations.WithClassifier(classifier))
	require.NoError(t, err)
	f.retrying.RecordProgress(ctx, "g1", models.OperationTypeFailureGroup, 0, 1)

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.False(t, result.Groups[0].Closed, "open takes precedence")
	assert.True(t, result.Groups[0].NeedUserAcknowledgement)

	require.NoError(t, f.retrying.Acknowledge(ctx, "g1", models.OperationTypeFailureGroup))

	result, err = f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.False(t, result.Groups[0].NeedUserAcknowledgement)
	assert.Equal(t, 1, result.Groups[0].Count)
	assert.Equal(t, "NullReference at Sales", result.Groups[0].Title)
	assert.Equal(t, StatusNone, result.Groups[0].OperationStatus)
}

func TestUnacknowledgedFromLedgerAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	require.NoError(t, f.ledger.RecordCompleted(ctx, models.UnacknowledgedOperation{
		RequestID:      "g9",
		OperationType:  models.OperationTypeArchiveGroup,
		Classifier:     classifier,
		Originator:     "Archived group",
		StartTime:      base,
		CompletionTime: base.Add(time.Minute),
		Last:           base.Add(time.Minute),
	}))
	require.NoError(t, f.ledger.RecordCompleted(ctx, models.UnacknowledgedOperation{
		RequestID:     "other",
		OperationType: models.OperationTypeFailureGroup,
		Classifier:    "Message Type",
	}))

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, "g9", result.Groups[0].ID)
	assert.Equal(t, string(models.OperationTypeArchiveGroup), result.Groups[0].OperationType)
	assert.True(t, result.Groups[0].NeedUserAcknowledgement)
}

func TestUnacknowledgedOperationsOfOneGroupAreTrackedByType(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	record := func(opType models.OperationType, completed time.Time) {
		require.NoError(t, f.ledger.RecordCompleted(ctx, models.UnacknowledgedOperation{
			RequestID:      "g7",
			OperationType:  opType,
			Classifier:     classifier,
			Originator:     "Timeout at Billing",
			StartTime:      base,
			CompletionTime: completed,
			Last:           completed,
		}))
	}
	record(models.OperationTypeFailureGroup, base.Add(time.Minute))
	record(models.OperationTypeUnarchiveGroup, base.Add(2*time.Minute))

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, string(models.OperationTypeUnarchiveGroup), result.Groups[0].OperationType)

	require.NoError(t, f.archiving.Acknowledge(ctx, "g7", models.OperationTypeUnarchiveGroup))

	result, err = f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, string(models.OperationTypeFailureGroup), result.Groups[0].OperationType)
	assert.True(t, result.Groups[0].NeedUserAcknowledgement)
}

func TestForwardingBatchGroupIsVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	require.NoError(t, f.store.CreateBatch(ctx, &models.RetryBatch{
		ID:             "batch-1",
		RequestID:      "g5",
		RetryType:      models.OperationTypeFailureGroup,
		Classifier:     classifier,
		Originator:     "Timeout at Shipping",
		Status:         models.RetryBatchStatusForwarding,
		FailureRetries: []string{"a", "b", "c"},
		StartTime:      base,
	}))
	require.NoError(t, f.store.ClaimForwarding(ctx, 0, models.ForwardingPointer{RetryBatchID: "batch-1", SessionID: "s", ClaimedAt: base}))

	result, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, "g5", result.Groups[0].ID)
	assert.Equal(t, 3, result.Groups[0].Count)
	assert.Equal(t, string(operations.StatusForwarding), result.Groups[0].OperationStatus)

	result, err = f.fetcher.GetGroups(ctx, "Message Type", Filter{})
	require.NoError(t, err)
	assert.Empty(t, result.Groups)
}

func TestFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.put("m1", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base)
	f.put("m2", "g2", "Timeout at Billing", models.FailedMessageStatusUnresolved, base.Add(time.Hour))
	f.put("m3", "g3", "Timeout at Sales", models.FailedMessageStatusUnresolved, base.Add(2*time.Hour))
	f.put("m4", "g4", "Timeout at Shipping", models.FailedMessageStatusUnresolved, base.Add(3*time.Hour))

	_, err := f.retrying.Start("g2", models.OperationTypeFailureGroup, 1)
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
		total  int
	}{
		{name: "all", filter: Filter{}, want: []string{"g4", "g3", "g2", "g1"}, total: 4},
		{name: "title", filter: Filter{Title: "timeout"}, want: []string{"g4", "g3", "g2"}, total: 3},
		{name: "status", filter: Filter{Status: string(operations.StatusWaiting)}, want: []string{"g2"}, total: 1},
		{name: "no operation", filter: Filter{Status: StatusNone, Title: "sales"}, want: []string{"g3", "g1"}, total: 2},
		{name: "date range", filter: Filter{From: base.Add(30 * time.Minute), To: base.Add(150 * time.Minute)}, want: []string{"g3", "g2"}, total: 2},
		{name: "second page", filter: Filter{Page: 2, PerPage: 3}, want: []string{"g1"}, total: 4},
		{name: "past the end", filter: Filter{Page: 5, PerPage: 3}, want: nil, total: 4},
		{name: "huge page size", filter: Filter{Page: 3, PerPage: math.MaxInt/2 + 1}, want: nil, total: 4},
		{name: "huge page number", filter: Filter{Page: math.MaxInt, PerPage: 2}, want: nil, total: 4},
		{name: "page size clamped", filter: Filter{Page: 1, PerPage: math.MaxInt}, want: []string{"g4", "g3", "g2", "g1"}, total: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.fetcher.GetGroups(ctx, classifier, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(result))
			assert.Equal(t, tt.total, result.Total)
		})
	}
}

func TestETagFollowsContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.put("m1", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base)

	first, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	again, err := f.fetcher.GetGroups(ctx, classifier, Filter{Page: 2})
	require.NoError(t, err)
	assert.Equal(t, first.ETag, again.ETag, "paging does not change the etag")

	f.put("m2", "g1", "NullReference at Sales", models.FailedMessageStatusUnresolved, base.Add(time.Minute))
	changed, err := f.fetcher.GetGroups(ctx, classifier, Filter{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, changed.ETag)
	assert.Len(t, changed.ETag, 66)
}
