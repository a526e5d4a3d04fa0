package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
)

func attempt(at time.Time, endpoint string) models.ProcessingAttempt {
	return models.ProcessingAttempt{
		MessageID:   "msg-1",
		AttemptedAt: at,
		Headers:     map[string]string{models.HeaderMessageID: "msg-1"},
		MessageMetadata: map[string]interface{}{
			models.MetadataReceivingEndpoint: &models.EndpointDetails{Name: endpoint, HostID: "h1"},
		},
	}
}

func TestRecordAttemptDeduplicatesByTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	groups := []models.FailureGroup{{ID: "g1", Title: "boom", Type: "Exception Type and Stack Trace"}}

	created, err := store.RecordAttempt(ctx, "u1", attempt(at, "Sales"), groups)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, store.SetStatus(ctx, []string{"u1"}, models.FailedMessageStatusRetryIssued))

	created, err = store.RecordAttempt(ctx, "u1", attempt(at, "Sales"), groups)
	require.NoError(t, err)
	assert.False(t, created)

	msg, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, msg.ProcessingAttempts, 1)
	assert.Equal(t, models.FailedMessageStatusUnresolved, msg.Status)
	assert.Equal(t, "Sales", msg.EndpointName())

	_, err = store.RecordAttempt(ctx, "u1", attempt(at.Add(time.Second), "Sales"), nil)
	require.NoError(t, err)

	msg, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, msg.ProcessingAttempts, 2)
	assert.Empty(t, msg.FailureGroups)
}

func TestStreamIDsPages(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	at := time.Now().UTC()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.RecordAttempt(ctx, id, attempt(at, "Sales"), nil)
		require.NoError(t, err)
	}

	var pages [][]string
	err := store.StreamIDs(ctx, repository.Selector{Kind: repository.SelectEndpoint, Value: "Sales"}, 2, func(ids []string) error {
		pages = append(pages, ids)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, pages)

	count, err := store.Count(ctx, repository.Selector{Kind: repository.SelectEndpoint, Value: "Billing"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkersFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	created, err := store.CreateMarker(ctx, models.FailedMessageRetry{FailedMessageID: "u1", RetryBatchID: "b1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateMarker(ctx, models.FailedMessageRetry{FailedMessageID: "u1", RetryBatchID: "b2"})
	require.NoError(t, err)
	assert.False(t, created)

	marker, err := store.GetMarker(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "b1", marker.RetryBatchID)

	require.NoError(t, store.DeleteMarkersForBatch(ctx, "b1"))
	_, err = store.GetMarker(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestForwardingPointerCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.ClaimForwarding(ctx, 0, models.ForwardingPointer{RetryBatchID: "b1", SessionID: "s1"}))
	assert.ErrorIs(t, store.ClaimForwarding(ctx, 0, models.ForwardingPointer{RetryBatchID: "b2", SessionID: "s2"}), repository.ErrConcurrency)

	ptr, err := store.GetForwardingPointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b1", ptr.RetryBatchID)
	assert.Equal(t, int64(1), ptr.Version)

	require.NoError(t, store.ClaimForwarding(ctx, ptr.Version, models.ForwardingPointer{RetryBatchID: "b1", SessionID: "s2"}))

	require.NoError(t, store.ReleaseForwarding(ctx, "other"))
	_, err = store.GetForwardingPointer(ctx)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseForwarding(ctx, "b1"))
	_, err = store.GetForwardingPointer(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateBatchDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	batch := &models.RetryBatch{ID: "b1", Status: models.RetryBatchStatusMarkingDocuments}
	require.NoError(t, store.CreateBatch(ctx, batch))

	first, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	second, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)

	first.Status = models.RetryBatchStatusStaging
	require.NoError(t, store.UpdateBatch(ctx, first))

	second.Status = models.RetryBatchStatusForwarding
	assert.ErrorIs(t, store.UpdateBatch(ctx, second), repository.ErrConcurrency)
}

func TestHistoryVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	h, err := store.GetHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.Version)

	stale, err := store.GetHistory(ctx)
	require.NoError(t, err)

	h.AddToHistory(models.HistoricOperation{RequestID: "r1"}, 10)
	require.NoError(t, store.SaveHistory(ctx, h))
	assert.ErrorIs(t, store.SaveHistory(ctx, stale), repository.ErrConcurrency)

	h, err = store.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, h.HistoricOperations, 1)
}

func TestRedirects(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	resolved, err := store.Resolve(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", resolved)

	require.NoError(t, store.SaveRedirect(ctx, models.MessageRedirect{FromPhysicalAddress: "sales", ToPhysicalAddress: "sales-v2"}))

	resolved, err = store.Resolve(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales-v2", resolved)

	assert.ErrorIs(t, store.DeleteRedirect(ctx, "missing"), repository.ErrNotFound)
}
