package retries

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/history"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/internal/repository/memory"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []transport.OutgoingMessage
	fail  error
	delay time.Duration
}

func (s *fakeSender) Send(ctx context.Context, msg transport.OutgoingMessage) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []transport.OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]transport.OutgoingMessage(nil), s.sent...)
}

type harness struct {
	store    *memory.Store
	sender   *fakeSender
	tracker  *operations.RetryingManager
	ledger   *history.Ledger
	recorder *events.Recorder
}

func newHarness() *harness {
	store := memory.NewStore()
	ledger := history.NewLedger(store, 10, logger.Discard())
	recorder := &events.Recorder{}

	return &harness{
		store:    store,
		sender:   &fakeSender{},
		tracker:  operations.NewRetryingManager(operations.NewRegistry(), ledger, recorder, logger.Discard()),
		ledger:   ledger,
		recorder: recorder,
	}
}

func (h *harness) manager(session string) *Manager {
	return NewManager(h.store, h.store, h.tracker, h.recorder, session, logger.Discard())
}

func (h *harness) processor(session string, cfg ProcessorConfig) *Processor {
	return NewProcessor(h.store, h.store, h.store, h.sender, h.tracker, h.recorder, session, cfg, logger.Discard())
}

func (h *harness) seed(t *testing.T, ids ...string) {
	t.Helper()

	for i, id := range ids {
		_, err := h.store.RecordAttempt(context.Background(), id, models.ProcessingAttempt{
			MessageID:   "msg-" + id,
			AttemptedAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			Headers: map[string]string{
				models.HeaderMessageID:           "msg-" + id,
				models.HeaderRetries:             "3",
				models.HeaderFLRetries:           "5",
				models.HeaderFailedQ:             "sales@node1",
				models.HeaderTimeOfFailure:       "2024-01-01 00:00:00:000000 Z",
				models.HeaderExceptionType:       "Boom",
				models.HeaderExceptionStackTrace: "at X",
				models.HeaderReplyToAddress:      "web@node2@node2",
			},
			Body: []byte("body-" + id),
			FailureDetails: models.FailureDetails{
				AddressOfFailingEndpoint: "sales@node1",
			},
		}, nil)
		require.NoError(t, err)
	}
}

// drain runs the processor until a cycle finds no work
func drain(t *testing.T, p *Processor) {
	t.Helper()

	for i := 0; i < 100; i++ {
		worked, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		if !worked {
			return
		}
	}
	t.Fatal("processor did not settle")
}

func TestRetrySingleMessageAndConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "u1")
	require.NoError(t, h.store.SaveRedirect(ctx, models.MessageRedirect{FromPhysicalAddress: "sales@node1", ToPhysicalAddress: "sales-v2@node3"}))

	_, err := h.tracker.Start("req-1", models.OperationTypeSingleMessage, 1)
	require.NoError(t, err)

	m := h.manager("s1")
	_, err = m.RetryMessages(ctx, "req-1", models.OperationTypeSingleMessage, "", []string{"u1"})
	require.NoError(t, err)

	drain(t, h.processor("s1", ProcessorConfig{}))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	msg := sent[0]

	assert.Equal(t, "sales-v2", msg.Destination)
	assert.Equal(t, []byte("body-u1"), msg.Body)
	assert.Equal(t, "u1", msg.Headers[models.HeaderRetryUniqueMessageID])
	assert.Equal(t, "sales-v2@node3", msg.Headers[models.HeaderRetryTargetEndpoint])
	assert.NotEmpty(t, msg.Headers[models.HeaderRetryStagingID])
	assert.NotEmpty(t, msg.Headers[models.HeaderRetryAttemptID])
	assert.Equal(t, "web@node2", msg.Headers[models.HeaderReplyToAddress])
	assert.Equal(t, "msg-u1", msg.Headers[models.HeaderMessageID])
	for _, stripped := range []string{models.HeaderRetries, models.HeaderFLRetries, models.HeaderFailedQ, models.HeaderTimeOfFailure, models.HeaderExceptionType, models.HeaderExceptionStackTrace} {
		assert.NotContains(t, msg.Headers, stripped)
	}

	stored, err := h.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.FailedMessageStatusRetryIssued, stored.Status)

	_, err = h.store.GetForwardingPointer(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, h.store.StagedCount())

	_, err = h.store.GetMarker(ctx, "u1")
	require.NoError(t, err, "marker stays until confirmation")

	status := h.tracker.GetStatus("req-1", models.OperationTypeSingleMessage)
	require.NotNil(t, status)
	assert.Equal(t, operations.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Completed)
	assert.Len(t, h.recorder.OfType("messages_submitted_for_retry"), 1)

	require.NoError(t, m.Confirm(ctx, "u1"))

	stored, err = h.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.FailedMessageStatusResolved, stored.Status)
	_, err = h.store.GetMarker(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Len(t, h.recorder.OfType("message_failure_resolved_by_retry"), 1)

	require.NoError(t, m.Confirm(ctx, "does-not-exist"))
}

func TestMarkingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "u1", "u2", "u3")
	m := h.manager("s1")

	first, err := m.CreateBatch(ctx, "r1", models.OperationTypeMultipleMessages, "", "", 3)
	require.NoError(t, err)
	n, err := m.Mark(ctx, first, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.Mark(ctx, first, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Zero(t, n)

	second, err := m.CreateBatch(ctx, "r2", models.OperationTypeMultipleMessages, "", "", 2)
	require.NoError(t, err)
	n, err = m.Mark(ctx, second, []string{"u2", "u3"})
	require.NoError(t, err)
	assert.Zero(t, n)

	markers, err := h.store.GetMarkers(ctx, first)
	require.NoError(t, err)
	assert.Len(t, markers, 3)

	// a batch that claimed nothing is cancelled when it moves to staging
	require.NoError(t, m.MoveToStaging(ctx, second))
	_, err = h.store.GetBatch(ctx, second)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, m.MoveToStaging(ctx, first))
	batch, err := h.store.GetBatch(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.RetryBatchStatusStaging, batch.Status)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, batch.FailureRetries)

	// moving again is a no-op
	require.NoError(t, m.MoveToStaging(ctx, first))
}

func TestStagingSkipsIneligibleMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a", "b", "c", "d", "e")

	_, err := h.tracker.Start("g1", models.OperationTypeFailureGroup, 5)
	require.NoError(t, err)

	m := h.manager("s1")
	batchID, err := m.CreateBatch(ctx, "g1", models.OperationTypeFailureGroup, "Endpoint Name", "", 5)
	require.NoError(t, err)
	_, err = m.Mark(ctx, batchID, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.NoError(t, m.MoveToStaging(ctx, batchID))

	// resolved elsewhere, archived, deleted and failed again before staging
	require.NoError(t, h.store.SetStatus(ctx, []string{"b"}, models.FailedMessageStatusResolved))
	require.NoError(t, h.store.SetStatus(ctx, []string{"c"}, models.FailedMessageStatusArchived))
	h.store.DeleteMessage("d")
	require.NoError(t, h.store.DeleteMarker(ctx, "e"))

	drain(t, h.processor("s1", ProcessorConfig{}))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].ID)

	status := h.tracker.GetStatus("g1", models.OperationTypeFailureGroup)
	require.NotNil(t, status)
	assert.Equal(t, operations.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 4, status.Skipped)

	for _, id := range []string{"b", "c", "d"} {
		_, err := h.store.GetMarker(ctx, id)
		assert.ErrorIs(t, err, repository.ErrNotFound, id)
	}
}

func TestBatchWithNoSurvivorsIsCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a")

	_, err := h.tracker.Start("r1", models.OperationTypeSingleMessage, 1)
	require.NoError(t, err)

	m := h.manager("s1")
	batchID, err := m.CreateBatch(ctx, "r1", models.OperationTypeSingleMessage, "", "", 1)
	require.NoError(t, err)
	_, err = m.Mark(ctx, batchID, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, m.MoveToStaging(ctx, batchID))
	require.NoError(t, h.store.SetStatus(ctx, []string{"a"}, models.FailedMessageStatusResolved))

	drain(t, h.processor("s1", ProcessorConfig{}))

	assert.Empty(t, h.sender.messages())
	_, err = h.store.GetBatch(ctx, batchID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	status := h.tracker.GetStatus("r1", models.OperationTypeSingleMessage)
	require.NotNil(t, status)
	assert.Equal(t, operations.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Skipped)
}

func TestForwardFailureKeepsBatchForNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a", "b")
	h.sender.fail = errors.New("broker unavailable")

	m := h.manager("s1")
	batchID, err := m.RetryMessages(ctx, "r1", models.OperationTypeMultipleMessages, "", []string{"a", "b"})
	require.NoError(t, err)

	p := h.processor("s1", ProcessorConfig{})
	_, err = p.RunOnce(ctx)
	require.Error(t, err)

	ptr, err := h.store.GetForwardingPointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, batchID, ptr.RetryBatchID)

	h.sender.mu.Lock()
	h.sender.fail = nil
	h.sender.mu.Unlock()

	drain(t, p)
	assert.Len(t, h.sender.messages(), 2)
	_, err = h.store.GetBatch(ctx, batchID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStaleForwardingPointerIsTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a")

	dead := h.manager("dead")
	batchID, err := dead.RetryMessages(ctx, "r1", models.OperationTypeSingleMessage, "", []string{"a"})
	require.NoError(t, err)

	deadProcessor := h.processor("dead", ProcessorConfig{})
	batch, err := h.store.GetBatch(ctx, batchID)
	require.NoError(t, err)
	_, err = deadProcessor.Stage(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, h.store.ClaimForwarding(ctx, 0, models.ForwardingPointer{
		RetryBatchID: batchID,
		SessionID:    "dead",
		ClaimedAt:    time.Now().UTC().Add(-5 * time.Minute),
	}))

	live := h.processor("live", ProcessorConfig{ForwardingTimeout: 10 * time.Minute})
	worked, err := live.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Empty(t, h.sender.messages())

	live.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	drain(t, live)

	assert.Len(t, h.sender.messages(), 1)
	_, err = h.store.GetForwardingPointer(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAtMostOneBatchForwardsAtATime(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sender.delay = time.Millisecond

	var ids []string
	for i := 0; i < 40; i++ {
		ids = append(ids, fmt.Sprintf("m%02d", i))
	}
	h.seed(t, ids...)

	m := h.manager("s1")
	for i := 0; i < len(ids); i += 5 {
		_, err := m.RetryMessages(ctx, fmt.Sprintf("r%d", i), models.OperationTypeMultipleMessages, "", ids[i:i+5])
		require.NoError(t, err)
	}

	processors := []*Processor{h.processor("s1", ProcessorConfig{}), h.processor("s2", ProcessorConfig{}), h.processor("s3", ProcessorConfig{})}

	var wg sync.WaitGroup
	for _, p := range processors {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()

			for i := 0; i < 500; i++ {
				if _, err := p.RunOnce(ctx); err != nil {
					t.Error(err)
					return
				}

				remaining := 0
				for _, status := range []models.RetryBatchStatus{models.RetryBatchStatusStaging, models.RetryBatchStatusForwarding} {
					batches, _ := h.store.ListBatches(ctx, status)
					remaining += len(batches)
				}
				if remaining == 0 {
					return
				}
			}
		}(p)
	}
	wg.Wait()

	sent := h.sender.messages()
	require.Len(t, sent, len(ids))

	// sends of one staging pass are never interleaved with another's
	finished := map[string]bool{}
	current := ""
	for _, msg := range sent {
		stagingID := msg.Headers[models.HeaderRetryStagingID]
		if stagingID != current {
			require.False(t, finished[stagingID], "staging %s resumed after another batch was forwarded", stagingID)
			if current != "" {
				finished[current] = true
			}
			current = stagingID
		}
	}
	assert.Len(t, finished, 7)
}

func TestOrphanedBatchesAreAdopted(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a", "b", "c")

	dead := h.manager("dead")
	batchID, err := dead.CreateBatch(ctx, "g1", models.OperationTypeFailureGroup, "Endpoint Name", "Sales", 3)
	require.NoError(t, err)
	_, err = dead.Mark(ctx, batchID, []string{"a", "b"})
	require.NoError(t, err)

	live := h.manager("live")
	own, err := live.CreateBatch(ctx, "g2", models.OperationTypeFailureGroup, "Endpoint Name", "Sales", 1)
	require.NoError(t, err)

	adopter := NewOrphanAdopter(h.store, live, h.tracker, time.Minute, logger.Discard())

	h.store.SetIndexStale(true)
	done, err := adopter.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	batch, err := h.store.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.RetryBatchStatusStaging, batch.Status)
	assert.Equal(t, "live", batch.RetrySessionID)
	assert.ElementsMatch(t, []string{"a", "b"}, batch.FailureRetries)

	ownBatch, err := h.store.GetBatch(ctx, own)
	require.NoError(t, err)
	assert.Equal(t, models.RetryBatchStatusMarkingDocuments, ownBatch.Status)

	done, err = adopter.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, done, "stale index keeps the adopter running")

	h.store.SetIndexStale(false)
	done, err = adopter.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	drain(t, h.processor("live", ProcessorConfig{}))
	assert.Len(t, h.sender.messages(), 2)

	status := h.tracker.GetStatus("g1", models.OperationTypeFailureGroup)
	require.NotNil(t, status)
	assert.Equal(t, operations.StatusCompleted, status.Status)
	assert.Equal(t, 2, status.Completed)
	assert.Equal(t, 1, status.Skipped)
}

func TestOrphanedBulkRequestIsTrackedAsOneOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a", "b", "c")

	dead := h.manager("dead")
	for _, page := range [][]string{{"a", "b"}, {"c"}} {
		batchID, err := dead.CreateBatch(ctx, "All", models.OperationTypeAll, "", "All", len(page))
		require.NoError(t, err)
		_, err = dead.Mark(ctx, batchID, page)
		require.NoError(t, err)
	}

	live := h.manager("live")
	_, err := NewOrphanAdopter(h.store, live, h.tracker, time.Minute, logger.Discard()).Sweep(ctx)
	require.NoError(t, err)

	status := h.tracker.GetStatus("All", models.OperationTypeAll)
	require.NotNil(t, status)
	assert.Equal(t, 3, status.Total)

	p := h.processor("live", ProcessorConfig{})
	worked, err := p.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	status = h.tracker.GetStatus("All", models.OperationTypeAll)
	require.NotNil(t, status)
	assert.NotEqual(t, operations.StatusCompleted, status.Status, "one batch is still waiting")

	drain(t, p)
	assert.Len(t, h.sender.messages(), 3)

	status = h.tracker.GetStatus("All", models.OperationTypeAll)
	require.NotNil(t, status)
	assert.Equal(t, operations.StatusCompleted, status.Status)
	assert.Equal(t, 3, status.Completed)
}

func TestOrphanAdopterIdlesOnceConverged(t *testing.T) {
	h := newHarness()
	adopter := NewOrphanAdopter(h.store, h.manager("live"), h.tracker, time.Hour, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adopter.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("adopter did not stop")
	}
}

func TestProcessorStartStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.seed(t, "a")

	_, err := h.manager("s1").RetryMessages(ctx, "r1", models.OperationTypeSingleMessage, "", []string{"a"})
	require.NoError(t, err)

	p := h.processor("s1", ProcessorConfig{PollInterval: 10 * time.Millisecond})
	p.Start()
	p.Start()

	require.Eventually(t, func() bool { return len(h.sender.messages()) == 1 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}

func TestFixReplyToAddress(t *testing.T) {
	tests := map[string]string{
		"web":                "web",
		"web@node":           "web@node",
		"web@node@node":      "web@node",
		"web@node@node@node": "web@node",
		"web@node@other":     "web@node@other",
		"":                   "",
	}

	for in, want := range tests {
		assert.Equal(t, want, FixReplyToAddress(in), in)
	}
}
