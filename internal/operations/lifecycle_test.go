package operations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReplay(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return start.Add(time.Duration(s) * time.Second) }

	tests := []struct {
		name   string
		events []Event
		check  func(t *testing.T, o Operation)
	}{
		{
			name:   "empty",
			events: nil,
			check: func(t *testing.T, o Operation) {
				assert.False(t, o.InFlight())
				assert.Equal(t, Status(""), o.Status)
			},
		},
		{
			name:   "progress is clamped to total",
			events: []Event{Waiting(5, at(0)), Preparing(at(1)), Progressed(3, at(2)), Skipped(4, at(3))},
			check: func(t *testing.T, o Operation) {
				assert.Equal(t, 3, o.Completed)
				assert.Equal(t, 2, o.Skipped)
				assert.Zero(t, o.Remaining())
				assert.Equal(t, at(3), o.LastTouched)
			},
		},
		{
			name:   "negative counts are ignored",
			events: []Event{Waiting(5, at(0)), Progressed(-2, at(1)), Skipped(-1, at(2))},
			check: func(t *testing.T, o Operation) {
				assert.Zero(t, o.Completed)
				assert.Zero(t, o.Skipped)
				assert.Equal(t, 5, o.Remaining())
			},
		},
		{
			name:   "completed operation ignores later progress",
			events: []Event{Waiting(2, at(0)), Forwarding(at(1)), Progressed(1, at(2)), Completed(at(3)), Progressed(1, at(4)), Preparing(at(5))},
			check: func(t *testing.T, o Operation) {
				assert.Equal(t, StatusCompleted, o.Status)
				assert.Equal(t, 1, o.Completed)
				assert.True(t, o.NeedsAcknowledgement)
				assert.Equal(t, at(3), o.CompletionTime)
				assert.Equal(t, float64(100), o.Percentage())
			},
		},
		{
			name:   "failure then acknowledgement",
			events: []Event{Waiting(2, at(0)), Failed(at(1)), Completed(at(1)), Acknowledged(at(2))},
			check: func(t *testing.T, o Operation) {
				assert.True(t, o.Failed)
				assert.False(t, o.NeedsAcknowledgement)
				assert.True(t, o.Acknowledged)
			},
		},
		{
			name:   "acknowledging in-flight operation does nothing",
			events: []Event{Waiting(2, at(0)), Acknowledged(at(1))},
			check: func(t *testing.T, o Operation) {
				assert.False(t, o.Acknowledged)
				assert.Equal(t, StatusWaiting, o.Status)
			},
		},
		{
			name:   "unknown kind is ignored",
			events: []Event{Waiting(4, at(0)), {Kind: "bogus", At: at(9)}, Progressed(1, at(1))},
			check: func(t *testing.T, o Operation) {
				assert.Equal(t, float64(25), o.Percentage())
				assert.Equal(t, at(1), o.LastTouched)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Replay(tt.events))
		})
	}
}

func TestReplayMatchesIncrementalApply(t *testing.T) {
	now := time.Now()
	evs := []Event{Waiting(10, now), Preparing(now), Skipped(2, now), Forwarding(now), Progressed(5, now), Progressed(3, now)}

	var o Operation
	for _, e := range evs {
		o = Apply(o, e)
	}

	assert.Equal(t, o, Replay(evs))
}
