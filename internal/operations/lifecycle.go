// Package operations tracks the live progress of bulk retry and archive operations.
package operations

import (
	"time"

	"github.com/vaidashi/failure-recovery/internal/models"
)

// Status is the lifecycle phase of an operation
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusPreparing  Status = "preparing"
	StatusForwarding Status = "forwarding"
	StatusCompleted  Status = "completed"
)

// EventKind names a lifecycle transition
type EventKind string

const (
	KindWaiting      EventKind = "waiting"
	KindPreparing    EventKind = "preparing"
	KindForwarding   EventKind = "forwarding"
	KindProgressed   EventKind = "progressed"
	KindSkipped      EventKind = "skipped"
	KindFailed       EventKind = "failed"
	KindCompleted    EventKind = "completed"
	KindAcknowledged EventKind = "acknowledged"
)

// Event is one lifecycle transition of an operation
type Event struct {
	Kind  EventKind
	At    time.Time
	Total int
	Count int
}

func Waiting(total int, at time.Time) Event { return Event{Kind: KindWaiting, Total: total, At: at} }
func Preparing(at time.Time) Event          { return Event{Kind: KindPreparing, At: at} }
func Forwarding(at time.Time) Event         { return Event{Kind: KindForwarding, At: at} }
func Progressed(count int, at time.Time) Event {
	return Event{Kind: KindProgressed, Count: count, At: at}
}
func Skipped(count int, at time.Time) Event { return Event{Kind: KindSkipped, Count: count, At: at} }
func Failed(at time.Time) Event             { return Event{Kind: KindFailed, At: at} }
func Completed(at time.Time) Event          { return Event{Kind: KindCompleted, At: at} }
func Acknowledged(at time.Time) Event       { return Event{Kind: KindAcknowledged, At: at} }

// Operation is the state of one bulk operation
type Operation struct {
	RequestID            string
	Type                 models.OperationType
	Classifier           string
	Originator           string
	Status               Status
	Total                int
	Completed            int
	Skipped              int
	Failed               bool
	NeedsAcknowledgement bool
	Acknowledged         bool
	StartTime            time.Time
	CompletionTime       time.Time
	LastTouched          time.Time
}

// Remaining is the number of messages not yet forwarded or skipped
func (o Operation) Remaining() int {
	remaining := o.Total - o.Completed - o.Skipped
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Percentage is the share of processed messages, 100 once completed
func (o Operation) Percentage() float64 {
	if o.Status == StatusCompleted {
		return 100
	}
	if o.Total == 0 {
		return 0
	}
	return float64(o.Total-o.Remaining()) * 100 / float64(o.Total)
}

// InFlight reports whether the operation has not completed yet
func (o Operation) InFlight() bool {
	return o.Status != "" && o.Status != StatusCompleted
}

type transition func(Operation, Event) Operation

var transitions = map[EventKind]transition{
	KindWaiting: func(o Operation, e Event) Operation {
		o.Status = StatusWaiting
		o.Total = e.Total
		o.Completed, o.Skipped = 0, 0
		o.Failed, o.NeedsAcknowledgement, o.Acknowledged = false, false, false
		o.StartTime = e.At
		o.CompletionTime = time.Time{}
		return o
	},
	KindPreparing: func(o Operation, e Event) Operation {
		if o.InFlight() {
			o.Status = StatusPreparing
		}
		return o
	},
	KindForwarding: func(o Operation, e Event) Operation {
		if o.InFlight() {
			o.Status = StatusForwarding
		}
		return o
	},
	KindProgressed: func(o Operation, e Event) Operation {
		if o.InFlight() && e.Count > 0 {
			o.Completed += min(e.Count, o.Remaining())
		}
		return o
	},
	KindSkipped: func(o Operation, e Event) Operation {
		if o.InFlight() && e.Count > 0 {
			o.Skipped += min(e.Count, o.Remaining())
		}
		return o
	},
	KindFailed: func(o Operation, e Event) Operation {
		if o.InFlight() {
			o.Failed = true
		}
		return o
	},
	KindCompleted: func(o Operation, e Event) Operation {
		if o.InFlight() {
			o.Status = StatusCompleted
			o.NeedsAcknowledgement = true
			o.CompletionTime = e.At
		}
		return o
	},
	KindAcknowledged: func(o Operation, e Event) Operation {
		if o.Status == StatusCompleted {
			o.NeedsAcknowledgement = false
			o.Acknowledged = true
		}
		return o
	},
}

// Apply applies one event; unknown kinds leave the operation unchanged
func Apply(o Operation, e Event) Operation {
	t, ok := transitions[e.Kind]
	if !ok {
		return o
	}

	o = t(o, e)
	if e.At.After(o.LastTouched) {
		o.LastTouched = e.At
	}
	return o
}

// Replay folds events over an empty operation
func Replay(events []Event) Operation {
	var o Operation
	for _, e := range events {
		o = Apply(o, e)
	}
	return o
}
