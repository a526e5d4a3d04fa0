package events

import (
	"sync"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// Event is a domain notification published to other subsystems
type Event interface {
	EventType() string
}

// Publisher publishes domain events, fire and forget
type Publisher interface {
	Publish(event Event) error
}

// MessageFailed is raised when a failure report has been recorded
type MessageFailed struct {
	FailedMessageID string `json:"failed_message_id"`
	MessageID       string `json:"message_id"`
	EndpointName    string `json:"endpoint_name"`
	ExceptionType   string `json:"exception_type"`
	RepeatedFailure bool   `json:"repeated_failure"`
}

func (MessageFailed) EventType() string { return "message_failed" }

// NewEndpointDetected is raised the first time an endpoint instance is seen
type NewEndpointDetected struct {
	Name   string `json:"name"`
	HostID string `json:"host_id"`
	Host   string `json:"host"`
}

func (NewEndpointDetected) EventType() string { return "new_endpoint_detected" }

// MessagesSubmittedForRetry is raised when a batch has been forwarded
type MessagesSubmittedForRetry struct {
	RetryBatchID  string               `json:"retry_batch_id"`
	RequestID     string               `json:"request_id"`
	OperationType models.OperationType `json:"operation_type"`
	Count         int                  `json:"count"`
}

func (MessagesSubmittedForRetry) EventType() string { return "messages_submitted_for_retry" }

// MessageFailureResolvedByRetry is raised when a re-delivered message was processed
type MessageFailureResolvedByRetry struct {
	FailedMessageID string `json:"failed_message_id"`
}

func (MessageFailureResolvedByRetry) EventType() string { return "message_failure_resolved_by_retry" }

// OperationCompleted is raised when a bulk retry or archive operation finishes
type OperationCompleted struct {
	RequestID     string               `json:"request_id"`
	OperationType models.OperationType `json:"operation_type"`
	Processed     int                  `json:"processed"`
	Skipped       int                  `json:"skipped"`
	Failed        bool                 `json:"failed"`
}

func (OperationCompleted) EventType() string { return "operation_completed" }

// MessageQuarantined is raised when an ingestion message was moved to quarantine
type MessageQuarantined struct {
	TransportID string `json:"transport_id"`
	Reason      string `json:"reason"`
}

func (MessageQuarantined) EventType() string { return "message_quarantined" }

// LogPublisher writes events to the log when no bus is configured
type LogPublisher struct {
	logger logger.Logger
}

// NewLogPublisher creates a publisher that only logs
func NewLogPublisher(logger logger.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(event Event) error {
	p.logger.Debug("Domain event", "type", event.EventType(), "event", event)
	return nil
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(eventType string) []Event {
	var result []Event

	for _, e := range r.Events() {
		if e.EventType() == eventType {
			result = append(result, e)
		}
	}

	return result
}
