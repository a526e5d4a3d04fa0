package models

import (
	"time"
)

// FailedMessageStatus represents the status of a failure record
type FailedMessageStatus string

const (
	FailedMessageStatusUnresolved  FailedMessageStatus = "unresolved"
	FailedMessageStatusRetryIssued FailedMessageStatus = "retry_issued"
	FailedMessageStatusResolved    FailedMessageStatus = "resolved"
	FailedMessageStatusArchived    FailedMessageStatus = "archived"
)

// Metadata keys written by enrichers
const (
	MetadataConversationID    = "conversation_id"
	MetadataRelatedToID       = "related_to_id"
	MetadataTimeSent          = "time_sent"
	MetadataMessageType       = "message_type"
	MetadataIsSystemMessage   = "is_system_message"
	MetadataSendingEndpoint   = "sending_endpoint"
	MetadataReceivingEndpoint = "receiving_endpoint"
)

// ExceptionDetails describes the exception raised by the failing handler
type ExceptionDetails struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message"`
	Source        string `json:"source,omitempty"`
	StackTrace    string `json:"stack_trace,omitempty"`
}

// FailureDetails holds the parsed failure headers of one attempt
type FailureDetails struct {
	AddressOfFailingEndpoint string           `json:"address_of_failing_endpoint"`
	TimeOfFailure            time.Time        `json:"time_of_failure"`
	Exception                ExceptionDetails `json:"exception"`
}

// EndpointDetails identifies an endpoint instance seen in message headers
type EndpointDetails struct {
	Name   string `json:"name"`
	HostID string `json:"host_id"`
	Host   string `json:"host"`
}

// ProcessingAttempt is one failed processing of a message
type ProcessingAttempt struct {
	MessageID       string                 `json:"message_id"`
	AttemptedAt     time.Time              `json:"attempted_at"`
	Headers         map[string]string      `json:"headers"`
	Body            []byte                 `json:"body,omitempty"`
	MessageMetadata map[string]interface{} `json:"message_metadata"`
	FailureDetails  FailureDetails         `json:"failure_details"`
}

// FailureGroup is a classification bucket attached to a failure record
type FailureGroup struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// FailedMessage is the durable record of all failed attempts of one message
type FailedMessage struct {
	ID                 string              `db:"id" json:"id"`
	Status             FailedMessageStatus `db:"status" json:"status"`
	ProcessingAttempts []ProcessingAttempt `db:"-" json:"processing_attempts"`
	FailureGroups      []FailureGroup      `db:"-" json:"failure_groups"`
	LastModified       time.Time           `db:"last_modified" json:"last_modified"`
	Version            int64               `db:"version" json:"-"`
}

// LastAttempt returns the most recent processing attempt, or nil
func (m *FailedMessage) LastAttempt() *ProcessingAttempt {
	if len(m.ProcessingAttempts) == 0 {
		return nil
	}

	last := &m.ProcessingAttempts[0]

	for i := range m.ProcessingAttempts {
		if m.ProcessingAttempts[i].AttemptedAt.After(last.AttemptedAt) {
			last = &m.ProcessingAttempts[i]
		}
	}

	return last
}

// ReceivingEndpoint returns the endpoint that failed to process the attempt, or nil
func (a *ProcessingAttempt) ReceivingEndpoint() *EndpointDetails {
	return endpointFromMetadata(a.MessageMetadata[MetadataReceivingEndpoint])
}

// SendingEndpoint returns the endpoint that sent the message, or nil
func (a *ProcessingAttempt) SendingEndpoint() *EndpointDetails {
	return endpointFromMetadata(a.MessageMetadata[MetadataSendingEndpoint])
}

// endpointFromMetadata accepts both freshly enriched values and values decoded from JSON
func endpointFromMetadata(v interface{}) *EndpointDetails {
	switch e := v.(type) {
	case *EndpointDetails:
		return e
	case EndpointDetails:
		return &e
	case map[string]interface{}:
		details := &EndpointDetails{}
		details.Name, _ = e["name"].(string)
		details.HostID, _ = e["host_id"].(string)
		details.Host, _ = e["host"].(string)

		if details.Name == "" {
			return nil
		}
		return details
	}

	return nil
}

// EndpointName returns the name of the receiving endpoint of the latest attempt
func (m *FailedMessage) EndpointName() string {
	last := m.LastAttempt()

	if last == nil {
		return ""
	}

	if e := last.ReceivingEndpoint(); e != nil {
		return e.Name
	}

	return ""
}

// HasAttempt reports whether an attempt with the exact timestamp is already recorded
func (m *FailedMessage) HasAttempt(at time.Time) bool {
	for _, a := range m.ProcessingAttempts {
		if a.AttemptedAt.Equal(at) {
			return true
		}
	}

	return false
}

// ApplyAttempt applies the upsert rules of a new attempt: status reset, groups replaced,
// attempt appended unless its timestamp is already present. It reports whether the attempt was added.
func (m *FailedMessage) ApplyAttempt(attempt ProcessingAttempt, groups []FailureGroup) bool {
	m.Status = FailedMessageStatusUnresolved
	m.FailureGroups = groups
	m.LastModified = GetCurrentTime()

	if m.HasAttempt(attempt.AttemptedAt) {
		return false
	}

	m.ProcessingAttempts = append(m.ProcessingAttempts, attempt)
	return true
}

// IsRetryable reports whether the record may be staged for re-delivery
func (m *FailedMessage) IsRetryable() bool {
	return m.Status == FailedMessageStatusUnresolved || m.Status == FailedMessageStatusRetryIssued
}

// KnownEndpoint is an endpoint instance observed in failed messages
type KnownEndpoint struct {
	Name      string    `db:"name" json:"name"`
	HostID    string    `db:"host_id" json:"host_id"`
	Host      string    `db:"host" json:"host"`
	Monitored bool      `db:"monitored" json:"monitored"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
}

// MessageRedirect maps a physical address to the address that replaces it
type MessageRedirect struct {
	FromPhysicalAddress string    `db:"from_physical_address" json:"from_physical_address"`
	ToPhysicalAddress   string    `db:"to_physical_address" json:"to_physical_address"`
	LastModified        time.Time `db:"last_modified" json:"last_modified"`
}
