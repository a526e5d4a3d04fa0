package models

import (
	"time"
)

// RetryBatchStatus represents the phase of a retry batch
type RetryBatchStatus string

const (
	RetryBatchStatusMarkingDocuments RetryBatchStatus = "marking_documents"
	RetryBatchStatusStaging          RetryBatchStatus = "staging"
	RetryBatchStatusForwarding       RetryBatchStatus = "forwarding"
)

// OperationType identifies the kind of bulk operation a request belongs to
type OperationType string

const (
	OperationTypeSingleMessage    OperationType = "single_message"
	OperationTypeMultipleMessages OperationType = "multiple_messages"
	OperationTypeFailureGroup     OperationType = "failure_group"
	OperationTypeAllForEndpoint   OperationType = "all_for_endpoint"
	OperationTypeAll              OperationType = "all"
	OperationTypeArchiveGroup     OperationType = "archive_group"
	OperationTypeUnarchiveGroup   OperationType = "unarchive_group"
)

// ParseOperationType validates a string operation type
func ParseOperationType(s string) (OperationType, bool) {
	switch t := OperationType(s); t {
	case OperationTypeSingleMessage, OperationTypeMultipleMessages, OperationTypeFailureGroup,
		OperationTypeAllForEndpoint, OperationTypeAll, OperationTypeArchiveGroup, OperationTypeUnarchiveGroup:
		return t, true
	}

	return "", false
}

// IsArchive reports whether the type belongs to the archiving tracker
func (t OperationType) IsArchive() bool {
	return t == OperationTypeArchiveGroup || t == OperationTypeUnarchiveGroup
}

// RetryBatch is a unit of retry work moving through marking, staging and forwarding
type RetryBatch struct {
	ID               string           `db:"id" json:"id"`
	RequestID        string           `db:"request_id" json:"request_id"`
	RetryType        OperationType    `db:"retry_type" json:"retry_type"`
	Classifier       string           `db:"classifier" json:"classifier"`
	Context          string           `db:"context" json:"context"`
	Originator       string           `db:"originator" json:"originator"`
	RetrySessionID   string           `db:"retry_session_id" json:"retry_session_id"`
	StagingID        string           `db:"staging_id" json:"staging_id"`
	Status           RetryBatchStatus `db:"status" json:"status"`
	InitialBatchSize int              `db:"initial_batch_size" json:"initial_batch_size"`
	FailureRetries   []string         `db:"-" json:"failure_retries"`
	StartTime        time.Time        `db:"start_time" json:"start_time"`
	Version          int64            `db:"version" json:"-"`
}

// FailedMessageRetry marks a failure record as claimed by a retry batch
type FailedMessageRetry struct {
	FailedMessageID string    `db:"failed_message_id" json:"failed_message_id"`
	RetryBatchID    string    `db:"retry_batch_id" json:"retry_batch_id"`
	StageAttempts   int       `db:"stage_attempts" json:"stage_attempts"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// ForwardingPointer records the single batch currently being forwarded
type ForwardingPointer struct {
	RetryBatchID string    `db:"retry_batch_id" json:"retry_batch_id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	ClaimedAt    time.Time `db:"claimed_at" json:"claimed_at"`
	Version      int64     `db:"version" json:"-"`
}

// StagedMessage is a message prepared for re-delivery by one staging pass
type StagedMessage struct {
	StagingID       string            `db:"staging_id" json:"staging_id"`
	FailedMessageID string            `db:"failed_message_id" json:"failed_message_id"`
	Destination     string            `db:"destination" json:"destination"`
	Headers         map[string]string `db:"-" json:"headers"`
	Body            []byte            `db:"body" json:"body"`
}
