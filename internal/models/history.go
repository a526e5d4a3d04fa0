package models

import (
	"time"
)

// HistoricOperation is a completed bulk operation kept in the bounded history
type HistoricOperation struct {
	RequestID                 string        `json:"request_id"`
	OperationType             OperationType `json:"operation_type"`
	Classifier                string        `json:"classifier,omitempty"`
	Originator                string        `json:"originator,omitempty"`
	StartTime                 time.Time     `json:"start_time"`
	CompletionTime            time.Time     `json:"completion_time"`
	Failed                    bool          `json:"failed"`
	NumberOfMessagesProcessed int           `json:"number_of_messages_processed"`
}

// UnacknowledgedOperation is a completed operation not yet dismissed by an operator
type UnacknowledgedOperation struct {
	RequestID                 string        `json:"request_id"`
	OperationType             OperationType `json:"operation_type"`
	Classifier                string        `json:"classifier,omitempty"`
	Originator                string        `json:"originator,omitempty"`
	StartTime                 time.Time     `json:"start_time"`
	CompletionTime            time.Time     `json:"completion_time"`
	Last                      time.Time     `json:"last"`
	Failed                    bool          `json:"failed"`
	NumberOfMessagesProcessed int           `json:"number_of_messages_processed"`
}

// RetryHistory is the durable ledger of completed operations
type RetryHistory struct {
	HistoricOperations       []HistoricOperation       `json:"historic_operations"`
	UnacknowledgedOperations []UnacknowledgedOperation `json:"unacknowledged_operations"`
	Version                  int64                     `json:"-"`
}

// AddToHistory prepends an operation and truncates the list to depth
func (h *RetryHistory) AddToHistory(op HistoricOperation, depth int) {
	h.HistoricOperations = append([]HistoricOperation{op}, h.HistoricOperations...)

	if depth > 0 && len(h.HistoricOperations) > depth {
		h.HistoricOperations = h.HistoricOperations[:depth]
	}
}

// AddUnacknowledged replaces any existing entry with the same request id and type
func (h *RetryHistory) AddUnacknowledged(op UnacknowledgedOperation) {
	kept := h.UnacknowledgedOperations[:0]

	for _, existing := range h.UnacknowledgedOperations {
		if existing.RequestID == op.RequestID && existing.OperationType == op.OperationType {
			continue
		}
		kept = append(kept, existing)
	}

	h.UnacknowledgedOperations = append(kept, op)
}

// Acknowledge removes an unacknowledged entry, reporting whether one was found
func (h *RetryHistory) Acknowledge(requestID string, opType OperationType) bool {
	for i, op := range h.UnacknowledgedOperations {
		if op.RequestID == requestID && op.OperationType == opType {
			h.UnacknowledgedOperations = append(h.UnacknowledgedOperations[:i], h.UnacknowledgedOperations[i+1:]...)
			return true
		}
	}

	return false
}

// GetUnacknowledged returns unacknowledged operations of the given type
func (h *RetryHistory) GetUnacknowledged(opType OperationType) []UnacknowledgedOperation {
	var result []UnacknowledgedOperation

	for _, op := range h.UnacknowledgedOperations {
		if op.OperationType == opType {
			result = append(result, op)
		}
	}

	return result
}

// GroupSummary is the durable view of one failure group
type GroupSummary struct {
	ID    string    `db:"id" json:"id"`
	Title string    `db:"title" json:"title"`
	Type  string    `db:"type" json:"type"`
	Count int       `db:"count" json:"count"`
	First time.Time `db:"first" json:"first"`
	Last  time.Time `db:"last" json:"last"`
}
