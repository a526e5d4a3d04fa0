// Package handlers contains the Kafka handlers of the retry confirmation path.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shopify/sarama"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/pkg/kafka"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// Confirmer resolves a failure record whose retry was processed
type Confirmer interface {
	Confirm(ctx context.Context, failedMessageID string) error
}

// ConfirmationEvent is the body of a confirmation sent without headers
type ConfirmationEvent struct {
	EventType       string `json:"event_type"`
	UniqueMessageID string `json:"unique_message_id"`
}

// ConfirmationHandler handles retry confirmations from Kafka
type ConfirmationHandler struct {
	confirmer Confirmer
	logger    logger.Logger
}

// NewConfirmationHandler creates a new ConfirmationHandler
func NewConfirmationHandler(confirmer Confirmer, logger logger.Logger) *ConfirmationHandler {
	return &ConfirmationHandler{
		confirmer: confirmer,
		logger:    logger,
	}
}

// HandleMessage resolves the failure record named by the confirmation
func (h *ConfirmationHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	id, err := h.failedMessageID(msg)
	if err != nil {
		// redelivery would not fix a malformed confirmation
		h.logger.Warn("Dropping malformed confirmation", "error", err, "topic", msg.Topic, "offset", msg.Offset)
		return nil
	}

	h.logger.Debug("Handling retry confirmation", "failedMessageID", id)

	if err := h.confirmer.Confirm(ctx, id); err != nil {
		return fmt.Errorf("failed to confirm %s: %w", id, err)
	}

	return nil
}

func (h *ConfirmationHandler) failedMessageID(msg *sarama.ConsumerMessage) (string, error) {
	headers := kafka.Headers(msg)

	if id := headers[models.HeaderConfirmedUniqueMessage]; id != "" {
		return id, nil
	}
	if id := headers[models.HeaderRetryUniqueMessageID]; id != "" {
		return id, nil
	}

	var event ConfirmationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return "", fmt.Errorf("failed to unmarshal confirmation: %w", err)
	}

	if event.UniqueMessageID == "" {
		return "", fmt.Errorf("confirmation carries no message id")
	}

	return event.UniqueMessageID, nil
}
