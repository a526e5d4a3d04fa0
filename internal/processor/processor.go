// Package processor turns raw failure reports into failure record mutations.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

// MarkerStore is the part of the retry store the processor touches
type MarkerStore interface {
	DeleteMarker(ctx context.Context, failedMessageID string) error
}

// FailureProcessor records failed processing attempts and the endpoints they mention
type FailureProcessor struct {
	messages    repository.FailedMessageStore
	markers     MarkerStore
	endpoints   repository.EndpointStore
	enrichers   []Enricher
	classifiers []Classifier
	logger      logger.Logger

	mu          sync.Mutex
	known       map[string]bool
	knownSeeded bool
}

// NewFailureProcessor creates a processor with the given enrichers and classifiers
func NewFailureProcessor(
	messages repository.FailedMessageStore,
	markers MarkerStore,
	endpoints repository.EndpointStore,
	enrichers []Enricher,
	classifiers []Classifier,
	logger logger.Logger,
) *FailureProcessor {
	return &FailureProcessor{
		messages:    messages,
		markers:     markers,
		endpoints:   endpoints,
		enrichers:   enrichers,
		classifiers: classifiers,
		logger:      logger,
		known:       make(map[string]bool),
	}
}

// Classifiers returns the configured classifiers
func (p *FailureProcessor) Classifiers() []Classifier {
	return p.classifiers
}

// Process records every message of the batch. Any storage error fails the whole batch.
func (p *FailureProcessor) Process(ctx context.Context, batch []transport.Message) ([]events.Event, error) {
	var notifications []events.Event
	observed := make(map[string]models.KnownEndpoint)
	var order []string

	for _, msg := range batch {
		event, endpoints, err := p.processMessage(ctx, msg)
		if err != nil {
			metrics.IngestedMessages.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(batch)))
			return nil, err
		}

		notifications = append(notifications, event)

		for _, e := range endpoints {
			key := endpointKey(e.Name, e.HostID)
			if _, ok := observed[key]; !ok {
				order = append(order, key)
			}
			observed[key] = e
		}
	}

	if len(observed) > 0 {
		fresh, err := p.recordEndpoints(ctx, observed, order)
		if err != nil {
			metrics.IngestedMessages.WithLabelValues(metrics.OutcomeFailed).Add(float64(len(batch)))
			return nil, err
		}
		notifications = append(notifications, fresh...)
	}

	metrics.IngestedMessages.WithLabelValues(metrics.OutcomeProcessed).Add(float64(len(batch)))
	return notifications, nil
}

func (p *FailureProcessor) processMessage(ctx context.Context, msg transport.Message) (events.Event, []models.KnownEndpoint, error) {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	messageID := headers[models.HeaderMessageID]
	if messageID == "" {
		messageID = models.DeterministicMessageID(msg.ID)
	}

	metadata := make(map[string]interface{})
	for _, enricher := range p.enrichers {
		enricher.Enrich(headers, metadata)
	}

	details := ParseFailureDetails(headers)
	receiving := ReceivingEndpoint(headers)

	processingEndpoint := ""
	if receiving != nil {
		processingEndpoint = receiving.Name
	}

	id := models.UniqueMessageID(messageID, processingEndpoint)

	attempt := models.ProcessingAttempt{
		MessageID:       messageID,
		AttemptedAt:     details.TimeOfFailure,
		Headers:         headers,
		Body:            msg.Body,
		MessageMetadata: metadata,
		FailureDetails:  details,
	}

	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = models.GetCurrentTime()
	}

	groups := Classify(p.classifiers, ClassifiableMessage{
		MessageType:       MessageType(headers),
		FailureDetails:    details,
		ReceivingEndpoint: receiving,
	})

	if _, err := p.messages.RecordAttempt(ctx, id, attempt, groups); err != nil {
		return nil, nil, fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}

	// a failed re-delivery makes the message retryable again
	if err := p.markers.DeleteMarker(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to clear retry marker for %s: %w", id, err)
	}

	var endpoints []models.KnownEndpoint
	for _, e := range []*models.EndpointDetails{SendingEndpoint(headers), receiving} {
		if e != nil {
			endpoints = append(endpoints, models.KnownEndpoint{
				Name:      e.Name,
				HostID:    e.HostID,
				Host:      e.Host,
				Monitored: true,
				FirstSeen: models.GetCurrentTime(),
			})
		}
	}

	_, repeated := headers[models.HeaderRetryUniqueMessageID]

	p.logger.Debug("Recorded failed message",
		"failedMessageID", id,
		"messageID", messageID,
		"endpoint", processingEndpoint,
		"repeated", repeated)

	return events.MessageFailed{
		FailedMessageID: id,
		MessageID:       messageID,
		EndpointName:    processingEndpoint,
		ExceptionType:   details.Exception.ExceptionType,
		RepeatedFailure: repeated,
	}, endpoints, nil
}

// recordEndpoints upserts the batch's endpoints and returns events for those not seen before
func (p *FailureProcessor) recordEndpoints(ctx context.Context, observed map[string]models.KnownEndpoint, order []string) ([]events.Event, error) {
	endpoints := make([]models.KnownEndpoint, 0, len(order))
	for _, key := range order {
		endpoints = append(endpoints, observed[key])
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.knownSeeded {
		existing, err := p.endpoints.ListEndpoints(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load known endpoints: %w", err)
		}
		for _, e := range existing {
			p.known[endpointKey(e.Name, e.HostID)] = true
		}
		p.knownSeeded = true
	}

	if err := p.endpoints.UpsertEndpoints(ctx, endpoints); err != nil {
		return nil, fmt.Errorf("failed to record endpoints: %w", err)
	}

	var detected []events.Event
	for _, e := range endpoints {
		key := endpointKey(e.Name, e.HostID)
		if p.known[key] {
			continue
		}
		p.known[key] = true

		p.logger.Info("New endpoint detected", "name", e.Name, "hostID", e.HostID, "host", e.Host)
		detected = append(detected, events.NewEndpointDetected{Name: e.Name, HostID: e.HostID, Host: e.Host})
	}

	return detected, nil
}

func endpointKey(name, hostID string) string {
	return strings.ToLower(name) + "/" + hostID
}
