package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/quarantine"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/circuitbreaker"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/retry"
)

var ErrBreakerOpen = errors.New("ingestion circuit breaker opened")

const defaultBreakerResetTimeout = time.Minute

// EndpointConfig configures the receive fault policy
type EndpointConfig struct {
	// ImmediateRetries is the number of in-place retries before a message is quarantined
	ImmediateRetries int
	// BreakerThreshold is the number of consecutive messages quarantined or lost that raise a critical error
	BreakerThreshold int
	// BreakerResetTimeout is how long an open breaker sheds messages before letting a trial message through
	BreakerResetTimeout time.Duration
	// OnCritical receives the critical error raised when the breaker opens
	OnCritical func(err error)
}

// Endpoint applies the fault policy between the transport receive loop and the pipeline
type Endpoint struct {
	pipeline   Pusher
	quarantine quarantine.Store
	artifact   *quarantine.FileArtifact
	publisher  events.Publisher
	breaker    *circuitbreaker.CircuitBreaker
	retries    int
	onCritical func(err error)
	logger     logger.Logger
}

// NewEndpoint creates an endpoint feeding pipeline
func NewEndpoint(
	pipeline Pusher,
	store quarantine.Store,
	artifact *quarantine.FileArtifact,
	publisher events.Publisher,
	cfg EndpointConfig,
	logger logger.Logger,
) *Endpoint {
	e := &Endpoint{
		pipeline:   pipeline,
		quarantine: store,
		artifact:   artifact,
		publisher:  publisher,
		retries:    cfg.ImmediateRetries,
		onCritical: cfg.OnCritical,
		logger:     logger,
	}

	threshold := int64(cfg.BreakerThreshold)
	if threshold <= 0 {
		threshold = 1
	}

	resetTimeout := cfg.BreakerResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = defaultBreakerResetTimeout
	}

	e.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     resetTimeout,
		HalfOpenMaxCalls: 1,
		OnStateChange:    e.onBreakerStateChange,
	})

	return e
}

func (e *Endpoint) onBreakerStateChange(from, to circuitbreaker.State) {
	metrics.BreakerState.Set(float64(to))
	e.logger.Warn("Ingestion circuit breaker state changed", "from", from.String(), "to", to.String())

	if to == circuitbreaker.StateOpen && e.onCritical != nil {
		e.onCritical(fmt.Errorf("%w after %d consecutive failed messages", ErrBreakerOpen, e.breaker.GetSnapshot().FailureThreshold))
	}
}

// Breaker exposes the endpoint's circuit breaker
func (e *Endpoint) Breaker() *circuitbreaker.CircuitBreaker {
	return e.breaker
}

// Reset closes the breaker, called when the receive loop restarts
func (e *Endpoint) Reset() {
	e.breaker.Reset()
}

// HandleMessage adapts a Kafka record to Handle
func (e *Endpoint) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return e.Handle(ctx, transport.FromKafka(msg))
}

// Handle pushes msg through the pipeline with immediate retries, quarantining it if all attempts fail.
// A non-nil error means the message was neither processed nor quarantined; ErrBreakerOpen means it
// was shed without being tried.
func (e *Endpoint) Handle(ctx context.Context, msg transport.Message) error {
	if !e.breaker.Allow() {
		return ErrBreakerOpen
	}

	cfg := &retry.RetryConfig{
		MaxAttempts:     e.retries + 1,
		BackoffStrategy: retry.Immediate(),
		Logger:          e.logger,
		OnRetry: func(attempt int, err error) {
			metrics.IngestionRetries.Inc()
			e.logger.Warn("Retrying failure report", "transportID", msg.ID, "attempt", attempt, "error", err)
		},
	}

	pushed := false
	err := retry.RetryWithDiscard(ctx, func() error {
		if err := e.pipeline.Push(ctx, msg.Clone()); err != nil {
			return err
		}
		pushed = true
		return nil
	}, cfg, func(err error) error {
		return e.quarantineMessage(ctx, msg, err)
	})
	if err != nil {
		if ctx.Err() == nil {
			e.breaker.Failure()
		}
		return err
	}

	if pushed {
		e.breaker.Success()
	}

	return nil
}

func (e *Endpoint) quarantineMessage(ctx context.Context, msg transport.Message, reason error) error {
	entry := quarantine.New(msg, reason)

	if err := e.quarantine.Add(ctx, entry); err != nil {
		e.logger.Error("Failed to quarantine message", "error", err, "transportID", msg.ID)
		return fmt.Errorf("failed to quarantine message %s: %w", msg.ID, err)
	}

	path, err := e.artifact.Write(entry)
	if err != nil {
		e.logger.Warn("Failed to write quarantine artifact", "error", err, "transportID", msg.ID)
	}

	metrics.QuarantinedMessages.Inc()
	e.logger.Error("Message quarantined after immediate retries",
		"transportID", msg.ID,
		"reason", entry.Reason,
		"artifact", path)

	if err := e.publisher.Publish(events.MessageQuarantined{TransportID: msg.ID, Reason: entry.Reason}); err != nil {
		e.logger.Warn("Failed to publish event", "error", err, "type", "message_quarantined")
	}

	e.breaker.Failure()
	return nil
}

// Reimport pushes quarantined messages back through the pipeline, removing each one that succeeds.
// It returns ErrBreakerOpen while the breaker sheds load, or when a half-open trial fails.
func (e *Endpoint) Reimport(ctx context.Context) (int, error) {
	if !e.breaker.Allow() {
		return 0, ErrBreakerOpen
	}

	entries, err := e.quarantine.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list quarantined messages: %w", err)
	}

	reimported := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return reimported, err
		}

		if err := e.pipeline.Push(ctx, entry.Message()); err != nil {
			e.logger.Warn("Quarantined message failed again", "transportID", entry.ID, "error", err)
			if e.breaker.GetState() == circuitbreaker.StateHalfOpen {
				e.breaker.Failure()
				return reimported, ErrBreakerOpen
			}
			continue
		}
		e.breaker.Success()

		if err := e.quarantine.Remove(ctx, entry.ID); err != nil && !errors.Is(err, quarantine.ErrNotFound) {
			return reimported, fmt.Errorf("failed to remove %s from quarantine: %w", entry.ID, err)
		}

		reimported++
	}

	e.logger.Info("Quarantine re-import finished", "reimported", reimported, "total", len(entries))
	return reimported, nil
}
