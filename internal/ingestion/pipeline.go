// Package ingestion receives failure reports and feeds them to the failure processor in batches.
package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/metrics"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

var ErrPipelineStopped = errors.New("ingestion pipeline stopped")

// BatchProcessor handles a batch of raw failure messages and returns notifications to publish
type BatchProcessor interface {
	Process(ctx context.Context, batch []transport.Message) ([]events.Event, error)
}

// Pusher accepts a message and returns once it has been processed
type Pusher interface {
	Push(ctx context.Context, msg transport.Message) error
}

type pendingMessage struct {
	msg  transport.Message
	done chan error
}

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	// MaxConcurrency caps the number of messages per batch
	MaxConcurrency int
	// QueueCapacity is the number of messages that can wait before Push blocks
	QueueCapacity int
}

// Pipeline is a bounded multi-writer, single-reader queue of failure messages
type Pipeline struct {
	queue          chan *pendingMessage
	processor      BatchProcessor
	publisher      events.Publisher
	maxConcurrency int
	logger         logger.Logger
}

// NewPipeline creates a pipeline; Run must be called for pushes to complete
func NewPipeline(processor BatchProcessor, publisher events.Publisher, cfg PipelineConfig, logger logger.Logger) *Pipeline {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.MaxConcurrency
	}

	return &Pipeline{
		queue:          make(chan *pendingMessage, cfg.QueueCapacity),
		processor:      processor,
		publisher:      publisher,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
	}
}

// Push enqueues msg, blocking while the queue is full, and waits for its batch to be processed
func (p *Pipeline) Push(ctx context.Context, msg transport.Message) error {
	item := &pendingMessage{msg: msg, done: make(chan error, 1)}

	select {
	case p.queue <- item:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Ingestion pipeline started", "maxConcurrency", p.maxConcurrency, "queueCapacity", cap(p.queue))

	for {
		var first *pendingMessage

		select {
		case first = <-p.queue:
		case <-ctx.Done():
			p.failQueued()
			p.logger.Info("Ingestion pipeline stopped")
			return nil
		}

		batch := p.drain(first)
		p.processBatch(ctx, batch)
	}
}

// drain collects the items already waiting, up to the batch cap
func (p *Pipeline) drain(first *pendingMessage) []*pendingMessage {
	batch := []*pendingMessage{first}

	for len(batch) < p.maxConcurrency {
		select {
		case item := <-p.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}

	return batch
}

func (p *Pipeline) processBatch(ctx context.Context, batch []*pendingMessage) {
	metrics.IngestionBatchSize.Observe(float64(len(batch)))

	messages := make([]transport.Message, len(batch))
	for i, item := range batch {
		messages[i] = item.msg
	}

	notifications, err := p.processor.Process(ctx, messages)
	if err != nil {
		p.logger.Error("Failed to process ingestion batch", "error", err, "batchSize", len(batch))

		batchErr := fmt.Errorf("batch of %d failed: %w", len(batch), err)
		for _, item := range batch {
			item.done <- batchErr
		}
		return
	}

	for _, event := range notifications {
		if err := p.publisher.Publish(event); err != nil {
			p.logger.Warn("Failed to publish event", "error", err, "type", event.EventType())
		}
	}

	for _, item := range batch {
		item.done <- nil
	}
}

func (p *Pipeline) failQueued() {
	for {
		select {
		case item := <-p.queue:
			item.done <- ErrPipelineStopped
		default:
			return
		}
	}
}
