package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"golang.org/x/sync/semaphore"
)

// MessageHandler is the interface for handling messages from Kafka
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

// HandleMessage calls f
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// Consumer is a restartable wrapper around sarama.ConsumerGroup
type Consumer struct {
	cfg           *ConsumerConfig
	saramaCfg     *sarama.Config
	consumerGroup sarama.ConsumerGroup
	handlers      map[string]MessageHandler
	sem           *semaphore.Weighted
	logger        logger.Logger
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.Mutex
	running       bool
}

// ConsumerConfig is the configuration for the Kafka consumer
type ConsumerConfig struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
	// MaxConcurrency bounds the handlers running at once across all partitions
	MaxConcurrency int64
	// MaxJoinFailures is the number of consecutive failed joins reported through OnFatal
	MaxJoinFailures int
	// OnFatal is called when the group cannot be joined
	OnFatal func(err error)
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *ConsumerConfig, logger logger.Logger) (*Consumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("no topics to consume")
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0 // record headers
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	return &Consumer{
		cfg:       cfg,
		saramaCfg: saramaCfg,
		handlers:  make(map[string]MessageHandler),
		sem:       semaphore.NewWeighted(maxConcurrency),
		logger:    logger,
	}, nil
}

// RegisterHandler registers a message handler for a specific topic
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = handler
}

// Start joins the consumer group and begins consuming
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	consumerGroup, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.ConsumerGroup, c.saramaCfg)

	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.consumerGroup = consumerGroup
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running = true

	c.wg.Add(2)

	go func() {
		defer c.wg.Done()
		c.consume()
	}()

	go func() {
		defer c.wg.Done()
		for err := range consumerGroup.Errors() {
			c.logger.Error("Kafka consumer group error", "error", err)
		}
	}()

	c.logger.Info("Kafka consumer started", "topics", c.cfg.Topics, "group", c.cfg.ConsumerGroup)
	return nil
}

// consume keeps the group session alive until the consumer is stopped
func (c *Consumer) consume() {
	failures := 0

	for {
		if err := c.consumerGroup.Consume(c.ctx, c.cfg.Topics, c); err != nil {
			if c.ctx.Err() != nil {
				return
			}

			failures++
			c.logger.Error("Kafka consumer error", "error", err, "consecutiveFailures", failures)

			if c.cfg.MaxJoinFailures > 0 && failures >= c.cfg.MaxJoinFailures && c.cfg.OnFatal != nil {
				c.cfg.OnFatal(fmt.Errorf("consumer group unreachable after %d attempts: %w", failures, err))
				return
			}

			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		failures = 0

		if c.ctx.Err() != nil {
			return
		}
	}
}

// Stop stops the Kafka consumer
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	c.cancel()
	err := c.consumerGroup.Close()
	c.wg.Wait()
	c.running = false

	c.logger.Info("Kafka consumer stopped", "topics", c.cfg.Topics)
	return err
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes one partition in order; the semaphore bounds work across partitions
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			c.logger.Debug("Received message from Kafka",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"key", string(msg.Key))

			handler, exists := c.handlers[msg.Topic]

			if !exists {
				c.logger.Warn("No handler registered for topic", "topic", msg.Topic)
				session.MarkMessage(msg, "")
				continue
			}

			if err := c.sem.Acquire(session.Context(), 1); err != nil {
				return nil
			}

			err := handler.HandleMessage(session.Context(), msg)
			c.sem.Release(1)

			if err != nil {
				c.logger.Error("Error handling message",
					"error", err,
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset)

				// leave unmarked so the message is redelivered on the next session
				return err
			}

			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// Headers converts record headers into a map, later values winning
func Headers(msg *sarama.ConsumerMessage) map[string]string {
	headers := make(map[string]string, len(msg.Headers))

	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}

	return headers
}
