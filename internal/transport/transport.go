package transport

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/vaidashi/failure-recovery/pkg/kafka"
)

// Message is a raw message received from the transport
type Message struct {
	ID      string
	Headers map[string]string
	Body    []byte
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}

	body := make([]byte, len(m.Body))
	copy(body, m.Body)

	return Message{ID: m.ID, Headers: headers, Body: body}
}

// OutgoingMessage is a message to dispatch to a destination address
type OutgoingMessage struct {
	ID          string
	Destination string
	Headers     map[string]string
	Body        []byte
}

// Sender dispatches messages to destination addresses
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// FromKafka converts a consumed record into a transport message; the id is the record coordinates
func FromKafka(msg *sarama.ConsumerMessage) Message {
	return Message{
		ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Headers: kafka.Headers(msg),
		Body:    msg.Value,
	}
}

// KafkaSender sends messages to Kafka topics named by their destination
type KafkaSender struct {
	producer *kafka.Producer
}

// NewKafkaSender creates a Sender backed by a Kafka producer
func NewKafkaSender(producer *kafka.Producer) *KafkaSender {
	return &KafkaSender{producer: producer}
}

// Send publishes msg to the topic named by its destination, keyed by message id
func (s *KafkaSender) Send(ctx context.Context, msg OutgoingMessage) error {
	if msg.Destination == "" {
		return fmt.Errorf("message %s has no destination", msg.ID)
	}

	return s.producer.SendMessage(ctx, msg.Destination, msg.ID, msg.Body, msg.Headers)
}
