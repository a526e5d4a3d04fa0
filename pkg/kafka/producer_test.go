package kafka

import (
	"context"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

func TestProducer_SendMessageWithHeaders(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "orders", msg.Topic)
		require.Len(t, msg.Headers, 2)
		assert.Equal(t, "a", string(msg.Headers[0].Key))
		assert.Equal(t, "b", string(msg.Headers[1].Key))
		return nil
	})

	p := NewProducerFromSync(mock, logger.Discard())
	err := p.SendMessage(context.Background(), "orders", "key-1", []byte("{}"), map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_SendMessageFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFromSync(mock, logger.Discard())
	err := p.SendMessage(context.Background(), "orders", "", []byte("{}"), nil)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestProducer_CancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	p := NewProducerFromSync(mock, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.SendMessage(ctx, "orders", "", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeaders(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte("bus.MessageId"), Value: []byte("m-1")},
		nil,
		{Key: []byte("bus.FailedQ"), Value: []byte("sales")},
	}}

	assert.Equal(t, map[string]string{"bus.MessageId": "m-1", "bus.FailedQ": "sales"}, Headers(msg))
}
