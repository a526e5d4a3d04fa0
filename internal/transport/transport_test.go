package transport

import (
	"context"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaidashi/failure-recovery/pkg/kafka"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

func TestFromKafka(t *testing.T) {
	msg := FromKafka(&sarama.ConsumerMessage{
		Topic:     "error",
		Partition: 2,
		Offset:    41,
		Value:     []byte("body"),
		Headers:   []*sarama.RecordHeader{{Key: []byte("k"), Value: []byte("v")}},
	})

	assert.Equal(t, "error/2/41", msg.ID)
	assert.Equal(t, "v", msg.Headers["k"])
	assert.Equal(t, []byte("body"), msg.Body)
}

func TestClone_IsIndependent(t *testing.T) {
	orig := Message{ID: "1", Headers: map[string]string{"a": "1"}, Body: []byte("x")}
	clone := orig.Clone()

	clone.Headers["a"] = "2"
	clone.Body[0] = 'y'

	assert.Equal(t, "1", orig.Headers["a"])
	assert.Equal(t, byte('x'), orig.Body[0])
}

func TestKafkaSender_Send(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "sales", msg.Topic)
		key, _ := msg.Key.Encode()
		assert.Equal(t, "m-1", string(key))
		return nil
	})

	sender := NewKafkaSender(kafka.NewProducerFromSync(mock, logger.Discard()))
	require.NoError(t, sender.Send(context.Background(), OutgoingMessage{ID: "m-1", Destination: "sales"}))

	err := sender.Send(context.Background(), OutgoingMessage{ID: "m-2"})
	assert.Error(t, err)
}
