package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSPublisher_Publish(t *testing.T) {
	ns, err := NewServer(t.TempDir())
	require.NoError(t, err)
	defer ns.Shutdown()

	nc, js, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, AddStream(js, "RECOVERY", "recovery"))
	// declaring twice is harmless
	require.NoError(t, AddStream(js, "RECOVERY", "recovery"))

	sub, err := js.SubscribeSync("recovery.message_failed")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, sub.Unsubscribe())
	}()

	publisher := NewNATSPublisher(js, "recovery")
	event := MessageFailed{FailedMessageID: "f-1", MessageID: "m-1", EndpointName: "sales", RepeatedFailure: true}
	require.NoError(t, publisher.Publish(event))

	received, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, "message_failed", received.Header.Get(EventTypeHeader))

	var decoded MessageFailed
	require.NoError(t, json.Unmarshal(received.Data, &decoded))
	assert.Equal(t, event, decoded)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(MessageFailed{FailedMessageID: "a"}))
	require.NoError(t, r.Publish(MessageQuarantined{TransportID: "t"}))

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType("message_quarantined"), 1)
}
