package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const EventTypeHeader = "EventType"

// NewServer starts an embedded NATS server with JetStream enabled
func NewServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		Port:      server.RANDOM_PORT,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(20 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready for connections")
	}

	return ns, nil
}

// Connect opens a JetStream context on the server at url
func Connect(url string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name("failure-recovery"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return nc, js, nil
}

// AddStream declares the stream that retains domain events
func AddStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Retention: nats.LimitsPolicy,
		Subjects:  []string{subject + ".>"},
		MaxAge:    24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to add JetStream stream: %w", err)
	}

	return nil
}

type natsPublisher struct {
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher publishes events to subject.<event type>
func NewNATSPublisher(js nats.JetStreamContext, subject string) Publisher {
	return &natsPublisher{
		js:      js,
		subject: subject,
	}
}

func (p *natsPublisher) Publish(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	header := make(nats.Header)
	header.Add(EventTypeHeader, event.EventType())

	msg := &nats.Msg{
		Subject: p.subject + "." + event.EventType(),
		Data:    data,
		Header:  header,
	}

	if _, err := p.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
