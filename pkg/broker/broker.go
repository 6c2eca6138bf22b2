// Package broker defines the message-broker contract of the aggregator:
// a durable inbound subscription stream and a typed outbound publish.
package broker

import "context"

// Message is a raw inbound broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// Envelope is the outbound wire shape: {"mt": <type>, "data": <payload>}.
type Envelope struct {
	MT   string `json:"mt"`
	Data any    `json:"data"`
}

// Broker connects the pipeline to a message broker. Implementations reconnect
// on transport failure; messages lost in the reconnect gap are acceptable
// because the dedup set makes redelivery idempotent.
type Broker interface {
	// Subscribe establishes a durable subscription and returns the stream of
	// raw messages. The channel is closed when the broker is closed.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// Publish sends {"mt": messageType, "data": payload} to the topic with
	// at-least-once semantics at the transport layer.
	Publish(ctx context.Context, topic, messageType string, payload any) error

	// Close tears down subscriptions and the connection.
	Close(ctx context.Context) error
}
