// Package pubsub provides a generic pub/sub abstraction used to fan
// committed write events out to peer server nodes.
package pubsub

import (
	"context"
	"io"
	"time"
)

// Message represents a received message with acknowledgment controls.
type Message interface {
	// Data returns the raw message payload.
	Data() []byte

	// Subject returns the message subject/topic.
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak signals processing failure, requesting redelivery.
	Nak() error

	// Term terminates the message (no redelivery).
	Term() error

	// Metadata returns delivery metadata.
	Metadata() (MessageMetadata, error)
}

// MessageMetadata contains delivery information about a message.
type MessageMetadata struct {
	NumDelivered uint64
	Timestamp    time.Time
	Subject      string
	Stream       string
	Consumer     string
}

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases resources.
	Close() error
}

// Consumer consumes messages from a stream.
type Consumer interface {
	// Subscribe starts consuming messages and returns a channel. The channel
	// is closed when the context is cancelled or an error occurs. Caller is
	// responsible for calling Ack/Nak/Term on each message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider provides factory methods for creating publishers and consumers,
// abstracting the underlying broker (NATS, in-memory).
type Provider interface {
	io.Closer

	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable is an optional interface for providers that need to establish
// a connection before use. The memory provider does not implement it.
type Connectable interface {
	Connect(ctx context.Context) error
}

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the name of the stream to publish to.
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string
}

// ConsumerOptions configures consumer behavior.
type ConsumerOptions struct {
	// StreamName is the name of the stream to consume from.
	StreamName string

	// ConsumerName is the durable consumer name.
	ConsumerName string

	// FilterSubject filters messages by subject pattern.
	FilterSubject string

	// ChannelBufSize is the buffer size for the message channel.
	ChannelBufSize int
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ChannelBufSize: 100,
	}
}
