// Package nats implements pubsub on NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syncwirehq/syncwire/internal/pubsub"
)

// JetStreamNew is a variable to allow mocking in tests.
var JetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// Compile-time check that Provider implements pubsub.Provider.
var _ pubsub.Provider = (*Provider)(nil)
var _ pubsub.Connectable = (*Provider)(nil)

// Provider creates JetStream-backed publishers and consumers.
type Provider struct {
	url  string
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewProvider creates an unconnected provider for the given NATS URL.
func NewProvider(url string) *Provider {
	return &Provider{url: url}
}

// Connect establishes the NATS connection and the JetStream context.
func (p *Provider) Connect(ctx context.Context) error {
	conn, err := nats.Connect(p.url,
		nats.Name("syncwire"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", p.url, err)
	}

	js, err := JetStreamNew(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	p.conn = conn
	p.js = js
	return nil
}

func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if p.js == nil {
		return nil, fmt.Errorf("nats provider is not connected")
	}

	if opts.StreamName != "" {
		subjects := []string{opts.StreamName + ".>"}
		if opts.SubjectPrefix != "" && opts.SubjectPrefix != opts.StreamName {
			subjects = []string{opts.SubjectPrefix + ".>"}
		}

		_, err := p.js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: subjects,
			Storage:  jetstream.MemoryStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return &jetStreamPublisher{js: p.js, opts: opts}, nil
}

func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if p.js == nil {
		return nil, fmt.Errorf("nats provider is not connected")
	}
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}
	return &jetStreamConsumer{js: p.js, opts: opts}, nil
}

func (p *Provider) Close() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.js = nil
	}
	return nil
}

type jetStreamPublisher struct {
	js   jetstream.JetStream
	opts pubsub.PublisherOptions
}

func (p *jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	fullSubject := subject
	if p.opts.SubjectPrefix != "" {
		fullSubject = p.opts.SubjectPrefix + "." + subject
	}

	if _, err := p.js.Publish(ctx, fullSubject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", fullSubject, err)
	}
	return nil
}

func (p *jetStreamPublisher) Close() error {
	// JetStream doesn't need explicit close.
	return nil
}

type jetStreamConsumer struct {
	js   jetstream.JetStream
	opts pubsub.ConsumerOptions
}

// Subscribe starts consuming messages and returns a channel.
func (c *jetStreamConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	filterSubject := c.opts.FilterSubject
	if filterSubject == "" {
		filterSubject = c.opts.StreamName + ".>"
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{filterSubject},
		Storage:  jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumerName := c.opts.ConsumerName
	if consumerName == "" {
		consumerName = "consumer"
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgCh := make(chan pubsub.Message, c.opts.ChannelBufSize)

	var closing atomic.Bool

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			msg.Nak()
			return
		}
		select {
		case msgCh <- wrapMessage(msg):
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	slog.Info("pubsub consumer subscribed", "stream", c.opts.StreamName, "subject", filterSubject)

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(msgCh)
		slog.Info("pubsub consumer stopped", "stream", c.opts.StreamName)
	}()

	return msgCh, nil
}

// jsMessage adapts a jetstream.Msg to the pubsub.Message interface.
type jsMessage struct {
	msg jetstream.Msg
}

func wrapMessage(msg jetstream.Msg) pubsub.Message {
	return &jsMessage{msg: msg}
}

func (m *jsMessage) Data() []byte {
	return m.msg.Data()
}

func (m *jsMessage) Subject() string {
	return m.msg.Subject()
}

func (m *jsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *jsMessage) Nak() error {
	return m.msg.Nak()
}

func (m *jsMessage) Term() error {
	return m.msg.Term()
}

func (m *jsMessage) Metadata() (pubsub.MessageMetadata, error) {
	md, err := m.msg.Metadata()
	if err != nil {
		return pubsub.MessageMetadata{}, err
	}
	return pubsub.MessageMetadata{
		NumDelivered: md.NumDelivered,
		Timestamp:    md.Timestamp,
		Subject:      m.msg.Subject(),
		Stream:       md.Stream,
		Consumer:     md.Consumer,
	}, nil
}
