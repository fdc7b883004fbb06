package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwirehq/syncwire/internal/pubsub"
)

func TestEngine_PublishSubscribe(t *testing.T) {
	engine := New()
	defer engine.Close()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{
		StreamName: "changefeed",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{
		SubjectPrefix: "changefeed",
	})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "tasks", []byte(`{"op":"insert"}`)))

	select {
	case msg := <-msgCh:
		assert.Equal(t, "changefeed.tasks", msg.Subject())
		assert.Equal(t, `{"op":"insert"}`, string(msg.Data()))
		assert.NoError(t, msg.Ack())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEngine_FilterSubject(t *testing.T) {
	engine := New()
	defer engine.Close()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{
		StreamName:    "changefeed",
		FilterSubject: "changefeed.tasks",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{SubjectPrefix: "changefeed"})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "users", []byte("skip")))
	require.NoError(t, publisher.Publish(ctx, "tasks", []byte("keep")))

	select {
	case msg := <-msgCh:
		assert.Equal(t, "keep", string(msg.Data()))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEngine_NakRedelivers(t *testing.T) {
	engine := New()
	defer engine.Close()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{StreamName: "s"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{SubjectPrefix: "s"})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, "x", []byte("retry-me")))

	first := <-msgCh
	require.NoError(t, first.Nak())

	select {
	case msg := <-msgCh:
		assert.Equal(t, "retry-me", string(msg.Data()))
		md, err := msg.Metadata()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), md.NumDelivered)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for redelivery")
	}
}

func TestEngine_Closed(t *testing.T) {
	engine := New()
	require.NoError(t, engine.Close())

	_, err := engine.NewPublisher(pubsub.PublisherOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = engine.NewConsumer(pubsub.ConsumerOptions{StreamName: "s"})
	assert.ErrorIs(t, err, ErrEngineClosed)

	// Close is idempotent.
	assert.NoError(t, engine.Close())
}

func TestMatchSubject(t *testing.T) {
	assert.True(t, matchSubject("a.b", "a.b"))
	assert.True(t, matchSubject("a.*", "a.b"))
	assert.True(t, matchSubject("a.>", "a.b.c"))
	assert.False(t, matchSubject("a.>", "a"))
	assert.False(t, matchSubject("a.b", "a.b.c"))
	assert.False(t, matchSubject("", "a"))
}
