// Package memory implements pubsub on an in-process broker. It mirrors the
// NATS engine's interface so the two can be swapped by configuration.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncwirehq/syncwire/internal/pubsub"
)

var (
	ErrEngineClosed      = errors.New("pubsub: memory engine closed")
	ErrPatternSubscribed = errors.New("pubsub: pattern already subscribed")
)

// Compile-time check that Engine implements pubsub.Provider.
var _ pubsub.Provider = (*Engine)(nil)

// Engine provides the public API for in-memory pubsub.
type Engine struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	closed        atomic.Bool
}

type subscription struct {
	pattern string
	msgCh   chan pubsub.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new in-memory pubsub engine.
func New() *Engine {
	return &Engine{
		subscriptions: make(map[string]*subscription),
	}
}

func (e *Engine) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return &memoryPublisher{engine: e, opts: opts}, nil
}

func (e *Engine) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}
	return &memoryConsumer{engine: e, opts: opts}, nil
}

// Close shuts down the engine and all subscriptions.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subscriptions {
		sub.cancel()
		close(sub.msgCh)
	}
	e.subscriptions = nil
	return nil
}

func (e *Engine) publish(ctx context.Context, subject string, data []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for pattern, sub := range e.subscriptions {
		if !matchSubject(pattern, subject) {
			continue
		}
		msg := &memoryMessage{
			data:      data,
			subject:   subject,
			timestamp: time.Now(),
			delivered: 1,
			requeue:   sub.msgCh,
			ctx:       sub.ctx,
		}
		select {
		case sub.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.ctx.Done():
			// Subscription cancelled, skip.
		}
	}
	return nil
}

func (e *Engine) subscribe(ctx context.Context, pattern string, bufSize int) (<-chan pubsub.Message, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscriptions[pattern] != nil {
		return nil, ErrPatternSubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgCh := make(chan pubsub.Message, bufSize)

	sub := &subscription{
		pattern: pattern,
		msgCh:   msgCh,
		ctx:     subCtx,
		cancel:  cancel,
	}
	e.subscriptions[pattern] = sub

	go func() {
		<-subCtx.Done()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.subscriptions != nil && e.subscriptions[pattern] == sub {
			delete(e.subscriptions, pattern)
			close(msgCh)
		}
	}()

	return msgCh, nil
}

// matchSubject checks if a subject matches a pattern with NATS-style
// wildcards: "*" matches a single token, ">" matches one or more trailing
// tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	for i, p := range patternParts {
		if p == ">" {
			return i < len(subjectParts)
		}
		if i >= len(subjectParts) {
			return false
		}
		if p != "*" && p != subjectParts[i] {
			return false
		}
	}
	return len(patternParts) == len(subjectParts)
}

type memoryPublisher struct {
	engine *Engine
	opts   pubsub.PublisherOptions
}

func (p *memoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.opts.SubjectPrefix != "" {
		subject = p.opts.SubjectPrefix + "." + subject
	}
	return p.engine.publish(ctx, subject, data)
}

func (p *memoryPublisher) Close() error {
	return nil
}

type memoryConsumer struct {
	engine *Engine
	opts   pubsub.ConsumerOptions
}

func (c *memoryConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	pattern := c.opts.FilterSubject
	if pattern == "" {
		pattern = c.opts.StreamName + ".>"
	}
	return c.engine.subscribe(ctx, pattern, c.opts.ChannelBufSize)
}

type memoryMessage struct {
	data      []byte
	subject   string
	timestamp time.Time
	delivered uint64

	requeue chan pubsub.Message
	ctx     context.Context

	mu     sync.Mutex
	settle bool
}

func (m *memoryMessage) Data() []byte {
	return m.data
}

func (m *memoryMessage) Subject() string {
	return m.subject
}

func (m *memoryMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle = true
	return nil
}

// Nak requeues immediately, non-blocking. A full or cancelled subscription
// drops the redelivery.
func (m *memoryMessage) Nak() error {
	m.mu.Lock()
	if m.settle {
		m.mu.Unlock()
		return nil
	}
	m.settle = true
	m.mu.Unlock()

	redelivery := &memoryMessage{
		data:      m.data,
		subject:   m.subject,
		timestamp: m.timestamp,
		delivered: m.delivered + 1,
		requeue:   m.requeue,
		ctx:       m.ctx,
	}

	select {
	case m.requeue <- redelivery:
	case <-m.ctx.Done():
	default:
	}
	return nil
}

func (m *memoryMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle = true
	return nil
}

func (m *memoryMessage) Metadata() (pubsub.MessageMetadata, error) {
	return pubsub.MessageMetadata{
		NumDelivered: m.delivered,
		Timestamp:    m.timestamp,
		Subject:      m.subject,
	}, nil
}
