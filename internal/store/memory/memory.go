// Package memory implements the store contract on in-process maps with
// synchronous observer delivery. It is the reference backend: a write
// returns only after every interested observer has seen it, which is what
// gives method calls their writes-before-updated guarantee.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/syncwirehq/syncwire/internal/pubsub"
	"github.com/syncwirehq/syncwire/internal/store"
	"github.com/syncwirehq/syncwire/pkg/model"
)

// ChangeEvent is the payload published to the changefeed after a committed
// write, one message per write, subject "<prefix>.<collection>".
type ChangeEvent struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Op         string         `json:"op"` // insert | update | remove
	Fields     model.Document `json:"fields,omitempty"`
}

// Option configures the store.
type Option func(*Store)

// WithChangefeed publishes every committed write to the given publisher so
// peer nodes can pick it up.
func WithChangefeed(pub pubsub.Publisher) Option {
	return func(s *Store) {
		s.changefeed = pub
	}
}

// Store is an in-memory document store.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	changefeed  pubsub.Publisher
}

var _ store.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]*collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Collection(name string) store.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &collection{
			store:     s,
			name:      name,
			docs:      make(map[string]model.Document),
			observers: make(map[*observer]struct{}),
		}
		s.collections[name] = c
	}
	return c
}

func (s *Store) Close(ctx context.Context) error {
	if s.changefeed != nil {
		return s.changefeed.Close()
	}
	return nil
}

func (s *Store) publishChange(ctx context.Context, evt ChangeEvent) {
	if s.changefeed == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.changefeed.Publish(ctx, evt.Collection, data); err != nil {
		slog.Warn("changefeed publish failed", "collection", evt.Collection, "id", evt.ID, "err", err)
	}
}

type collection struct {
	store *Store
	name  string

	// mu serializes writes and observer delivery, so each observer sees
	// changes in a single total order per collection.
	mu        sync.Mutex
	docs      map[string]model.Document
	observers map[*observer]struct{}
}

var _ store.Collection = (*collection)(nil)

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Insert(ctx context.Context, id string, fields model.Document) error {
	if !model.CheckDocumentID(id) {
		return fmt.Errorf("%w: bad document id %q", model.ErrInvalidQuery, id)
	}
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	c.mu.Lock()
	if _, exists := c.docs[id]; exists {
		c.mu.Unlock()
		return model.ErrExists
	}
	doc := model.CloneDocument(fields.WithoutID())
	c.docs[id] = doc

	for obs := range c.observers {
		obs.afterWrite(id, doc, nil)
	}
	c.mu.Unlock()

	c.store.publishChange(ctx, ChangeEvent{Collection: c.name, ID: id, Op: "insert", Fields: doc})
	return nil
}

func (c *collection) Update(ctx context.Context, id string, fields model.Document) error {
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	c.mu.Lock()
	doc, exists := c.docs[id]
	if !exists {
		c.mu.Unlock()
		return model.ErrNotFound
	}

	changes := model.Document{}
	for k, v := range fields.WithoutID() {
		if v == nil {
			if doc.HasKey(k) {
				delete(doc, k)
				changes[k] = nil
			}
			continue
		}
		if !model.Equal(doc[k], v) {
			doc[k] = model.Clone(v)
			changes[k] = doc[k]
		}
	}

	if len(changes) == 0 {
		c.mu.Unlock()
		return nil
	}

	for obs := range c.observers {
		obs.afterWrite(id, doc, changes)
	}
	c.mu.Unlock()

	c.store.publishChange(ctx, ChangeEvent{Collection: c.name, ID: id, Op: "update", Fields: changes})
	return nil
}

func (c *collection) Remove(ctx context.Context, id string) error {
	committed := store.BeginWriteFromContext(ctx)
	defer committed()

	c.mu.Lock()
	if _, exists := c.docs[id]; !exists {
		c.mu.Unlock()
		return model.ErrNotFound
	}
	delete(c.docs, id)

	for obs := range c.observers {
		obs.afterRemove(id)
	}
	c.mu.Unlock()

	c.store.publishChange(ctx, ChangeEvent{Collection: c.name, ID: id, Op: "remove"})
	return nil
}

func (c *collection) Find(q model.Query) store.Cursor {
	q.Collection = c.name
	return &cursor{coll: c, query: q}
}

type cursor struct {
	coll  *collection
	query model.Query
}

var _ store.Cursor = (*cursor)(nil)

func (cur *cursor) Collection() string {
	return cur.coll.name
}

func (cur *cursor) Observe(ctx context.Context, cb store.ObserveCallbacks) (func(), error) {
	if err := cur.query.Validate(); err != nil {
		return nil, err
	}
	prg, err := store.CompileFilters(cur.query.Filters)
	if err != nil {
		return nil, err
	}

	obs := &observer{
		cb:        cb,
		prg:       prg,
		delivered: make(map[string]struct{}),
	}

	c := cur.coll
	c.mu.Lock()
	c.observers[obs] = struct{}{}
	// Initial result set, delivered before any concurrent write can slip in.
	for id, doc := range c.docs {
		if store.MatchDocument(prg, doc) {
			obs.delivered[id] = struct{}{}
			if cb.Added != nil {
				cb.Added(id, model.CloneDocument(doc))
			}
		}
	}
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		delete(c.observers, obs)
		c.mu.Unlock()
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			stop()
		}()
	}

	return stop, nil
}

// observer tracks which document ids it has delivered so filtered updates
// translate into the right added/changed/removed transition.
type observer struct {
	cb        store.ObserveCallbacks
	prg       cel.Program
	delivered map[string]struct{}
}

func (o *observer) afterWrite(id string, doc model.Document, changes model.Document) {
	_, seen := o.delivered[id]
	matches := store.MatchDocument(o.prg, doc)

	switch {
	case matches && !seen:
		o.delivered[id] = struct{}{}
		if o.cb.Added != nil {
			o.cb.Added(id, model.CloneDocument(doc))
		}
	case matches && seen:
		if changes != nil && len(changes) > 0 && o.cb.Changed != nil {
			o.cb.Changed(id, model.CloneDocument(changes))
		}
	case !matches && seen:
		delete(o.delivered, id)
		if o.cb.Removed != nil {
			o.cb.Removed(id)
		}
	}
}

func (o *observer) afterRemove(id string) {
	if _, seen := o.delivered[id]; !seen {
		return
	}
	delete(o.delivered, id)
	if o.cb.Removed != nil {
		o.cb.Removed(id)
	}
}
