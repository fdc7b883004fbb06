// Package store defines the data-layer contract the sync engine consumes:
// collections of documents whose changes can be observed as ordered
// added/changed/removed callbacks.
package store

import (
	"context"

	"github.com/syncwirehq/syncwire/internal/ctxkeys"
	"github.com/syncwirehq/syncwire/pkg/model"
)

// ObserveCallbacks receives document change notifications from a cursor.
// Added delivers the full field set; Changed delivers only the keys whose
// value changed, with nil marking a key that was cleared. Callbacks for one
// cursor are never invoked concurrently.
type ObserveCallbacks struct {
	Added   func(id string, fields model.Document)
	Changed func(id string, fields model.Document)
	Removed func(id string)
}

// Cursor is a live query against one collection. Observe synchronously
// delivers the initial result set through Added before returning, then keeps
// delivering incremental changes until the stop function is called or the
// context is cancelled.
type Cursor interface {
	Collection() string
	Observe(ctx context.Context, cb ObserveCallbacks) (stop func(), err error)
}

// Collection is a named set of documents. Update treats a nil field value as
// a clear of that key.
type Collection interface {
	Name() string
	Insert(ctx context.Context, id string, fields model.Document) error
	Update(ctx context.Context, id string, fields model.Document) error
	Remove(ctx context.Context, id string) error
	Find(q model.Query) Cursor
}

// Store provides access to collections. Collection never fails; unknown
// names denote empty collections created on first use.
type Store interface {
	Collection(name string) Collection
	Close(ctx context.Context) error
}

// Fence is the write barrier a method invocation arms. Writes performed with
// a fence in their context call BeginWrite before mutating and invoke the
// returned func once the change is visible to observers.
type Fence interface {
	BeginWrite() (committed func())
}

// ContextWithFence attaches a write fence to ctx.
func ContextWithFence(ctx context.Context, f Fence) context.Context {
	return context.WithValue(ctx, ctxkeys.KeyWriteFence, f)
}

// FenceFromContext returns the fence carried by ctx, if any.
func FenceFromContext(ctx context.Context) (Fence, bool) {
	f, ok := ctx.Value(ctxkeys.KeyWriteFence).(Fence)
	return f, ok
}

// BeginWriteFromContext registers a pending write on the fence in ctx.
// Without a fence it returns a no-op commit func.
func BeginWriteFromContext(ctx context.Context) (committed func()) {
	if f, ok := FenceFromContext(ctx); ok {
		return f.BeginWrite()
	}
	return func() {}
}
