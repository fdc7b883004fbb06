package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/syncwirehq/syncwire/internal/store"
	"github.com/syncwirehq/syncwire/pkg/model"
)

// PublishHandler runs one publication for one connection. It either returns
// cursors to attach, in which case the subscription observes them and
// becomes ready once their initial result sets are delivered, or returns
// nil and drives the subscription's Added/Changed/Removed/Ready calls
// itself. Returning two cursors on the same collection is an error.
type PublishHandler func(ctx context.Context, sub *Subscription) ([]store.Cursor, error)

// Subscription is one running instance of a publish handler bound to a
// session. A deactivated subscription is inert: all publish calls from it
// are dropped silently.
type Subscription struct {
	session *Session
	handler PublishHandler

	// id is the client-supplied subscription id; empty for universal subs.
	// handle is the stable identifier used for precedence bookkeeping.
	id     string
	handle string
	name   string
	params []interface{}
	userID string
	ready  bool

	ctx    context.Context
	cancel context.CancelFunc

	// unblock releases the session queue slot of the sub message that
	// started this subscription; nil for universal and recreated subs.
	unblock func()

	mu            sync.Mutex
	deactivated   bool
	stopCallbacks []func()

	// documents tracks asserted ids per collection, only for collections
	// whose strategy requests accounting.
	documents map[string]map[string]struct{}
}

func newSubscription(session *Session, id, name string, params []interface{}, handler PublishHandler) *Subscription {
	handle := "U" + uuid.New().String()
	if id != "" {
		handle = "N" + id
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		session:   session,
		handler:   handler,
		id:        id,
		handle:    handle,
		name:      name,
		params:    model.CloneParams(params),
		userID:    session.UserID(),
		ctx:       ctx,
		cancel:    cancel,
		documents: make(map[string]map[string]struct{}),
	}
}

// recreate produces a fresh subscription sharing handler, params, id and
// name but with empty document tracking, taking its user id from the
// session. The ready flag carries over so a client that already saw ready
// does not see it again after a rerun.
func (s *Subscription) recreate() *Subscription {
	fresh := newSubscription(s.session, s.id, s.name, s.params, s.handler)
	fresh.ready = s.ready
	return fresh
}

// ID returns the client-supplied subscription id, empty for universal subs.
func (s *Subscription) ID() string { return s.id }

// Name returns the publication name.
func (s *Subscription) Name() string { return s.name }

// Params returns the call parameters. They are already cloned from the wire
// message; handlers may inspect but should not retain them.
func (s *Subscription) Params() []interface{} { return s.params }

// UserID returns the user id the subscription was started under.
func (s *Subscription) UserID() string { return s.userID }

// Context is cancelled when the subscription is deactivated.
func (s *Subscription) Context() context.Context { return s.ctx }

// runHandler invokes the publish handler and attaches any returned cursors.
// Initial result sets are delivered synchronously by Observe, so by the time
// Ready is sent every initial document has been published.
func (s *Subscription) runHandler() {
	cursors, err := s.handler(s.ctx, s)
	if err != nil {
		s.error(err)
		return
	}
	if cursors == nil {
		// Manual mode: the handler drives publish calls and Ready itself.
		return
	}

	seen := make(map[string]struct{}, len(cursors))
	for _, c := range cursors {
		if _, dup := seen[c.Collection()]; dup {
			s.error(fmt.Errorf("publish %q returned multiple cursors for collection %q", s.name, c.Collection()))
			return
		}
		seen[c.Collection()] = struct{}{}
	}

	for _, c := range cursors {
		collection := c.Collection()
		stop, err := c.Observe(s.ctx, store.ObserveCallbacks{
			Added: func(id string, fields model.Document) {
				s.Added(collection, id, fields)
			},
			Changed: func(id string, fields model.Document) {
				s.Changed(collection, id, fields)
			},
			Removed: func(id string) {
				s.Removed(collection, id)
			},
		})
		if err != nil {
			s.error(err)
			return
		}
		s.OnStop(stop)
	}

	s.Ready()
}

// Added asserts a document into the client's view.
func (s *Subscription) Added(collection, id string, fields model.Document) {
	s.mu.Lock()
	if s.deactivatedLocked() {
		s.mu.Unlock()
		return
	}
	if s.session.server.publicationStrategy(collection).DoAccountingForCollection {
		ids, ok := s.documents[collection]
		if !ok {
			ids = make(map[string]struct{})
			s.documents[collection] = ids
		}
		ids[id] = struct{}{}
	}
	s.mu.Unlock()

	s.session.viewAdded(s, collection, id, fields.WithoutID())
}

// Changed publishes a field delta for an asserted document; a nil value
// clears that key.
func (s *Subscription) Changed(collection, id string, fields model.Document) {
	s.mu.Lock()
	if s.deactivatedLocked() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.session.viewChanged(s, collection, id, fields.WithoutID())
}

// Removed withdraws a document from the client's view.
func (s *Subscription) Removed(collection, id string) {
	s.mu.Lock()
	if s.deactivatedLocked() {
		s.mu.Unlock()
		return
	}
	if ids, ok := s.documents[collection]; ok {
		delete(ids, id)
	}
	s.mu.Unlock()

	s.session.viewRemoved(s, collection, id)
}

// Ready marks the initial data set complete. Idempotent; named subscriptions
// notify the client.
func (s *Subscription) Ready() {
	s.mu.Lock()
	if s.deactivatedLocked() || s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.mu.Unlock()

	if s.id != "" {
		s.session.sendReady([]string{s.id})
	}
}

// OnStop registers a callback to run exactly once when the subscription is
// deactivated. If it already is, the callback runs immediately.
func (s *Subscription) OnStop(fn func()) {
	s.mu.Lock()
	if s.deactivatedLocked() {
		s.mu.Unlock()
		fn()
		return
	}
	s.stopCallbacks = append(s.stopCallbacks, fn)
	s.mu.Unlock()
}

// Stop tears the subscription down cleanly: its documents are removed from
// the client's view and, for named subscriptions, a nosub is sent.
func (s *Subscription) Stop() {
	s.session.stopSubscription(s, nil)
}

// Error tears the subscription down due to a handler failure; named
// subscriptions receive a nosub carrying the sanitized error.
func (s *Subscription) Error(err error) {
	s.error(err)
}

func (s *Subscription) error(err error) {
	s.session.stopSubscription(s, err)
}

// Unblock releases the session's message queue so the next inbound message
// can be processed before this handler returns. Idempotent.
func (s *Subscription) Unblock() {
	if s.unblock != nil {
		s.unblock()
	}
}

func (s *Subscription) isDeactivated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivatedLocked()
}

// stopped reports plain deactivation without folding in session closure. The
// session's view layer re-checks it under viewMu so a data call racing a
// teardown cannot land after the removal burst.
func (s *Subscription) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

func (s *Subscription) deactivatedLocked() bool {
	return s.deactivated || s.session.isClosed()
}

// deactivate makes the subscription inert and runs stop callbacks exactly
// once. With removeDocs, every document it asserted is withdrawn from the
// session views first, producing the removed burst for documents it was the
// sole contributor to.
func (s *Subscription) deactivate(removeDocs bool) {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return
	}
	s.deactivated = true
	callbacks := s.stopCallbacks
	s.stopCallbacks = nil
	docs := s.documents
	s.documents = make(map[string]map[string]struct{})
	s.mu.Unlock()

	s.cancel()
	for _, fn := range callbacks {
		fn()
	}

	if removeDocs {
		for collection, ids := range docs {
			for id := range ids {
				s.session.viewDiscarded(s.handle, collection, id)
			}
		}
	}
}
