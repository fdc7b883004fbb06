package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syncwirehq/syncwire/internal/protocol"
	"github.com/syncwirehq/syncwire/internal/store"
	"github.com/syncwirehq/syncwire/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound frame buffer per session.
	sendBufferSize = 256
)

// Session owns one connection's full subscription set, its merged collection
// views, inbound message ordering, heartbeat, and identity changes.
//
// Inbound messages are drained strictly in arrival order by a single worker;
// a handler opts into concurrency by calling its unblock callback. The merge
// box is guarded by viewMu: every view mutation and the frame it emits happen
// under it, which is what makes the identity-change diff an atomic burst.
type Session struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	codec   protocol.Codec
	version string
	remote  string

	send     chan []byte
	closedCh chan struct{}

	// hbReset is signalled on any inbound traffic.
	hbReset chan struct{}

	mu            sync.Mutex
	inQueue       []*protocol.ClientMessage // nil once closed
	workerRunning bool
	userID        string
	namedSubs     map[string]*Subscription
	universalSubs []*Subscription

	// universalStarted counts how many entries of the server's append-only
	// universal handler list this session has started.
	universalStarted int

	// dontStartNewUniversalSubs blocks universal publications from
	// attaching while an identity change is in flight.
	dontStartNewUniversalSubs bool

	closeOnce      sync.Once
	closeCallbacks []func()

	viewMu          sync.Mutex
	collectionViews map[string]*CollectionView
	isSending       bool
	pendingReady    []string
}

func newSession(server *Server, conn *websocket.Conn, version, remote string) *Session {
	return &Session{
		id:              uuid.New().String(),
		server:          server,
		conn:            conn,
		codec:           server.codec,
		version:         version,
		remote:          remote,
		send:            make(chan []byte, sendBufferSize),
		closedCh:        make(chan struct{}),
		hbReset:         make(chan struct{}, 1),
		inQueue:         []*protocol.ClientMessage{},
		namedSubs:       make(map[string]*Subscription),
		collectionViews: make(map[string]*CollectionView),
		isSending:       true,
	}
}

// ID returns the session id announced in the connected frame.
func (s *Session) ID() string { return s.id }

// UserID returns the current user identity, empty when anonymous.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// RemoteAddr returns the client address, adjusted for forwarded hops.
func (s *Session) RemoteAddr() string { return s.remote }

// Version returns the negotiated protocol version.
func (s *Session) Version() string { return s.version }

// OnClose registers a callback to run after the session is torn down. If the
// session is already closed the callback runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.inQueue == nil {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeCallbacks = append(s.closeCallbacks, fn)
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inQueue == nil
}

// --- outbound ---

func (s *Session) sendMessage(v interface{}) {
	data, err := s.codec.Stringify(v)
	if err != nil {
		slog.Error("encoding outbound frame", "session", s.id, "err", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.closedCh:
	default:
		// Slow consumer: drop the connection rather than block the worker.
		slog.Warn("send buffer full, closing session", "session", s.id)
		go s.Close()
	}
}

// writePump serializes all writes to the websocket connection.
func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.closedCh:
			// Flush what is already buffered before closing.
			for {
				select {
				case data := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

// readPump feeds inbound frames into processMessage until the transport
// drops. At most one reader runs per connection.
func (s *Session) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket closed unexpectedly", "session", s.id, "err", err)
			}
			return
		}

		msg, err := s.codec.Parse(data)
		if err != nil {
			s.sendMessage(protocol.NewBadRequest("Parse error", nil))
			continue
		}
		s.processMessage(msg)
	}
}

// heartbeatLoop pings the client after interval of silence and closes the
// session when no traffic arrives within the timeout.
func (s *Session) heartbeatLoop(interval, timeout time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.closedCh:
			return
		case <-s.hbReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			s.sendMessage(protocol.NewPing(""))
			select {
			case <-s.closedCh:
				return
			case <-s.hbReset:
				timer.Reset(interval)
			case <-time.After(timeout):
				slog.Info("heartbeat timeout", "session", s.id)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) noteActivity() {
	select {
	case s.hbReset <- struct{}{}:
	default:
	}
}

// --- inbound ordering ---

// processMessage enqueues an inbound message for ordered dispatch. Ping and
// pong bypass the queue and are answered immediately.
func (s *Session) processMessage(msg *protocol.ClientMessage) {
	s.noteActivity()

	switch msg.Msg {
	case protocol.MsgPing:
		s.sendMessage(protocol.NewPong(msg.ID))
		return
	case protocol.MsgPong:
		return
	}

	s.mu.Lock()
	if s.inQueue == nil {
		s.mu.Unlock()
		return
	}
	s.inQueue = append(s.inQueue, msg)
	if !s.workerRunning {
		s.workerRunning = true
		go s.worker()
	}
	s.mu.Unlock()
}

// worker drains the inbound queue one message at a time. Each handler runs
// in its own goroutine and holds the queue until it returns or calls
// unblock, whichever comes first.
func (s *Session) worker() {
	for {
		s.mu.Lock()
		if s.inQueue == nil || len(s.inQueue) == 0 {
			s.workerRunning = false
			s.mu.Unlock()
			return
		}
		msg := s.inQueue[0]
		s.inQueue = s.inQueue[1:]
		s.mu.Unlock()

		released := make(chan struct{})
		var once sync.Once
		unblock := func() {
			once.Do(func() { close(released) })
		}

		go func() {
			defer unblock()
			s.dispatch(msg, unblock)
		}()
		<-released
	}
}

func (s *Session) dispatch(msg *protocol.ClientMessage, unblock func()) {
	switch msg.Msg {
	case protocol.MsgSub:
		s.handleSub(msg, unblock)
	case protocol.MsgUnsub:
		s.handleUnsub(msg)
	case protocol.MsgMethod:
		s.handleMethod(msg, unblock)
	default:
		s.sendMessage(protocol.NewBadRequest("Bad request", msg))
	}
}

// --- protocol handlers ---

func (s *Session) handleSub(msg *protocol.ClientMessage, unblock func()) {
	if msg.ID == "" || msg.Name == "" {
		s.sendMessage(protocol.NewBadRequest("Malformed subscription", msg))
		return
	}

	s.mu.Lock()
	existing := s.namedSubs[msg.ID]
	s.mu.Unlock()
	if existing != nil && !existing.isDeactivated() {
		// At-most-once: a reused id while the original is active is
		// silently ignored, which keeps reconnect retries safe.
		return
	}

	handler, ok := s.server.publishHandler(msg.Name)
	if !ok {
		s.sendMessage(protocol.NewNosub(msg.ID, &protocol.Error{
			Code:   404,
			Reason: "Subscription '" + msg.Name + "' not found",
		}))
		return
	}

	sub := newSubscription(s, msg.ID, msg.Name, msg.Params, handler)
	sub.unblock = unblock

	s.mu.Lock()
	if s.inQueue == nil {
		s.mu.Unlock()
		return
	}
	s.namedSubs[msg.ID] = sub
	s.mu.Unlock()

	sub.runHandler()
}

func (s *Session) handleUnsub(msg *protocol.ClientMessage) {
	if msg.ID == "" {
		s.sendMessage(protocol.NewBadRequest("Malformed unsubscription", msg))
		return
	}

	s.mu.Lock()
	sub := s.namedSubs[msg.ID]
	delete(s.namedSubs, msg.ID)
	s.mu.Unlock()

	if sub != nil {
		sub.deactivate(true)
	}
	// nosub is sent whether or not the subscription existed.
	s.sendMessage(protocol.NewNosub(msg.ID, nil))
}

// stopSubscription tears down sub on behalf of Stop or Error, emitting the
// removed burst for its documents and answering named subs with nosub.
func (s *Session) stopSubscription(sub *Subscription, cause error) {
	if sub.isDeactivated() {
		return
	}

	s.mu.Lock()
	if sub.id != "" && s.namedSubs[sub.id] == sub {
		delete(s.namedSubs, sub.id)
	}
	s.mu.Unlock()

	sub.deactivate(true)

	if sub.id != "" && !s.isClosed() {
		var perr *protocol.Error
		if cause != nil {
			perr = sanitizeError("publish "+sub.name, cause)
		}
		s.sendMessage(protocol.NewNosub(sub.id, perr))
	}
}

func (s *Session) handleMethod(msg *protocol.ClientMessage, unblock func()) {
	if msg.ID == "" || msg.Method == "" {
		s.sendMessage(protocol.NewBadRequest("Malformed method invocation", msg))
		return
	}

	handler, ok := s.server.methodHandler(msg.Method)
	if !ok {
		s.sendMessage(protocol.NewUpdated([]string{msg.ID}))
		s.sendMessage(protocol.NewResult(msg.ID, nil, &protocol.Error{
			Code:   404,
			Reason: "Method '" + msg.Method + "' not found",
		}))
		return
	}

	fence := NewWriteFence()
	fence.OnAllCommitted(func() {
		s.sendMessage(protocol.NewUpdated([]string{msg.ID}))
	})

	inv := &MethodInvocation{
		MethodName: msg.Method,
		RandomSeed: msg.RandomSeed,
		session:    s,
		fence:      fence,
		unblock:    unblock,
	}
	ctx := store.ContextWithFence(contextWithInvocation(context.Background(), inv), fence)

	result, err := safeInvoke(ctx, handler, inv, model.CloneParams(msg.Params))

	// The fence is armed even on failure so writes from partial execution
	// are accounted for before updated goes out.
	fence.Arm()

	if err != nil {
		s.sendMessage(protocol.NewResult(msg.ID, nil, sanitizeError("method "+msg.Method, err)))
		return
	}
	s.sendMessage(protocol.NewResult(msg.ID, result, nil))
}

// --- merge box plumbing ---

// viewAdded routes a subscription's added event into the collection view, or
// straight to the wire when the collection's strategy skips merging. The
// deactivation state is re-checked under viewMu: a teardown that won the race
// has already emitted its removal burst, and a stale add would resurrect the
// document.
func (s *Session) viewAdded(sub *Subscription, collection, id string, fields model.Document) {
	strategy := s.server.publicationStrategy(collection)

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if sub.stopped() {
		return
	}
	if !strategy.UseCollectionView {
		s.sendAdded(collection, id, fields)
		return
	}
	s.getViewLocked(collection, strategy).added(sub.handle, id, fields)
}

func (s *Session) viewChanged(sub *Subscription, collection, id string, fields model.Document) {
	strategy := s.server.publicationStrategy(collection)

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if sub.stopped() {
		return
	}
	if !strategy.UseCollectionView {
		s.sendChanged(collection, id, fields)
		return
	}
	if cv, ok := s.collectionViews[collection]; ok {
		cv.changed(sub.handle, id, fields)
	}
}

func (s *Session) viewRemoved(sub *Subscription, collection, id string) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if sub.stopped() {
		return
	}
	s.discardFromViewLocked(sub.handle, collection, id)
}

// viewDiscarded withdraws a document on behalf of a subscription that is
// already deactivated (the teardown burst).
func (s *Session) viewDiscarded(handle, collection, id string) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.discardFromViewLocked(handle, collection, id)
}

func (s *Session) discardFromViewLocked(handle, collection, id string) {
	strategy := s.server.publicationStrategy(collection)
	if !strategy.UseCollectionView {
		s.sendRemoved(collection, id)
		return
	}
	cv, ok := s.collectionViews[collection]
	if !ok {
		return
	}
	cv.removed(handle, id)
	if cv.isEmpty() {
		delete(s.collectionViews, collection)
	}
}

func (s *Session) getViewLocked(collection string, strategy Strategy) *CollectionView {
	cv, ok := s.collectionViews[collection]
	if !ok {
		cv = newCollectionView(collection, strategy, s)
		s.collectionViews[collection] = cv
	}
	return cv
}

// sendAdded, sendChanged and sendRemoved implement viewCallbacks. They are
// called with viewMu held; isSending gates them during an identity change.
func (s *Session) sendAdded(collection, id string, fields model.Document) {
	if !s.isSending {
		return
	}
	s.sendMessage(protocol.NewAdded(collection, id, fields))
}

func (s *Session) sendChanged(collection, id string, fields model.Document) {
	if !s.isSending || len(fields) == 0 {
		return
	}
	changed := model.Document{}
	var cleared []string
	for key, value := range fields {
		if value == nil {
			cleared = append(cleared, key)
		} else {
			changed[key] = value
		}
	}
	s.sendMessage(protocol.NewChanged(collection, id, changed, cleared))
}

func (s *Session) sendRemoved(collection, id string) {
	if !s.isSending {
		return
	}
	s.sendMessage(protocol.NewRemoved(collection, id))
}

// sendReady notifies the client, buffering during an identity-change
// blackout so ready never outruns the reconciling diff burst.
func (s *Session) sendReady(subIDs []string) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.isSending {
		s.sendMessage(protocol.NewReady(subIDs))
		return
	}
	s.pendingReady = append(s.pendingReady, subIDs...)
}

// --- identity change ---

// setUserID suspends outgoing traffic, deactivates every subscription
// without remove traffic, reruns them under the new identity, and emits the
// structural diff between the old and new views as a single atomic burst.
func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	if s.inQueue == nil {
		s.mu.Unlock()
		return
	}
	s.dontStartNewUniversalSubs = true
	subs := make([]*Subscription, 0, len(s.namedSubs)+len(s.universalSubs))
	oldNamed := s.namedSubs
	for _, sub := range oldNamed {
		subs = append(subs, sub)
	}
	subs = append(subs, s.universalSubs...)
	s.mu.Unlock()

	// Blackout: stop sending and snapshot the views.
	s.viewMu.Lock()
	s.isSending = false
	beforeViews := s.collectionViews
	s.collectionViews = make(map[string]*CollectionView)
	s.viewMu.Unlock()

	for _, sub := range subs {
		sub.deactivate(false)
	}

	s.mu.Lock()
	s.userID = userID
	s.namedSubs = make(map[string]*Subscription)
	s.universalSubs = nil
	s.universalStarted = 0
	s.mu.Unlock()

	// Rerun every named subscription under the new identity. Their publish
	// calls rebuild the views silently while isSending is false.
	for id, old := range oldNamed {
		fresh := old.recreate()
		s.mu.Lock()
		if s.inQueue == nil {
			s.mu.Unlock()
			return
		}
		s.namedSubs[id] = fresh
		s.mu.Unlock()
		fresh.runHandler()
	}

	s.mu.Lock()
	s.dontStartNewUniversalSubs = false
	s.mu.Unlock()
	s.ensureUniversalSubs(s.server.universalHandlers())

	// Resume sending and reconcile old and new state in one burst; holding
	// viewMu keeps other outgoing traffic from interleaving.
	s.viewMu.Lock()
	s.isSending = true
	for name, before := range beforeViews {
		now, ok := s.collectionViews[name]
		if !ok {
			now = newCollectionView(name, before.strategy, s)
		}
		now.diff(before)
	}
	for name, now := range s.collectionViews {
		if _, ok := beforeViews[name]; !ok {
			now.diff(newCollectionView(name, now.strategy, s))
		}
	}
	if len(s.pendingReady) > 0 {
		s.sendMessage(protocol.NewReady(s.pendingReady))
		s.pendingReady = nil
	}
	s.viewMu.Unlock()
}

// ensureUniversalSubs starts any universal publish handlers this session has
// not run yet, unless an identity change is in flight. The handler list is
// append-only, so the per-session count makes each handler start at most once
// even when a late registration races an identity-change rerun.
func (s *Session) ensureUniversalSubs(handlers []PublishHandler) {
	for {
		s.mu.Lock()
		if s.inQueue == nil || s.dontStartNewUniversalSubs || s.universalStarted >= len(handlers) {
			s.mu.Unlock()
			return
		}
		handler := handlers[s.universalStarted]
		s.universalStarted++
		sub := newSubscription(s, "", "", nil, handler)
		s.universalSubs = append(s.universalSubs, sub)
		s.mu.Unlock()

		sub.runHandler()
	}
}

// --- teardown ---

// Close is idempotent. It marks the session dead, drops view state, stops
// the heartbeat and transport, deregisters from the server, and defers
// subscription stop callbacks so the closer never blocks on them.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.inQueue = nil
		subs := make([]*Subscription, 0, len(s.namedSubs)+len(s.universalSubs))
		for _, sub := range s.namedSubs {
			subs = append(subs, sub)
		}
		subs = append(subs, s.universalSubs...)
		s.namedSubs = make(map[string]*Subscription)
		s.universalSubs = nil
		callbacks := s.closeCallbacks
		s.closeCallbacks = nil
		s.mu.Unlock()

		s.viewMu.Lock()
		s.collectionViews = make(map[string]*CollectionView)
		s.isSending = false
		s.viewMu.Unlock()

		close(s.closedCh)
		s.conn.Close()
		s.server.removeSession(s)

		go func() {
			for _, sub := range subs {
				sub.deactivate(false)
			}
			for _, fn := range callbacks {
				fn()
			}
		}()
	})
}
