// Package realtime implements the per-connection data synchronization
// engine: sessions, subscriptions, the merge box reconciling overlapping
// publications, and the write fence ordering method side effects against the
// outgoing change stream.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"

	"github.com/syncwirehq/syncwire/internal/config"
	"github.com/syncwirehq/syncwire/internal/identity"
	"github.com/syncwirehq/syncwire/internal/protocol"
	"github.com/syncwirehq/syncwire/pkg/model"
)

// ConnectOptions are the query parameters a client may pass on the
// websocket endpoint.
type ConnectOptions struct {
	// ForwardedHops selects which X-Forwarded-For entry to trust as the
	// client address, counting from the end. Zero trusts the socket peer.
	ForwardedHops int `schema:"forwarded_hops"`
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// Server is the process-wide registry of publish handlers, method handlers,
// publication strategies and live sessions. It is constructed explicitly and
// passed to the connection acceptor; there is no hidden singleton.
type Server struct {
	cfg      config.ServerConfig
	codec    protocol.Codec
	identity *identity.Service
	upgrader websocket.Upgrader

	mu                sync.RWMutex
	publishHandlers   map[string]PublishHandler
	universalPublish  []PublishHandler
	methodHandlers    map[string]MethodHandler
	strategies        map[string]Strategy
	defaultStrategy   Strategy
	sessions          map[string]*Session
	connectionHooks   []func(*Session)
}

// NewServer builds a server. identitySvc may be nil, in which case the
// builtin login and logout methods are not registered.
func NewServer(cfg config.ServerConfig, identitySvc *identity.Service) *Server {
	srv := &Server{
		cfg:             cfg,
		codec:           protocol.JSONCodec{},
		identity:        identitySvc,
		publishHandlers: make(map[string]PublishHandler),
		methodHandlers:  make(map[string]MethodHandler),
		strategies:      make(map[string]Strategy),
		defaultStrategy: StrategyMergeBox,
		sessions:        make(map[string]*Session),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     srv.checkOrigin,
	}
	if identitySvc != nil {
		srv.registerAuthMethods()
	}
	return srv
}

// --- registries ---

// Publish registers a publish handler. An empty name registers a universal
// handler, started immediately on every connected session that is not in an
// identity-change blackout. Re-registering a name is a programmer error;
// the second registration is warned about and ignored.
func (srv *Server) Publish(name string, handler PublishHandler) {
	if name == "" {
		srv.mu.Lock()
		srv.universalPublish = append(srv.universalPublish, handler)
		live := make([]*Session, 0, len(srv.sessions))
		for _, sess := range srv.sessions {
			live = append(live, sess)
		}
		srv.mu.Unlock()

		handlers := srv.universalHandlers()
		for _, sess := range live {
			sess.ensureUniversalSubs(handlers)
		}
		return
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, exists := srv.publishHandlers[name]; exists {
		slog.Warn("ignoring duplicate publication", "name", name)
		return
	}
	srv.publishHandlers[name] = handler
}

// Methods registers RPC handlers. Registering a name twice is an error.
func (srv *Server) Methods(handlers map[string]MethodHandler) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for name := range handlers {
		if _, exists := srv.methodHandlers[name]; exists {
			return fmt.Errorf("a method named %q is already defined", name)
		}
	}
	for name, handler := range handlers {
		srv.methodHandlers[name] = handler
	}
	return nil
}

// SetPublicationStrategy overrides the merge strategy for one collection.
func (srv *Server) SetPublicationStrategy(collection string, strategy Strategy) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.strategies[collection] = strategy
}

// SetDefaultPublicationStrategy replaces the process-wide default strategy.
func (srv *Server) SetDefaultPublicationStrategy(strategy Strategy) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.defaultStrategy = strategy
}

func (srv *Server) publicationStrategy(collection string) Strategy {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	if strategy, ok := srv.strategies[collection]; ok {
		return strategy
	}
	return srv.defaultStrategy
}

func (srv *Server) publishHandler(name string) (PublishHandler, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	handler, ok := srv.publishHandlers[name]
	return handler, ok
}

func (srv *Server) methodHandler(name string) (MethodHandler, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	handler, ok := srv.methodHandlers[name]
	return handler, ok
}

func (srv *Server) universalHandlers() []PublishHandler {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return append([]PublishHandler(nil), srv.universalPublish...)
}

// OnConnection registers a hook run for every newly established session.
func (srv *Server) OnConnection(fn func(*Session)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.connectionHooks = append(srv.connectionHooks, fn)
}

// --- sessions ---

func (srv *Server) addSession(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[sess.id] = sess
}

func (srv *Server) removeSession(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, sess.id)
}

// SessionCount returns the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// Shutdown closes every live session.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.RLock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}
	return nil
}

// --- connection acceptance ---

// ServeWs upgrades an HTTP request to a websocket connection and runs the
// protocol handshake followed by the session's read loop.
func (srv *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	var opts ConnectOptions
	if err := queryDecoder.Decode(&opts, r.URL.Query()); err != nil {
		http.Error(w, "bad query parameters", http.StatusBadRequest)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	remote := remoteAddress(r, opts.ForwardedHops)
	srv.acceptConnection(conn, remote)
}

// acceptConnection reads frames until a valid connect message arrives, then
// hands the transport to a new session. It blocks for the connection's
// lifetime.
func (srv *Server) acceptConnection(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		msg, err := srv.codec.Parse(data)
		if err != nil {
			srv.writeDirect(conn, protocol.NewBadRequest("Parse error", nil))
			continue
		}
		if msg.Msg != protocol.MsgConnect {
			srv.writeDirect(conn, protocol.NewBadRequest("Must connect first", msg))
			continue
		}

		best := protocol.Negotiate(msg.Support, protocol.SupportedVersions)
		if msg.Version != best {
			srv.writeDirect(conn, protocol.NewFailed(best))
			conn.Close()
			return
		}

		sess := newSession(srv, conn, best, remote)
		srv.addSession(sess)

		go sess.writePump()
		go sess.heartbeatLoop(srv.cfg.HeartbeatInterval, srv.cfg.HeartbeatTimeout)
		sess.sendMessage(protocol.NewConnected(sess.id))

		srv.mu.RLock()
		hooks := append([]func(*Session){}, srv.connectionHooks...)
		srv.mu.RUnlock()
		for _, hook := range hooks {
			hook(sess)
		}

		sess.ensureUniversalSubs(srv.universalHandlers())
		sess.readPump()
		return
	}
}

func (srv *Server) writeDirect(conn *websocket.Conn, v interface{}) {
	data, err := srv.codec.Stringify(v)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// checkOrigin accepts non-browser clients, same-host origins, and anything
// on the configured allow list.
func (srv *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range srv.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	// Same host on a different port keeps local development working.
	originHost := strings.Split(u.Host, ":")[0]
	requestHost := strings.Split(r.Host, ":")[0]
	return strings.EqualFold(originHost, requestHost)
}

// remoteAddress returns the client address, walking back hops entries of
// X-Forwarded-For when the deployment sits behind that many proxies.
func remoteAddress(r *http.Request, hops int) string {
	if hops > 0 {
		forwarded := r.Header.Get("X-Forwarded-For")
		if forwarded != "" {
			parts := strings.Split(forwarded, ",")
			idx := len(parts) - hops
			if idx < 0 {
				idx = 0
			}
			return strings.TrimSpace(parts[idx])
		}
	}
	return r.RemoteAddr
}

// --- outward RPC ---

// Call invokes a method by name, as Apply with variadic params.
func (srv *Server) Call(ctx context.Context, method string, params ...interface{}) (interface{}, error) {
	return srv.Apply(ctx, method, params)
}

// Apply invokes a method handler directly on the server. The invocation
// inherits identity and connection from any active outer method or publish
// invocation in ctx, and the result is deep-cloned so shared mutable state
// never leaks across the method boundary.
func (srv *Server) Apply(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	handler, ok := srv.methodHandler(method)
	if !ok {
		return nil, &protocol.Error{Code: 404, Reason: "Method '" + method + "' not found"}
	}

	inv := &MethodInvocation{MethodName: method}
	if outer, found := invocationFromContext(ctx); found {
		inv.session = outer.session
		inv.fence = outer.fence
		inv.unblock = outer.unblock
		inv.userID = outer.UserID()
	}

	result, err := safeInvoke(contextWithInvocation(ctx, inv), handler, inv, model.CloneParams(params))
	if err != nil {
		return nil, err
	}
	return model.Clone(result), nil
}

// --- builtin auth methods ---

func (srv *Server) registerAuthMethods() {
	svc := srv.identity
	err := srv.Methods(map[string]MethodHandler{
		"login": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			if len(params) != 1 {
				return nil, &protocol.Error{Code: 400, Reason: "Malformed login request"}
			}
			opts, ok := params[0].(map[string]interface{})
			if !ok {
				return nil, &protocol.Error{Code: 400, Reason: "Malformed login request"}
			}

			if token, ok := opts["resume"].(string); ok {
				claims, err := svc.ValidateToken(token)
				if err != nil {
					return nil, &protocol.Error{Code: 403, Reason: "Invalid or expired token"}
				}
				if err := inv.SetUserID(claims.Subject); err != nil {
					return nil, err
				}
				return map[string]interface{}{"id": claims.Subject, "token": token}, nil
			}

			username, _ := opts["username"].(string)
			password, _ := opts["password"].(string)
			userID, token, err := svc.Login(username, password)
			if err != nil {
				return nil, &protocol.Error{Code: 403, Reason: "Invalid username or password"}
			}
			if err := inv.SetUserID(userID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"id": userID, "token": token}, nil
		},
		"logout": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			if err := inv.SetUserID(""); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
	if err != nil {
		slog.Error("registering builtin auth methods", "err", err)
	}
}
