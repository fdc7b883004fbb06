package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syncwirehq/syncwire/internal/ctxkeys"
	"github.com/syncwirehq/syncwire/internal/protocol"
)

// MethodHandler implements one RPC method. The context carries the write
// fence and the invocation, so data-layer writes made through it are tracked
// by the fence and nested server.Apply calls inherit the caller's identity.
type MethodHandler func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error)

// MethodInvocation exposes the calling connection to a method handler.
type MethodInvocation struct {
	// MethodName is the method being invoked.
	MethodName string

	// RandomSeed is the client-supplied seed for deterministic id
	// generation, empty when the client did not send one.
	RandomSeed string

	session *Session
	fence   *WriteFence
	unblock func()

	// userID backs UserID for server-initiated invocations with no session.
	userID string
}

// UserID returns the authenticated user id of the connection, empty when
// anonymous. Server-initiated invocations carry the id inherited from the
// outer invocation, if any.
func (inv *MethodInvocation) UserID() string {
	if inv.session != nil {
		return inv.session.UserID()
	}
	return inv.userID
}

// ConnectionID returns the session id of the calling connection, empty for
// server-initiated calls.
func (inv *MethodInvocation) ConnectionID() string {
	if inv.session != nil {
		return inv.session.ID()
	}
	return ""
}

// SetUserID changes the connection's user identity, rerunning every
// publication under the new identity. Blocks until the client's view has
// been reconciled.
func (inv *MethodInvocation) SetUserID(userID string) error {
	if inv.session == nil {
		return errors.New("SetUserID requires a connection")
	}
	inv.session.setUserID(userID)
	return nil
}

// Unblock releases the session's message queue so the next inbound message
// can be processed before this handler returns. Idempotent; a no-op for
// server-initiated calls.
func (inv *MethodInvocation) Unblock() {
	if inv.unblock != nil {
		inv.unblock()
	}
}

// invocationFromContext returns the active method invocation, if any.
func invocationFromContext(ctx context.Context) (*MethodInvocation, bool) {
	inv, ok := ctx.Value(ctxkeys.KeyMethodInvocation).(*MethodInvocation)
	return inv, ok
}

// contextWithInvocation attaches inv to ctx.
func contextWithInvocation(ctx context.Context, inv *MethodInvocation) context.Context {
	return context.WithValue(ctx, ctxkeys.KeyMethodInvocation, inv)
}

// safeInvoke runs a method handler, converting a panic into an error so a
// misbehaving handler never kills the session worker.
func safeInvoke(ctx context.Context, handler MethodHandler, inv *MethodInvocation, params []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %s panicked: %v", inv.MethodName, r)
		}
	}()
	return handler(ctx, inv, params)
}

// sanitizeError maps a handler error to a client-visible payload. A
// *protocol.Error is considered client-safe and forwarded verbatim; anything
// else is logged and replaced with a generic internal error.
func sanitizeError(context string, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	slog.Error("handler error", "context", context, "err", err)
	return &protocol.Error{Code: 500, Reason: "Internal server error"}
}
