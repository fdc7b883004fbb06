// Package protocol defines the wire message shapes exchanged between clients
// and the sync server, the JSON codec, and protocol version negotiation.
package protocol

import (
	"encoding/json"

	"github.com/syncwirehq/syncwire/pkg/model"
)

// Client -> server message types.
const (
	MsgConnect = "connect"
	MsgSub     = "sub"
	MsgUnsub   = "unsub"
	MsgMethod  = "method"
	MsgPing    = "ping"
	MsgPong    = "pong"
)

// Server -> client message types.
const (
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgNosub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgReady     = "ready"
	MsgUpdated   = "updated"
	MsgResult    = "result"
	MsgError     = "error"
)

// ClientMessage is the union of all inbound message shapes. Shape validation
// beyond JSON well-formedness happens in the session dispatch layer.
type ClientMessage struct {
	Msg string `json:"msg"`

	// connect
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Session string   `json:"session,omitempty"`

	// sub / unsub / method / ping
	ID         string        `json:"id,omitempty"`
	Name       string        `json:"name,omitempty"`
	Params     []interface{} `json:"params,omitempty"`
	Method     string        `json:"method,omitempty"`
	RandomSeed string        `json:"randomSeed,omitempty"`
}

// Error is the client-visible error payload carried on nosub/result/error
// frames. Reason is safe to forward; Details optionally carries structured
// context that has been sanitized for the client.
type Error struct {
	Code    int         `json:"error"`
	Reason  string      `json:"reason,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Reason
}

// Connected acknowledges a successful handshake.
type Connected struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

func NewConnected(sessionID string) Connected {
	return Connected{Msg: MsgConnected, Session: sessionID}
}

// Failed rejects a handshake, naming the best version the server supports.
type Failed struct {
	Msg     string `json:"msg"`
	Version string `json:"version"`
}

func NewFailed(version string) Failed {
	return Failed{Msg: MsgFailed, Version: version}
}

// Nosub tells the client a subscription is gone, optionally with an error.
type Nosub struct {
	Msg   string `json:"msg"`
	ID    string `json:"id"`
	Error *Error `json:"error,omitempty"`
}

func NewNosub(id string, err *Error) Nosub {
	return Nosub{Msg: MsgNosub, ID: id, Error: err}
}

// Added announces a document newly visible to the client.
type Added struct {
	Msg        string         `json:"msg"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     model.Document `json:"fields,omitempty"`
}

func NewAdded(collection, id string, fields model.Document) Added {
	return Added{Msg: MsgAdded, Collection: collection, ID: id, Fields: fields}
}

// Changed carries the delta for a visible document: updated field values plus
// the keys whose effective value disappeared entirely.
type Changed struct {
	Msg        string         `json:"msg"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     model.Document `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`
}

func NewChanged(collection, id string, fields model.Document, cleared []string) Changed {
	return Changed{Msg: MsgChanged, Collection: collection, ID: id, Fields: fields, Cleared: cleared}
}

// Removed announces a document no longer visible to the client.
type Removed struct {
	Msg        string `json:"msg"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func NewRemoved(collection, id string) Removed {
	return Removed{Msg: MsgRemoved, Collection: collection, ID: id}
}

// Ready lists subscriptions whose initial data set is complete.
type Ready struct {
	Msg  string   `json:"msg"`
	Subs []string `json:"subs"`
}

func NewReady(subs []string) Ready {
	return Ready{Msg: MsgReady, Subs: subs}
}

// Updated lists methods whose writes are fully reflected in the data stream.
type Updated struct {
	Msg     string   `json:"msg"`
	Methods []string `json:"methods"`
}

func NewUpdated(methods []string) Updated {
	return Updated{Msg: MsgUpdated, Methods: methods}
}

// Result carries a method's return value or error.
type Result struct {
	Msg    string      `json:"msg"`
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

func NewResult(id string, result interface{}, err *Error) Result {
	return Result{Msg: MsgResult, ID: id, Result: result, Error: err}
}

// BadRequest is the generic reply to a structurally invalid message.
type BadRequest struct {
	Msg              string      `json:"msg"`
	Reason           string      `json:"reason"`
	OffendingMessage interface{} `json:"offendingMessage,omitempty"`
}

func NewBadRequest(reason string, offending interface{}) BadRequest {
	return BadRequest{Msg: MsgError, Reason: reason, OffendingMessage: offending}
}

// Ping is a server-initiated liveness probe.
type Ping struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

func NewPing(id string) Ping {
	return Ping{Msg: MsgPing, ID: id}
}

// Pong answers a ping, echoing its id when present.
type Pong struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

func NewPong(id string) Pong {
	return Pong{Msg: MsgPong, ID: id}
}

// RawMessage re-exports json.RawMessage for collaborators that buffer frames.
type RawMessage = json.RawMessage
