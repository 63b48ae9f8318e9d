// Package transport defines the duplex, multi-verb connection abstraction
// the p2p package builds sessions on top of. The wire transport itself
// (WebSocket framing, TLS, request/reply correlation) is treated as an
// external collaborator; this package only fixes the shape of that
// collaboration so p2p can be exercised against an in-memory fake in tests
// and a real websocket in production.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by any operation performed on a closed Conn.
var ErrClosed = errors.New("transport: connection closed")

// ErrResponseAlreadySent is returned by a Frame's Reply function on any call
// past the first; a request verb gets exactly one rpc-response.
var ErrResponseAlreadySent = errors.New("transport: response already sent")

// Frame is one inbound unit read off a Conn: either a request awaiting a
// reply (Reply non-nil) or a fire-and-forget message (Reply nil). Reply is
// safe to call from any goroutine but only the first call is delivered;
// subsequent calls return ErrResponseAlreadySent without touching the wire.
type Frame struct {
	Verb  string
	Data  json.RawMessage
	Reply func(data json.RawMessage, err error) error
}

// Conn is a single ordered, bidirectional connection to a remote peer. It is
// the minimal surface the session state machine (p2p.Session) needs: an
// outbound request verb with a reply, an outbound fire-and-forget verb, an
// inbound frame stream, and a close with a status code and reason.
//
// Implementations must deliver Frames in arrival order and must not invoke
// more than one in-flight call to Request concurrently per remote procedure
// slot — ordering beyond that is the caller's responsibility.
type Conn interface {
	// Request sends procedure/data as a request/reply verb and blocks until a
	// response arrives, ctx is done, or the connection closes.
	Request(ctx context.Context, procedure string, data json.RawMessage) (json.RawMessage, error)

	// Send sends event/data as a fire-and-forget verb. It does not block on a
	// reply; delivery is best-effort.
	Send(event string, data json.RawMessage) error

	// Frames returns the channel of inbound frames. It is closed when the
	// connection closes.
	Frames() <-chan Frame

	// RemoteAddr is the textual "host:port" of the remote endpoint.
	RemoteAddr() string

	// Close closes the connection. JSONConn and the in-memory pipe do not
	// transmit code/reason to the remote side. Close is idempotent.
	Close(code int, reason string) error
}

// Dialer opens an outbound Conn to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// DefaultRequestTimeout is used by callers that don't set a context deadline
// of their own before calling Conn.Request.
const DefaultRequestTimeout = 2 * time.Second
