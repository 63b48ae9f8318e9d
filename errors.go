package p2p

import "errors"

// Sentinel errors for the taxonomy a calling application is expected to branch
// on. Call sites wrap these with fmt.Errorf("...: %w", ErrX) to attach peer or
// procedure context; callers unwrap with errors.Is or the Is* helpers below.
var (
	// ErrInvalidPeer indicates a peer-info payload failed validation (bad size,
	// malformed IP/port, invalid semver).
	ErrInvalidPeer = errors.New("p2p: invalid peer info")

	// ErrInvalidRPCRequest indicates an inbound RPC request payload is
	// malformed (missing or non-string procedure).
	ErrInvalidRPCRequest = errors.New("p2p: invalid rpc request")

	// ErrInvalidProtocolMessage indicates an inbound fire-and-forget message
	// payload is malformed (missing or non-string event).
	ErrInvalidProtocolMessage = errors.New("p2p: invalid protocol message")

	// ErrInvalidRPCResponse indicates a response body failed validation.
	ErrInvalidRPCResponse = errors.New("p2p: invalid rpc response")

	// ErrRPCTimeout indicates the remote peer did not respond to a request
	// within ackTimeout. Disconnects the peer.
	ErrRPCTimeout = errors.New("p2p: rpc timeout")

	// ErrRPCResponseError indicates a transport-level error occurred while
	// performing a request, or the response body was falsy. Does not
	// disconnect the peer.
	ErrRPCResponseError = errors.New("p2p: rpc response error")

	// ErrResponseAlreadySent indicates a responder was used more than once.
	ErrResponseAlreadySent = errors.New("p2p: response already sent")

	// ErrRequestFail indicates request() could not find an eligible peer or
	// the supplied peerId is unknown.
	ErrRequestFail = errors.New("p2p: request failed")

	// ErrSendFail indicates send() could not find an eligible peer or the
	// supplied peerId is unknown.
	ErrSendFail = errors.New("p2p: send failed")

	// ErrPeerInboundHandshakeError indicates an inbound connection failed
	// handshake/validation before a session was created.
	ErrPeerInboundHandshakeError = errors.New("p2p: inbound handshake failed")

	// ErrPeerOutboundConnectionError indicates an outbound dial or handshake
	// failed before a session was created.
	ErrPeerOutboundConnectionError = errors.New("p2p: outbound connection failed")

	// ErrUnsupportedAddress indicates bucketId was asked to hash an address
	// whose classifyNetwork result is networkOther.
	ErrUnsupportedAddress = errors.New("p2p: unsupported address")

	// ErrSocketClosed indicates an operation was attempted on a session whose
	// state is already closed.
	ErrSocketClosed = errors.New("p2p: socket does not exist")

	// ErrUnknownPeer indicates an operation referenced a peerId not present
	// in either pool map.
	ErrUnknownPeer = errors.New("p2p: unknown peer")
)

// IsInvalidPeer reports whether err originated from peer-info validation.
func IsInvalidPeer(err error) bool { return errors.Is(err, ErrInvalidPeer) }

// IsInvalidRPCRequest reports whether err originated from RPC request validation.
func IsInvalidRPCRequest(err error) bool { return errors.Is(err, ErrInvalidRPCRequest) }

// IsInvalidProtocolMessage reports whether err originated from message validation.
func IsInvalidProtocolMessage(err error) bool {
	return errors.Is(err, ErrInvalidProtocolMessage)
}

// IsRPCTimeout reports whether err is a request timeout.
func IsRPCTimeout(err error) bool { return errors.Is(err, ErrRPCTimeout) }

// IsRPCResponseError reports whether err is a non-timeout transport/response error.
func IsRPCResponseError(err error) bool { return errors.Is(err, ErrRPCResponseError) }

// IsResponseAlreadySent reports whether err is a double-answer programmer error.
func IsResponseAlreadySent(err error) bool { return errors.Is(err, ErrResponseAlreadySent) }

// IsSocketClosed reports whether err indicates the session is already closed.
func IsSocketClosed(err error) bool { return errors.Is(err, ErrSocketClosed) }
