package p2p

import "encoding/json"

// Remote verbs exchanged on the transport (§6). The transport itself is an
// external collaborator; these are the two verb names it is expected to
// dispatch by.
const (
	VerbRPCRequest    = "rpc-request"
	VerbRemoteMessage = "remote-message"
)

// Built-in RPC procedures.
const (
	ProcedureStatus       = "status"
	ProcedureList         = "list"
	ProcedureUpdateMyself = "updateMyself"
	ProcedurePing         = "ping"
)

// Built-in fire-and-forget message events.
const EventNodeInfoChanged = "nodeInfoChanged"

// Disconnect status codes (§6). 1000 and the five named codes are reserved;
// anything else is a transport-specific close reason.
const (
	StatusIntentionalDisconnect       = 1000
	StatusIncompatibleProtocolVersion = 4001
	StatusIncompatibleNetwork         = 4002
	StatusForbiddenConnection         = 4003
	StatusFailedToRespond             = 4004
	StatusEvictedPeer                 = 4005
)

// disconnectReasons maps the reserved codes to a stable, loggable string.
var disconnectReasons = map[int]string{
	StatusIntentionalDisconnect:       "intentionally disconnected",
	StatusIncompatibleProtocolVersion: "incompatible protocol version",
	StatusIncompatibleNetwork:         "incompatible network",
	StatusForbiddenConnection:         "forbidden connection",
	StatusFailedToRespond:             "failed to respond",
	StatusEvictedPeer:                 "evicted",
}

// sanitizeCloseReason looks up a known status code's stable reason string,
// falling back to a generic description for transport-specific codes so a
// raw, possibly attacker-controlled close reason is never logged verbatim.
func sanitizeCloseReason(code int) string {
	if reason, ok := disconnectReasons[code]; ok {
		return reason
	}
	return "transport closed"
}

// rpcEnvelope is the wire shape of a request/response verb payload.
type rpcEnvelope struct {
	Type      string          `json:"type"`
	Procedure string          `json:"procedure"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// messageEnvelope is the wire shape of a fire-and-forget verb payload.
type messageEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// listResponse is the payload returned by the built-in "list" procedure.
type listResponse struct {
	Peers []PeerInfo `json:"peers"`
}

// rpcErrorResponse is returned on the responder's Error path.
type rpcErrorResponse struct {
	Error string `json:"error"`
}
