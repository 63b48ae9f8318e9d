package p2p

import (
	"time"

	"github.com/nhbmesh/p2p/transport"
)

// SessionKind distinguishes who initiated the connection.
type SessionKind int

const (
	Inbound SessionKind = iota
	Outbound
)

func (k SessionKind) String() string {
	if k == Outbound {
		return "outbound"
	}
	return "inbound"
}

// SessionState is the connection lifecycle state (§4.4).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// Productivity tracks request/response balance for a session (§3, §4.4).
// Invariant: ResponseRate = ResponseCounter / max(RequestCounter, 1).
type Productivity struct {
	RequestCounter  uint64
	ResponseCounter uint64
	ResponseRate    float64
	LastResponded   time.Time
}

// Session is an active connection to a discovered peer (§3, §4.4). A Session
// is owned by exactly one Pool map and is mutated only from that pool's
// mailbox loop (§5.1); it carries no internal lock of its own.
type Session struct {
	PeerInfo    PeerInfo
	PeerID      string
	Kind        SessionKind
	State       SessionState
	Reputation  int
	Latency     time.Duration
	ConnectTime time.Time
	Persistent  bool

	WSMessageCount uint64
	WSMessageRate  float64

	RPCCounter map[string]uint64
	RPCRates   map[string]float64

	MessageCounter map[string]uint64
	MessageRates   map[string]float64

	Productivity Productivity

	conn   transport.Conn
	banned bool
}

// newSession constructs a Session in the StateConnecting state. Callers
// transition it to StateOpen once the transport connection is established.
func newSession(info PeerInfo, peerID string, kind SessionKind, conn transport.Conn) *Session {
	return &Session{
		PeerInfo:       info,
		PeerID:         peerID,
		Kind:           kind,
		State:          StateConnecting,
		Reputation:     100,
		RPCCounter:     make(map[string]uint64),
		RPCRates:       make(map[string]float64),
		MessageCounter: make(map[string]uint64),
		MessageRates:   make(map[string]float64),
		conn:           conn,
	}
}

// markOpen transitions connecting -> open, idempotent once already open.
func (s *Session) markOpen(now time.Time) {
	if s.State != StateConnecting {
		return
	}
	s.State = StateOpen
	s.ConnectTime = now
}

// isClosed reports whether the session has already terminated.
func (s *Session) isClosed() bool { return s.State == StateClosed }

// markClosed transitions to the closed terminal state. Returns false if the
// session was already closed, so the caller can avoid double-emitting
// closeInbound/closeOutbound events — disconnect is idempotent (§5).
func (s *Session) markClosed() bool {
	if s.State == StateClosed {
		return false
	}
	s.State = StateClosed
	return true
}

// recordOutboundRequest increments the productivity request counter. Called
// once per outgoing request, before the transport call is dispatched.
func (s *Session) recordOutboundRequest() {
	s.Productivity.RequestCounter++
}

// recordResponse records a successful response to an earlier request,
// maintaining the ResponseRate = ResponseCounter/RequestCounter invariant.
func (s *Session) recordResponse(now time.Time) {
	s.Productivity.LastResponded = now
	s.Productivity.ResponseCounter++
	denom := s.Productivity.RequestCounter
	if denom == 0 {
		denom = 1
	}
	s.Productivity.ResponseRate = float64(s.Productivity.ResponseCounter) / float64(denom)
}

// resetProductivityIfStale implements §4.4's productivity reset: if no
// response has landed within resetInterval, productivity zeros out.
func (s *Session) resetProductivityIfStale(now time.Time, resetInterval time.Duration) {
	if s.Productivity.LastResponded.IsZero() {
		return
	}
	if s.Productivity.LastResponded.Before(now.Add(-resetInterval)) {
		s.Productivity = Productivity{}
	}
}

// recordWSMessage bumps the raw per-connection inbound frame counter,
// independent of procedure/event-specific accounting.
func (s *Session) recordWSMessage() {
	s.WSMessageCount++
}

// recordInboundRPC bumps procedure's counter and returns its last-computed
// per-second rate (rotated by tickRates), for inclusion in the P2PRequest
// snapshot handed to RPC handlers.
func (s *Session) recordInboundRPC(procedure string) float64 {
	s.RPCCounter[procedure]++
	return s.RPCRates[procedure]
}

// recordInboundMessage bumps event's counter and returns its last-computed
// per-second rate.
func (s *Session) recordInboundMessage(event string) float64 {
	s.MessageCounter[event]++
	return s.MessageRates[event]
}

// tickRates implements §4.4's rate-accounting timer. intervalMS is the
// configured rateInterval in milliseconds. It returns true if the session
// should be penalized this tick for exceeding wsMaxMessageRate, in which
// case rotation is skipped entirely (the counters are left for the next
// tick) and the caller is responsible for invoking applyPenalty.
func (s *Session) tickRates(intervalMS float64, wsMaxMessageRate float64) (exceeded bool) {
	wsRate := float64(s.WSMessageCount) * 1000 / intervalMS
	if wsRate > wsMaxMessageRate {
		return true
	}

	for proc, count := range s.RPCCounter {
		s.RPCRates[proc] = float64(count) / intervalMS * 1000
		s.RPCCounter[proc] = 0
	}
	for event, count := range s.MessageCounter {
		s.MessageRates[event] = float64(count) / intervalMS * 1000
		s.MessageCounter[event] = 0
	}
	s.WSMessageRate = wsRate
	s.WSMessageCount = 0
	return false
}

// applyPenalty subtracts n from reputation. If the result drops to or below
// zero and the session hasn't already been flagged for ban, it returns true
// exactly once so the caller can emit banPeer and disconnect with
// FORBIDDEN_CONNECTION (§4.4).
func (s *Session) applyPenalty(n int) (shouldBan bool) {
	s.Reputation -= n
	if s.Reputation <= 0 && !s.banned {
		s.banned = true
		return true
	}
	return false
}
