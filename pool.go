package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/nhbmesh/p2p/transport"
)

// Event is one entry in the facade's observable event stream (§6). Name is
// one of the stable event names enumerated in §6; Data carries whatever
// fields that event documents (peerId, reason, rate, ...).
type Event struct {
	Name string
	Data map[string]any
}

// poolCommand is one closure run exclusively on Pool.run's goroutine. Every
// exported Pool method builds one of these and sends it on the mailbox,
// which is what gives PeerPool/PeerSession/PeerBook their "single logical
// actor" property (§5) without a mutex.
type poolCommand func()

// Pool is the peer-pool connection manager (§3, §4.5): inbound/outbound
// session maps, quota enforcement, eviction, shuffling, and ban/unban.
type Pool struct {
	cfg      Config
	nodeInfo NodeInfo
	book     *PeerBook
	logger   *slog.Logger
	metrics  *Metrics

	mailbox chan poolCommand
	events  chan Event
	done    chan struct{}

	outboundPeerMap map[string]*Session
	inboundPeerMap  map[string]*Session

	banTimers map[string]*time.Timer

	rand *rand.Rand
}

// NewPool constructs a Pool. Start must be called to begin processing.
func NewPool(cfg Config, nodeInfo NodeInfo, logger *slog.Logger, metrics *Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	book := NewPeerBook(cfg.Secret, cfg.BucketCount, cfg.BucketSize)
	if cfg.BucketHashFunc != nil {
		book.SetHashFunc(cfg.BucketHashFunc)
	}
	book.lists = sanitizePeerLists(cfg.PeerLists)
	return &Pool{
		cfg:             cfg,
		nodeInfo:        nodeInfo,
		book:            book,
		logger:          logger,
		metrics:         metrics,
		mailbox:         make(chan poolCommand, 256),
		events:          make(chan Event, 256),
		done:            make(chan struct{}),
		outboundPeerMap: make(map[string]*Session),
		inboundPeerMap:  make(map[string]*Session),
		banTimers:       make(map[string]*time.Timer),
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the pool's single mailbox goroutine plus its shuffle timer.
func (p *Pool) Start(ctx context.Context) {
	go p.run(ctx)
	go p.shuffleLoop(ctx)
}

// Events returns the pool's outward event stream; the facade re-emits these.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			p.shutdownLocked(StatusIntentionalDisconnect, "pool stopped")
			return
		case cmd := <-p.mailbox:
			cmd()
		}
	}
}

// submit sends cmd to the mailbox and blocks until it runs, returning
// ctx.Err() if ctx is done first.
func (p *Pool) submit(ctx context.Context, cmd poolCommand) error {
	done := make(chan struct{})
	wrapped := func() {
		cmd()
		close(done)
	}
	select {
	case p.mailbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("p2p: pool stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) emit(name string, data map[string]any) {
	select {
	case p.events <- Event{Name: name, Data: data}:
	default:
	}
}

// AddInbound admits a newly-accepted connection. If the inbound map is at or
// over maxInbound*(moduleCount+ModuleCountFactor), one inbound peer is
// evicted first (§4.5).
func (p *Pool) AddInbound(ctx context.Context, conn transport.Conn, info PeerInfo) (*Session, error) {
	var result *Session
	var resultErr error
	err := p.submit(ctx, func() {
		result, resultErr = p.addInboundLocked(conn, info, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return result, resultErr
}

func (p *Pool) addInboundLocked(conn transport.Conn, info PeerInfo, now time.Time) (*Session, error) {
	peerID, err := info.PeerID()
	if err != nil {
		return nil, err
	}
	if existing, ok := p.inboundPeerMap[peerID]; ok {
		conn.Close(StatusForbiddenConnection, "already connected")
		return existing, nil
	}

	quota := p.cfg.MaxInboundConnections * (p.nodeInfo.ModuleCount() + p.cfg.ModuleCountFactor)
	if len(p.inboundPeerMap) >= quota {
		if victim := p.evictionCandidateLocked(); victim != "" {
			p.disconnectLocked(victim, StatusEvictedPeer, "inbound capacity")
		}
	}

	s := newSession(info, peerID, Inbound, conn)
	s.markOpen(now)
	p.inboundPeerMap[peerID] = s
	p.book.upgradeNewToTried(peerID, now)
	p.emit("discoveredPeer", map[string]any{"peerId": peerID})
	p.metrics.RecordDiscovered()
	p.metrics.SetPeerCounts(len(p.inboundPeerMap), len(p.outboundPeerMap))
	return s, nil
}

// AddOutbound adds an outbound session, idempotent by peerId (§4.5).
func (p *Pool) AddOutbound(ctx context.Context, conn transport.Conn, info PeerInfo) (*Session, error) {
	var result *Session
	var resultErr error
	err := p.submit(ctx, func() {
		result, resultErr = p.addOutboundLocked(conn, info, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return result, resultErr
}

func (p *Pool) addOutboundLocked(conn transport.Conn, info PeerInfo, now time.Time) (*Session, error) {
	peerID, err := info.PeerID()
	if err != nil {
		return nil, err
	}
	if existing, ok := p.outboundPeerMap[peerID]; ok {
		conn.Close(StatusForbiddenConnection, "already connected")
		return existing, nil
	}
	s := newSession(info, peerID, Outbound, conn)
	s.markOpen(now)
	p.outboundPeerMap[peerID] = s
	p.book.upgradeNewToTried(peerID, now)
	p.emit("connectOutbound", map[string]any{"peerId": peerID})
	p.metrics.SetPeerCounts(len(p.inboundPeerMap), len(p.outboundPeerMap))
	return s, nil
}

// Remove disconnects and removes peerID from whichever map holds it.
func (p *Pool) Remove(ctx context.Context, peerID string, code int, reason string) error {
	return p.submit(ctx, func() {
		p.disconnectLocked(peerID, code, reason)
	})
}

func (p *Pool) disconnectLocked(peerID string, code int, reason string) {
	if s, ok := p.inboundPeerMap[peerID]; ok {
		if s.markClosed() {
			s.conn.Close(code, sanitizeCloseReason(code))
			delete(p.inboundPeerMap, peerID)
			p.emit("closeInbound", map[string]any{"peerId": peerID, "code": code, "reason": reason})
			p.emit("removePeer", map[string]any{"peerId": peerID})
			p.metrics.RecordDisconnect(code)
			p.metrics.RemovePeer(peerID)
			p.metrics.SetPeerCounts(len(p.inboundPeerMap), len(p.outboundPeerMap))
		}
		return
	}
	if s, ok := p.outboundPeerMap[peerID]; ok {
		if s.markClosed() {
			s.conn.Close(code, sanitizeCloseReason(code))
			delete(p.outboundPeerMap, peerID)
			p.emit("closeOutbound", map[string]any{"peerId": peerID, "code": code, "reason": reason})
			p.emit("removePeer", map[string]any{"peerId": peerID})
			p.metrics.RecordDisconnect(code)
			p.metrics.RemovePeer(peerID)
			p.metrics.SetPeerCounts(len(p.inboundPeerMap), len(p.outboundPeerMap))
		}
	}
}

// BanPeer disconnects peerID with FORBIDDEN_CONNECTION and schedules an
// unban after peerBanTime (§4.4, §4.5).
func (p *Pool) BanPeer(ctx context.Context, peerID string, reason string) error {
	return p.submit(ctx, func() {
		p.disconnectLocked(peerID, StatusForbiddenConnection, reason)
		p.emit("banPeer", map[string]any{"peerId": peerID, "reason": reason})
		p.metrics.RecordBan()
		if existing, ok := p.banTimers[peerID]; ok {
			existing.Stop()
		}
		p.banTimers[peerID] = time.AfterFunc(p.cfg.PeerBanTime, func() {
			p.mailbox <- func() {
				delete(p.banTimers, peerID)
				p.emit("unbanPeer", map[string]any{"peerId": peerID})
			}
		})
	})
}

// InboundRPCStats is the rate/productivity snapshot captured at the instant
// an inbound RPC frame is recorded, handed to the requestReceived event
// (§4.4, §6).
type InboundRPCStats struct {
	Rate         float64
	Productivity Productivity
}

// RecordInboundRPC bumps peerID's raw WS frame counter and its per-procedure
// RPC counter from the pool's mailbox goroutine, returning procedure's
// last-computed per-second rate plus the session's current productivity so
// dispatchFrame can attach both to the requestReceived event without racing
// tickRates (§4.4, §5.1).
func (p *Pool) RecordInboundRPC(ctx context.Context, peerID, procedure string) (InboundRPCStats, error) {
	var out InboundRPCStats
	err := p.submit(ctx, func() {
		s := p.lookupLocked(peerID)
		if s == nil {
			return
		}
		s.recordWSMessage()
		out.Rate = s.recordInboundRPC(procedure)
		out.Productivity = s.Productivity
	})
	return out, err
}

// RecordInboundMessage bumps peerID's raw WS frame counter and its per-event
// message counter from the pool's mailbox goroutine, returning event's
// last-computed per-second rate (§4.4, §5.1).
func (p *Pool) RecordInboundMessage(ctx context.Context, peerID, event string) (float64, error) {
	var rate float64
	err := p.submit(ctx, func() {
		s := p.lookupLocked(peerID)
		if s == nil {
			return
		}
		s.recordWSMessage()
		rate = s.recordInboundMessage(event)
	})
	return rate, err
}

// RecordLatency stores peerID's most recently observed round-trip latency,
// as measured by the facade's ping loop, for the eviction cascade's latency
// protection tier (§4.4, §4.5).
func (p *Pool) RecordLatency(ctx context.Context, peerID string, latency time.Duration) error {
	return p.submit(ctx, func() {
		if s := p.lookupLocked(peerID); s != nil {
			s.Latency = latency
			p.metrics.ObserveLatency(peerID, float64(latency.Milliseconds()))
		}
	})
}

// TickRates runs the §4.4 rate-accounting timer across every session: rotates
// WS/RPC/message rate counters, resets stale productivity, penalizes any
// session whose message rate exceeded WSMaxMessageRate, and bans a session
// (with the same unban timer as BanPeer) once that penalty exhausts its
// reputation. Callers drive this once per RateCalculationInterval.
func (p *Pool) TickRates(ctx context.Context) error {
	return p.submit(ctx, func() {
		intervalMS := float64(p.cfg.RateCalculationInterval.Milliseconds())
		now := time.Now()
		for _, s := range p.allSessionsLocked() {
			if s.isClosed() {
				continue
			}
			s.resetProductivityIfStale(now, p.cfg.ProductivityResetInterval)
			if exceeded := s.tickRates(intervalMS, p.cfg.WSMaxMessageRate); exceeded {
				if shouldBan := s.applyPenalty(p.cfg.WSMaxMessageRatePenalty); shouldBan {
					peerID := s.PeerID
					p.disconnectLocked(peerID, StatusForbiddenConnection, "rate limit exceeded")
					p.emit("banPeer", map[string]any{"peerId": peerID, "reason": "rate limit exceeded"})
					p.metrics.RecordBan()
					if existing, ok := p.banTimers[peerID]; ok {
						existing.Stop()
					}
					p.banTimers[peerID] = time.AfterFunc(p.cfg.PeerBanTime, func() {
						p.mailbox <- func() {
							delete(p.banTimers, peerID)
							p.emit("unbanPeer", map[string]any{"peerId": peerID})
						}
					})
				}
			}
		}
	})
}

// Snapshot returns every currently connected session.
func (p *Pool) Snapshot(ctx context.Context) ([]*Session, error) {
	var out []*Session
	err := p.submit(ctx, func() {
		out = make([]*Session, 0, len(p.inboundPeerMap)+len(p.outboundPeerMap))
		for _, s := range p.inboundPeerMap {
			out = append(out, s)
		}
		for _, s := range p.outboundPeerMap {
			out = append(out, s)
		}
	})
	return out, err
}

// evictionCandidateLocked implements the three-tier protection cascade
// (§4.5): latency, then productivity, then longevity. Whitelisted peers are
// removed from candidacy up front. Runs only on the pool loop.
func (p *Pool) evictionCandidateLocked() string {
	candidates := make([]*Session, 0, len(p.inboundPeerMap))
	whitelist := make(map[string]struct{}, len(p.book.lists.Whitelisted))
	for _, addr := range p.book.lists.Whitelisted {
		whitelist[addr] = struct{}{}
	}
	for _, s := range p.inboundPeerMap {
		if _, ok := whitelist[s.PeerInfo.IPAddress]; ok {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) <= 1 {
		return soleCandidate(candidates)
	}

	candidates = protect(candidates, p.cfg.LatencyProtectionRatio, func(a, b *Session) bool {
		return a.Latency < b.Latency
	})
	if len(candidates) <= 1 {
		return soleCandidate(candidates)
	}
	candidates = protect(candidates, p.cfg.ProductivityProtectionRatio, func(a, b *Session) bool {
		return a.Productivity.ResponseRate > b.Productivity.ResponseRate
	})
	if len(candidates) <= 1 {
		return soleCandidate(candidates)
	}
	candidates = protect(candidates, p.cfg.LongevityProtectionRatio, func(a, b *Session) bool {
		return a.ConnectTime.Before(b.ConnectTime)
	})
	if len(candidates) <= 1 {
		return soleCandidate(candidates)
	}

	victim := candidates[p.rand.Intn(len(candidates))]
	return victim.PeerID
}

func soleCandidate(candidates []*Session) string {
	if len(candidates) != 1 {
		return ""
	}
	return candidates[0].PeerID
}

// protect keeps the bottom (1-ratio) fraction of candidates sorted safest
// first by less, i.e. it removes the top `ratio` fraction from eviction
// candidacy and returns the remainder.
func protect(candidates []*Session, ratio float64, less func(a, b *Session) bool) []*Session {
	if ratio <= 0 || len(candidates) == 0 {
		return candidates
	}
	sorted := make([]*Session, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	protectedCount := int(float64(len(sorted)) * ratio)
	if protectedCount >= len(sorted) {
		protectedCount = len(sorted) - 1
	}
	return sorted[protectedCount:]
}

// shuffleLoop implements §4.5's outbound shuffle: every
// outboundShuffleInterval, evict one non-fixed outbound peer at random.
func (p *Pool) shuffleLoop(ctx context.Context) {
	if p.cfg.OutboundShuffleInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.OutboundShuffleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.submit(ctx, func() {
				p.shuffleOnceLocked()
			})
		}
	}
}

func (p *Pool) shuffleOnceLocked() {
	fixed := make(map[string]struct{}, len(p.book.lists.FixedPeers))
	for _, addr := range p.book.lists.FixedPeers {
		fixed[addr] = struct{}{}
	}
	candidates := make([]string, 0, len(p.outboundPeerMap))
	for peerID, s := range p.outboundPeerMap {
		if _, ok := fixed[s.PeerInfo.IPAddress]; ok {
			continue
		}
		candidates = append(candidates, peerID)
	}
	if len(candidates) == 0 {
		return
	}
	victim := candidates[p.rand.Intn(len(candidates))]
	p.disconnectLocked(victim, StatusEvictedPeer, "outbound shuffle")
}

func (p *Pool) shutdownLocked(code int, reason string) {
	for peerID := range p.inboundPeerMap {
		p.disconnectLocked(peerID, code, reason)
	}
	for peerID := range p.outboundPeerMap {
		p.disconnectLocked(peerID, code, reason)
	}
	for _, timer := range p.banTimers {
		timer.Stop()
	}
}

// Request implements the top-level request() described in §4.6/§6: it picks
// one peer via the configured (or default) selection function and issues
// the RPC, bumping productivity counters via the pool loop while the actual
// blocking transport call runs off it so the mailbox is never stalled on I/O
// (§5's suspension-point model: the transport call runs on the caller's own
// goroutine).
func (p *Pool) Request(ctx context.Context, procedure string, data json.RawMessage) (json.RawMessage, error) {
	var chosen *Session
	if err := p.submit(ctx, func() {
		peers := p.allSessionsLocked()
		selector := p.cfg.SelectForRequest
		if selector == nil {
			selector = defaultSelectForRequest
		}
		chosen = selector(peers, p.nodeInfo, 1, data)
		if chosen != nil {
			chosen.recordOutboundRequest()
		}
	}); err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, ErrRequestFail
	}
	return p.requestConn(ctx, chosen.PeerID, chosen.conn, procedure, data)
}

// RequestFrom issues a request to a specific already-connected peer. The
// facade's discovery populator uses this to poll several distinct sampled
// peers, rather than Request's single best-peer selection (§4.6).
func (p *Pool) RequestFrom(ctx context.Context, peerID string, procedure string, data json.RawMessage) (json.RawMessage, error) {
	var chosen *Session
	if err := p.submit(ctx, func() {
		chosen = p.lookupLocked(peerID)
		if chosen != nil {
			chosen.recordOutboundRequest()
		}
	}); err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, ErrUnknownPeer
	}
	return p.requestConn(ctx, chosen.PeerID, chosen.conn, procedure, data)
}

func (p *Pool) requestConn(ctx context.Context, peerID string, conn transport.Conn, procedure string, data json.RawMessage) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()
	resp, err := conn.Request(reqCtx, procedure, data)
	if err != nil {
		if reqCtx.Err() != nil {
			p.metrics.RecordRPC(procedure, "timeout")
			p.submit(context.Background(), func() {
				p.disconnectLocked(peerID, StatusFailedToRespond, "rpc timeout")
			})
			return nil, fmt.Errorf("%w: %s", ErrRPCTimeout, procedure)
		}
		p.metrics.RecordRPC(procedure, "error")
		return nil, fmt.Errorf("%w: %v", ErrRPCResponseError, err)
	}
	if len(resp) == 0 {
		p.metrics.RecordRPC(procedure, "error")
		return nil, fmt.Errorf("%w: failed to handle response for procedure %s", ErrRPCResponseError, procedure)
	}
	p.metrics.RecordRPC(procedure, "ok")
	p.submit(context.Background(), func() {
		if s := p.lookupLocked(peerID); s != nil {
			s.recordResponse(time.Now())
			p.metrics.ObserveProductivity(peerID, s.Productivity.ResponseRate)
		}
	})
	return resp, nil
}

// SendTo sends event/data to a single already-connected peer, used by the
// facade's node-info propagation to passive (inbound) sessions (§4.6).
func (p *Pool) SendTo(ctx context.Context, peerID string, event string, data json.RawMessage) error {
	var target *Session
	if err := p.submit(ctx, func() { target = p.lookupLocked(peerID) }); err != nil {
		return err
	}
	if target == nil {
		return ErrUnknownPeer
	}
	return target.conn.Send(event, data)
}

// ApplyNodeInfo updates the NodeInfo the pool advertises and uses for its own
// inbound quota calculation (§4.5, §4.6's applyNodeInfo). Propagating the
// change to live sessions is the facade's responsibility, since whether a
// given session gets nodeInfoChanged or updateMyself depends on its kind.
func (p *Pool) ApplyNodeInfo(ctx context.Context, info NodeInfo) error {
	return p.submit(ctx, func() {
		p.nodeInfo = info
	})
}

// LearnPeers merges remote-supplied peer-list entries into the book's new
// table, the discovery populator's "merge validated results into newPeers"
// step (§4.6). Callers are expected to have already capped and validated
// infos (maxPeerDiscoveryResponseLength, minimumPeerDiscoveryThreshold).
func (p *Pool) LearnPeers(ctx context.Context, infos []PeerInfo) error {
	return p.submit(ctx, func() {
		now := time.Now()
		for _, info := range infos {
			p.book.addNew(info, now)
		}
	})
}

// PeerListSnapshot returns the sanitized seed/fixed/whitelist/previous
// address lists currently configured (§4.3).
func (p *Pool) PeerListSnapshot(ctx context.Context) (SanitizedLists, error) {
	var out SanitizedLists
	err := p.submit(ctx, func() { out = p.book.lists })
	return out, err
}

// DialCandidates gathers the book's disconnected new/tried peers plus
// current per-kind outbound connection counts, for passing through
// SelectForConnection (§4.5's triggerNewConnections input). It also returns
// every configured fixed-peer address not currently connected outbound,
// which the facade always dials regardless of selection.
func (p *Pool) DialCandidates(ctx context.Context) (DialSelectionInput, []string, error) {
	var in DialSelectionInput
	var fixedDisconnected []string
	err := p.submit(ctx, func() {
		connected := make(map[string]struct{}, len(p.outboundPeerMap))
		for _, s := range p.outboundPeerMap {
			connected[s.PeerInfo.IPAddress] = struct{}{}
		}

		fixed := make(map[string]struct{}, len(p.book.lists.FixedPeers))
		for _, addr := range p.book.lists.FixedPeers {
			fixed[addr] = struct{}{}
			if _, ok := connected[addr]; !ok {
				fixedDisconnected = append(fixedDisconnected, addr)
			}
		}

		for _, info := range p.book.getAll(KindNew) {
			if _, ok := fixed[info.IPAddress]; ok {
				continue
			}
			if _, ok := connected[info.IPAddress]; ok {
				continue
			}
			in.DisconnectedNewPeers = append(in.DisconnectedNewPeers, info)
		}
		for _, info := range p.book.getAll(KindTried) {
			if _, ok := fixed[info.IPAddress]; ok {
				continue
			}
			if _, ok := connected[info.IPAddress]; ok {
				continue
			}
			in.DisconnectedTriedPeers = append(in.DisconnectedTriedPeers, info)
		}

		for peerID := range p.outboundPeerMap {
			switch {
			case p.book.containsID(KindTried, peerID):
				in.ConnectedTriedPeers++
			case p.book.containsID(KindNew, peerID):
				in.ConnectedNewPeers++
			}
		}
		in.MaxOutbound = p.cfg.MaxOutboundConnections
	})
	return in, fixedDisconnected, err
}

// FilterDialableSeeds narrows candidates (host:port strings resolved from a
// seeds.Registry) down to addresses that are not already an outbound peer
// and truncates the result to the outbound quota headroom still available,
// mirroring the connected-peer dedup DialCandidates already applies to the
// book-driven selection path (§4.3, §4.5).
func (p *Pool) FilterDialableSeeds(ctx context.Context, candidates []string) ([]string, error) {
	var out []string
	err := p.submit(ctx, func() {
		connected := make(map[string]struct{}, len(p.outboundPeerMap))
		for _, s := range p.outboundPeerMap {
			connected[net.JoinHostPort(s.PeerInfo.IPAddress, strconv.Itoa(s.PeerInfo.WSPort))] = struct{}{}
		}
		headroom := p.cfg.MaxOutboundConnections - len(p.outboundPeerMap)
		if headroom <= 0 {
			return
		}
		seen := make(map[string]struct{}, len(candidates))
		for _, addr := range candidates {
			if _, ok := connected[addr]; ok {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
			if len(out) >= headroom {
				break
			}
		}
	})
	return out, err
}

// Send fans a fire-and-forget message out to the configured selection of
// peers (§4.6/§6).
func (p *Pool) Send(ctx context.Context, event string, data json.RawMessage) error {
	var targets []*Session
	if err := p.submit(ctx, func() {
		peers := p.allSessionsLocked()
		selector := p.cfg.SelectForSend
		if selector == nil {
			selector = defaultSelectForSend
		}
		limit := p.cfg.SendPeerLimit
		targets = selector(peers, p.nodeInfo, limit, data)
	}); err != nil {
		return err
	}
	if len(targets) == 0 {
		return ErrSendFail
	}
	for _, s := range targets {
		if err := s.conn.Send(event, data); err != nil {
			p.logger.Warn("failed to send message", "peerId", s.PeerID, "event", event, "error", err)
			p.emit("failedToSendMessage", map[string]any{"peerId": s.PeerID, "event": event, "error": err.Error()})
		}
	}
	return nil
}

func (p *Pool) allSessionsLocked() []*Session {
	out := make([]*Session, 0, len(p.inboundPeerMap)+len(p.outboundPeerMap))
	for _, s := range p.inboundPeerMap {
		out = append(out, s)
	}
	for _, s := range p.outboundPeerMap {
		out = append(out, s)
	}
	return out
}

func (p *Pool) lookupLocked(peerID string) *Session {
	if s, ok := p.inboundPeerMap[peerID]; ok {
		return s
	}
	if s, ok := p.outboundPeerMap[peerID]; ok {
		return s
	}
	return nil
}

// defaultSelectForRequest picks the first open session, preferring the
// highest response rate, since no operator selection function was supplied.
func defaultSelectForRequest(peers []*Session, _ NodeInfo, _ int, _ json.RawMessage) *Session {
	var best *Session
	for _, s := range peers {
		if s.isClosed() {
			continue
		}
		if best == nil || s.Productivity.ResponseRate > best.Productivity.ResponseRate {
			best = s
		}
	}
	return best
}

// defaultSelectForSend fans out to up to peerLimit open sessions.
func defaultSelectForSend(peers []*Session, _ NodeInfo, peerLimit int, _ json.RawMessage) []*Session {
	out := make([]*Session, 0, peerLimit)
	for _, s := range peers {
		if s.isClosed() {
			continue
		}
		out = append(out, s)
		if peerLimit > 0 && len(out) >= peerLimit {
			break
		}
	}
	return out
}

// defaultSelectForConnection dials every disconnected tried peer before any
// new peer, up to MaxOutbound - ConnectedTriedPeers - ConnectedNewPeers.
func defaultSelectForConnection(in DialSelectionInput) []PeerInfo {
	remaining := in.MaxOutbound - in.ConnectedTriedPeers - in.ConnectedNewPeers
	if remaining <= 0 {
		return nil
	}
	out := make([]PeerInfo, 0, remaining)
	for _, info := range in.DisconnectedTriedPeers {
		if len(out) >= remaining {
			return out
		}
		out = append(out, info)
	}
	for _, info := range in.DisconnectedNewPeers {
		if len(out) >= remaining {
			return out
		}
		out = append(out, info)
	}
	return out
}
