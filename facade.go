package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nhbmesh/p2p/observability/logging"
	"github.com/nhbmesh/p2p/seeds"
	"github.com/nhbmesh/p2p/transport"
)

// RequestHandler answers an inbound RPC request for a procedure the facade
// does not itself implement (anything beyond status/list/updateMyself/ping).
// Returning a non-nil error rejects the request with that error's message.
type RequestHandler func(ctx context.Context, peerID string, procedure string, data json.RawMessage) (json.RawMessage, error)

// MessageHandler observes an inbound fire-and-forget message the facade does
// not itself interpret (anything beyond nodeInfoChanged).
type MessageHandler func(peerID string, event string, data json.RawMessage)

// Facade is the single entry point a host application wires up: it owns the
// listener, the outbound dialer, the discovery populator, and node-info
// propagation, and presents the pool's event stream plus its own as one
// observable stream (§4.6).
type Facade struct {
	cfg      Config
	identity *Identity
	pool     *Pool
	logger   *slog.Logger
	metrics  *Metrics
	dialer   transport.Dialer
	nonces   *nonceGuard
	auth     *TokenVerifier
	connRate *connRateLimiter

	events chan Event

	onRequest RequestHandler
	onMessage MessageHandler

	authToken string

	mu       sync.Mutex
	active   bool
	listener transport.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewFacade constructs a Facade around an already-built Pool. dialer performs
// outbound connects for the populator and bootstrap dials.
func NewFacade(cfg Config, identity *Identity, pool *Pool, dialer transport.Dialer, logger *slog.Logger, metrics *Metrics) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		cfg:      cfg,
		identity: identity,
		pool:     pool,
		logger:   logger.With(slog.String("component", "facade")),
		metrics:  metrics,
		dialer:   dialer,
		nonces:   newNonceGuard(10 * time.Minute),
		connRate: newConnRateLimiter(cfg.MaxGlobalConnectRate, cfg.MaxGlobalConnectBurst, cfg.MaxPerIPConnectRate, cfg.MaxPerIPConnectBurst),
		events:   make(chan Event, 256),
	}
}

// SetAuthToken sets the bearer token this node presents in its own
// handshake packet, read by a remote peer whose Config.RequireAuthToken is
// set.
func (f *Facade) SetAuthToken(token string) { f.authToken = token }

// SetTokenVerifier enables inbound JWT admission checking: once set, every
// inbound handshake's AuthToken must verify against it before the session is
// admitted (§ jwtauth, gated behind Config.RequireAuthToken).
func (f *Facade) SetTokenVerifier(v *TokenVerifier) { f.auth = v }

// OnRequest registers the handler used for inbound RPC procedures the facade
// does not itself answer. Must be called before Start.
func (f *Facade) OnRequest(h RequestHandler) { f.onRequest = h }

// OnMessage registers the handler used for inbound messages the facade does
// not itself interpret. Must be called before Start.
func (f *Facade) OnMessage(h MessageHandler) { f.onMessage = h }

// Events returns the facade's merged event stream: the pool's own events
// plus the facade-level events named in §6 (outboundSocketError and so on).
func (f *Facade) Events() <-chan Event { return f.events }

// Start validates the configuration (returning Config.Validate's error before
// anything is started), sanitizes peer lists (already done by NewPool), opens
// ln for inbound connections, dials configured seed/fixed peers, and spawns
// the discovery populator and rate/ping loops. parent's cancellation also
// stops the pool.
func (f *Facade) Start(parent context.Context, ln transport.Listener) error {
	if err := f.cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.active {
		f.mu.Unlock()
		return fmt.Errorf("p2p: facade already started")
	}
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.listener = ln
	f.active = true
	f.mu.Unlock()

	f.pool.Start(ctx)
	f.wg.Add(1)
	go f.relayPoolEvents(ctx)

	f.wg.Add(1)
	go f.acceptLoop(ctx)

	f.bootstrapDial(ctx)

	f.wg.Add(1)
	go f.populatorLoop(ctx)

	if f.cfg.RateCalculationInterval > 0 {
		f.wg.Add(1)
		go f.rateTickLoop(ctx)
	}

	if f.cfg.SeedRegistry != nil {
		f.wg.Add(1)
		go f.seedRegistryLoop(ctx)
	}

	f.logger.Info("p2p facade started", slog.String("listenAddr", ln.Addr()))
	return nil
}

// Stop cancels the populator and every background loop, closes the listener,
// and (via the pool's own ctx.Done handling) disconnects every live session
// with StatusIntentionalDisconnect. Stop is idempotent.
func (f *Facade) Stop() error {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return nil
	}
	f.active = false
	cancel := f.cancel
	ln := f.listener
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	f.nonces.Close()
	f.wg.Wait()
	return err
}

func (f *Facade) relayPoolEvents(ctx context.Context) {
	defer f.wg.Done()
	events := f.pool.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			f.emit(ev.Name, ev.Data)
		}
	}
}

func (f *Facade) emit(name string, data map[string]any) {
	select {
	case f.events <- Event{Name: name, Data: data}:
	default:
	}
}

func (f *Facade) acceptLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.emit("inboundSocketError", map[string]any{"error": err.Error()})
			continue
		}
		if !f.connRate.allow(conn.RemoteAddr()) {
			f.emit("inboundConnectionRateLimited", map[string]any{"remoteAddr": conn.RemoteAddr()})
			conn.Close(StatusForbiddenConnection, "rate limited")
			continue
		}
		f.wg.Add(1)
		go f.handleInbound(ctx, conn)
	}
}

func (f *Facade) handleInbound(ctx context.Context, conn transport.Conn) {
	defer f.wg.Done()
	hsCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	remote, err := performHandshake(hsCtx, conn, f.identity, f.localNodeInfo(), f.nonces, f.authToken)
	cancel()
	if err != nil {
		f.logger.Warn("inbound handshake rejected", logging.MaskField("remoteAddr", conn.RemoteAddr()), slog.Any("error", err))
		conn.Close(StatusForbiddenConnection, "handshake failed")
		f.emit("inboundSocketError", map[string]any{"error": err.Error(), "remoteAddr": conn.RemoteAddr()})
		return
	}
	if remote.peerID == f.identity.NodeID {
		conn.Close(StatusForbiddenConnection, "self connection")
		return
	}
	if code, compatible := compatibilityCloseCode(remote.NodeInfo.PeerInfo, f.localNodeInfo()); !compatible {
		conn.Close(code, sanitizeCloseReason(code))
		f.emit("inboundSocketError", map[string]any{"error": "incompatible peer", "peerId": remote.peerID})
		return
	}
	if f.cfg.RequireAuthToken {
		if _, err := f.verifyAuthToken(remote); err != nil {
			f.logger.Warn("inbound peer failed token admission", slog.String("peerId", remote.peerID), slog.Any("error", err))
			conn.Close(StatusForbiddenConnection, "token admission failed")
			f.emit("inboundSocketError", map[string]any{"error": err.Error(), "peerId": remote.peerID})
			return
		}
	}

	session, err := f.pool.AddInbound(ctx, conn, remote.NodeInfo.PeerInfo)
	if err != nil {
		f.logger.Warn("inbound peer rejected", slog.Any("error", err))
		conn.Close(StatusForbiddenConnection, "rejected")
		return
	}

	f.wg.Add(1)
	go f.pingLoop(ctx, session.PeerID)

	f.pumpSession(ctx, session.PeerID, conn)
}

// bootstrapDial dials every configured seed and fixed peer once at startup,
// ahead of the populator's first tick (§4.6).
func (f *Facade) bootstrapDial(ctx context.Context) {
	lists, err := f.pool.PeerListSnapshot(ctx)
	if err != nil {
		return
	}
	addrs := append(append([]string{}, lists.SeedPeers...), lists.FixedPeers...)
	addrs = append(addrs, f.resolveSeedRegistry(ctx)...)
	for _, addr := range addrs {
		f.wg.Add(1)
		go f.dialAndAdd(ctx, addr)
	}
}

// resolveSeedRegistry resolves Config.SeedRegistry's DNS authorities and
// static fallbacks into dialable addresses, using SeedResolver if set or
// seeds.DefaultResolver() otherwise. Returns nil if no registry is
// configured.
func (f *Facade) resolveSeedRegistry(ctx context.Context) []string {
	if f.cfg.SeedRegistry == nil {
		return nil
	}
	resolver := f.cfg.SeedResolver
	if resolver == nil {
		resolver = seeds.DefaultResolver()
	}
	now := time.Now()
	resolved, err := f.cfg.SeedRegistry.Resolve(ctx, now, resolver)
	if err != nil {
		f.emit("seedRegistryResolveError", map[string]any{"error": err.Error()})
	}
	addrs := make([]string, 0, len(resolved))
	for _, seed := range resolved {
		if seed.Active(now) {
			addrs = append(addrs, seed.Address)
		}
	}
	dialable, err := f.pool.FilterDialableSeeds(ctx, addrs)
	if err != nil {
		return nil
	}
	return dialable
}

// seedRegistryLoop re-resolves Config.SeedRegistry on its own refresh
// cadence and dials any seed address it turns up, alongside the one-time
// resolution bootstrapDial already performed (§4.3).
func (f *Facade) seedRegistryLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.SeedRegistry.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range f.resolveSeedRegistry(ctx) {
				f.wg.Add(1)
				go f.dialAndAdd(ctx, addr)
			}
		}
	}
}

// dialAndAdd dials addr, performs the handshake, and admits the resulting
// connection as an outbound session.
func (f *Facade) dialAndAdd(ctx context.Context, addr string) {
	defer f.wg.Done()
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	conn, err := f.dialer.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		f.emit("connectAbortOutbound", map[string]any{"addr": addr, "error": err.Error()})
		return
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	remote, err := performHandshake(hsCtx, conn, f.identity, f.localNodeInfo(), f.nonces, f.authToken)
	hsCancel()
	if err != nil {
		conn.Close(StatusForbiddenConnection, "handshake failed")
		f.emit("connectAbortOutbound", map[string]any{"addr": addr, "error": err.Error()})
		return
	}
	if remote.peerID == f.identity.NodeID {
		conn.Close(StatusForbiddenConnection, "self connection")
		return
	}
	if code, compatible := compatibilityCloseCode(remote.NodeInfo.PeerInfo, f.localNodeInfo()); !compatible {
		conn.Close(code, sanitizeCloseReason(code))
		f.emit("connectAbortOutbound", map[string]any{"addr": addr, "error": "incompatible peer"})
		return
	}

	session, err := f.pool.AddOutbound(ctx, conn, remote.NodeInfo.PeerInfo)
	if err != nil {
		conn.Close(StatusForbiddenConnection, "rejected")
		f.emit("connectAbortOutbound", map[string]any{"addr": addr, "error": err.Error()})
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.collectPeerDetailsOnConnect(ctx, session.PeerID)
	}()

	f.pumpSession(ctx, session.PeerID, conn)
}

// collectPeerDetailsOnConnect issues the status and list RPCs a freshly
// connected outbound session is expected to perform (§4.4). Partial failure
// is reported but does not mark the session failed.
func (f *Facade) collectPeerDetailsOnConnect(ctx context.Context, peerID string) {
	if _, err := f.pool.RequestFrom(ctx, peerID, ProcedureStatus, nil); err != nil {
		f.emit("failedToCollectPeerDetailsOnConnect", map[string]any{"peerId": peerID, "procedure": ProcedureStatus, "error": err.Error()})
	}
	resp, err := f.pool.RequestFrom(ctx, peerID, ProcedureList, nil)
	if err != nil {
		f.emit("failedToCollectPeerDetailsOnConnect", map[string]any{"peerId": peerID, "procedure": ProcedureList, "error": err.Error()})
		return
	}
	peers, err := validatePeerList(resp, f.cfg.MaxPeerListLength, f.cfg.MaxPerPeerListEntryBytes)
	if err != nil {
		return
	}
	f.pool.LearnPeers(ctx, peers)
}

// pumpSession reads conn's inbound frames until it closes, dispatching each
// to the built-in RPC responder or message pipeline (§4.4).
func (f *Facade) pumpSession(ctx context.Context, peerID string, conn transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			f.dispatchFrame(ctx, peerID, frame)
		}
	}
}

func (f *Facade) dispatchFrame(ctx context.Context, peerID string, frame transport.Frame) {
	if frame.Reply != nil {
		procedure, data, err := validateRPCRequest(frame.Data)
		if err != nil {
			f.emit("invalidRequestReceived", map[string]any{"peerId": peerID, "error": err.Error()})
			frame.Reply(nil, err)
			return
		}
		stats, _ := f.pool.RecordInboundRPC(ctx, peerID, procedure)
		f.emit("requestReceived", map[string]any{
			"peerId":       peerID,
			"procedure":    procedure,
			"data":         data,
			"rate":         stats.Rate,
			"productivity": stats.Productivity.ResponseRate,
		})
		resp, err := f.answerRequest(ctx, peerID, procedure, data)
		if replyErr := frame.Reply(resp, err); replyErr != nil {
			f.logger.Warn("rpc response already sent", slog.String("peerId", peerID), slog.String("procedure", procedure))
		}
		return
	}

	event, data, err := validateMessage(frame.Data)
	if err != nil {
		f.emit("invalidMessageReceived", map[string]any{"peerId": peerID, "error": err.Error()})
		return
	}
	rate, _ := f.pool.RecordInboundMessage(ctx, peerID, event)
	f.emit("messageReceived", map[string]any{"peerId": peerID, "event": event, "data": data, "rate": rate})
	switch event {
	case EventNodeInfoChanged:
		var info PeerInfo
		if json.Unmarshal(data, &info) == nil {
			f.pool.LearnPeers(ctx, []PeerInfo{info})
		}
	default:
		if f.onMessage != nil {
			f.onMessage(peerID, event, data)
		}
	}
}

func (f *Facade) answerRequest(ctx context.Context, peerID, procedure string, data json.RawMessage) (json.RawMessage, error) {
	switch procedure {
	case ProcedureStatus:
		return json.Marshal(f.localNodeInfo())
	case ProcedureList:
		snap, err := f.pool.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		peers := make([]PeerInfo, 0, len(snap))
		for _, s := range snap {
			peers = append(peers, s.PeerInfo)
		}
		if len(peers) > f.cfg.MaxPeerDiscoveryResponseLength {
			peers = peers[:f.cfg.MaxPeerDiscoveryResponseLength]
		}
		return json.Marshal(listResponse{Peers: peers})
	case ProcedurePing:
		return json.Marshal("pong")
	case ProcedureUpdateMyself:
		info, err := validatePeerInfo(data, f.cfg.MaxPeerInfoSize)
		if err != nil {
			f.emit("failedPeerInfoUpdate", map[string]any{"peerId": peerID, "error": err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrInvalidRPCRequest, err)
		}
		f.pool.LearnPeers(ctx, []PeerInfo{info})
		f.emit("updatedPeerInfo", map[string]any{"peerId": peerID, "peerInfo": info})
		return json.Marshal(map[string]bool{"ok": true})
	default:
		if f.onRequest != nil {
			return f.onRequest(ctx, peerID, procedure, data)
		}
		return nil, fmt.Errorf("p2p: unsupported procedure %q", procedure)
	}
}

// pingLoop implements the inbound keep-alive schedule: a uniformly random
// interval in [pingIntervalMin, pingIntervalMax], re-scheduled regardless of
// outcome (§4.4).
func (f *Facade) pingLoop(ctx context.Context, peerID string) {
	defer f.wg.Done()
	lo, hi := f.cfg.PingIntervalMin, f.cfg.PingIntervalMax
	for {
		interval := lo
		if hi > lo {
			interval = lo + time.Duration(rand.Int63n(int64(hi-lo)))
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := time.Now()
		_, err := f.pool.RequestFrom(ctx, peerID, ProcedurePing, nil)
		if err == nil {
			f.pool.RecordLatency(ctx, peerID, time.Since(start))
		}
	}
}

// populatorLoop implements §4.6's discovery populator: after
// populatorStartDelay, run every populatorInterval.
func (f *Facade) populatorLoop(ctx context.Context) {
	defer f.wg.Done()
	timer := time.NewTimer(f.cfg.PopulatorStartDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	f.populatorTick(ctx)
	ticker := time.NewTicker(f.cfg.PopulatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.populatorTick(ctx)
		}
	}
}

func (f *Facade) populatorTick(ctx context.Context) {
	snap, err := f.pool.Snapshot(ctx)
	if err != nil || len(snap) == 0 {
		f.triggerNewConnections(ctx)
		return
	}

	sampleSize := f.cfg.MaxPeerDiscoveryProbeSampleSize
	if sampleSize <= 0 || sampleSize > len(snap) {
		sampleSize = len(snap)
	}
	sample := make([]*Session, len(snap))
	copy(sample, snap)
	rand.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
	sample = sample[:sampleSize]

	var newPeers []PeerInfo
	for _, s := range sample {
		if len(newPeers) >= f.cfg.MinimumPeerDiscoveryThreshold {
			break
		}
		resp, err := f.pool.RequestFrom(ctx, s.PeerID, ProcedureList, nil)
		if err != nil {
			f.emit("failedToFetchPeers", map[string]any{"peerId": s.PeerID, "error": err.Error()})
			continue
		}
		peers, err := validatePeerList(resp, f.cfg.MaxPeerListLength, f.cfg.MaxPerPeerListEntryBytes)
		if err != nil {
			continue
		}
		if len(peers) > f.cfg.MaxPeerDiscoveryResponseLength {
			peers = peers[:f.cfg.MaxPeerDiscoveryResponseLength]
		}
		newPeers = append(newPeers, peers...)
	}
	if limit := f.cfg.MinimumPeerDiscoveryThreshold; limit >= 0 && len(newPeers) > limit {
		newPeers = newPeers[:limit]
	}
	if len(newPeers) > 0 {
		f.pool.LearnPeers(ctx, newPeers)
	}
	f.triggerNewConnections(ctx)
}

// triggerNewConnections implements §4.5's triggerNewConnections: fixed peers
// are always dialed, the rest go through the configured (or default)
// connection-selection function.
func (f *Facade) triggerNewConnections(ctx context.Context) {
	in, fixedDisconnected, err := f.pool.DialCandidates(ctx)
	if err != nil {
		return
	}
	for _, addr := range fixedDisconnected {
		f.wg.Add(1)
		go f.dialAndAdd(ctx, addr)
	}

	selector := f.cfg.SelectForConnection
	if selector == nil {
		selector = defaultSelectForConnection
	}
	for _, info := range selector(in) {
		addr := net.JoinHostPort(info.IPAddress, strconv.Itoa(info.WSPort))
		f.wg.Add(1)
		go f.dialAndAdd(ctx, addr)
	}
}

func (f *Facade) rateTickLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.RateCalculationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pool.TickRates(ctx)
		}
	}
}

// verifyAuthToken checks remote's carried AuthToken against the configured
// verifier and that its subject matches the peer ID the handshake signature
// already proved, so a stolen token cannot be replayed by a different key.
func (f *Facade) verifyAuthToken(remote *handshakePacket) (string, error) {
	if f.auth == nil {
		return "", fmt.Errorf("p2p: token admission required but no verifier configured")
	}
	subject, err := f.auth.Verify(remote.AuthToken)
	if err != nil {
		return "", err
	}
	if subject != remote.peerID {
		return "", fmt.Errorf("p2p: token subject %q does not match handshake peer %q", subject, remote.peerID)
	}
	return subject, nil
}

func (f *Facade) localNodeInfo() NodeInfo {
	var info NodeInfo
	_ = f.pool.submit(context.Background(), func() {
		info = f.pool.nodeInfo
	})
	return info
}

// ApplyNodeInfo updates the locally advertised NodeInfo and propagates it to
// every live session: passive (inbound) sessions get nodeInfoChanged, active
// (outbound) sessions get an updateMyself RPC (§4.4, §4.6).
func (f *Facade) ApplyNodeInfo(ctx context.Context, info NodeInfo) error {
	if err := f.pool.ApplyNodeInfo(ctx, info); err != nil {
		return err
	}
	snap, err := f.pool.Snapshot(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(info.PeerInfo)
	if err != nil {
		return err
	}
	for _, s := range snap {
		if s.Kind == Outbound {
			if _, err := f.pool.RequestFrom(ctx, s.PeerID, ProcedureUpdateMyself, body); err != nil {
				f.emit("failedToPushNodeInfo", map[string]any{"peerId": s.PeerID, "error": err.Error()})
			}
			continue
		}
		if err := f.pool.SendTo(ctx, s.PeerID, EventNodeInfoChanged, body); err != nil {
			f.emit("failedToPushNodeInfo", map[string]any{"peerId": s.PeerID, "error": err.Error()})
		}
	}
	return nil
}

// Request is the top-level request() described in §4.6/§6.
func (f *Facade) Request(ctx context.Context, procedure string, data json.RawMessage) (json.RawMessage, error) {
	ctx, span := f.metrics.StartRequestSpan(ctx, procedure)
	defer span.End()
	return f.pool.Request(ctx, procedure, data)
}

// Send is the top-level send() described in §4.6/§6.
func (f *Facade) Send(ctx context.Context, event string, data json.RawMessage) error {
	return f.pool.Send(ctx, event, data)
}

// BanPeer bans peerID for Config.PeerBanTime (§4.4, §4.5).
func (f *Facade) BanPeer(ctx context.Context, peerID, reason string) error {
	return f.pool.BanPeer(ctx, peerID, reason)
}

// Disconnect removes peerID with an intentional-disconnect status.
func (f *Facade) Disconnect(ctx context.Context, peerID string) error {
	return f.pool.Remove(ctx, peerID, StatusIntentionalDisconnect, "requested")
}
