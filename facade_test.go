package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nhbmesh/p2p/transport"
)

func testFacade(t *testing.T, version, protocolVersion string) *Facade {
	t.Helper()
	id := mustIdentity(t)
	cfg := DefaultConfig()
	node := NodeInfo{
		PeerInfo:   PeerInfo{IPAddress: "127.0.0.1", WSPort: 9000, Version: version, ProtocolVersion: protocolVersion},
		MinVersion: "1.0.0",
	}
	pool := NewPool(cfg, node, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(cancel)
	return NewFacade(cfg, id, pool, nil, nil, nil)
}

// TestFacadeDispatchFrameRecordsRatesAndEmitsEvents exercises dispatchFrame
// over a real transport.Pipe connection end to end: it asserts the inbound
// counters wired through Pool.RecordInboundRPC/RecordInboundMessage actually
// move, and that requestReceived/messageReceived carry data and a rate
// (§4.4, §6).
func TestFacadeDispatchFrameRecordsRatesAndEmitsEvents(t *testing.T) {
	f := testFacade(t, "1.0.0", "1.0")
	ctx := context.Background()

	connA, _ := transport.Pipe("peer-a", "peer-b")
	session, err := f.pool.AddInbound(ctx, connA, testPeer("9.9.9.9", 9100))
	if err != nil {
		t.Fatalf("AddInbound: %v", err)
	}

	reqEnv, err := json.Marshal(rpcEnvelope{Procedure: ProcedureStatus})
	if err != nil {
		t.Fatalf("marshal request envelope: %v", err)
	}
	replies := make(chan json.RawMessage, 2)
	replyFn := func(data json.RawMessage, err error) error {
		if err != nil {
			t.Fatalf("unexpected reply error: %v", err)
		}
		replies <- data
		return nil
	}

	f.dispatchFrame(ctx, session.PeerID, transport.Frame{Data: reqEnv, Reply: replyFn})
	f.dispatchFrame(ctx, session.PeerID, transport.Frame{Data: reqEnv, Reply: replyFn})

	for i := 0; i < 2; i++ {
		select {
		case <-replies:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for rpc reply %d", i)
		}
	}

	var firstEvent, secondEvent Event
	seen := 0
	deadline := time.After(time.Second)
	for seen < 2 {
		select {
		case ev := <-f.Events():
			if ev.Name != "requestReceived" {
				continue
			}
			if seen == 0 {
				firstEvent = ev
			} else {
				secondEvent = ev
			}
			seen++
		case <-deadline:
			t.Fatalf("timed out waiting for requestReceived events, saw %d", seen)
		}
	}
	if firstEvent.Data["procedure"] != ProcedureStatus {
		t.Fatalf("requestReceived procedure = %v, want %s", firstEvent.Data["procedure"], ProcedureStatus)
	}
	if _, ok := firstEvent.Data["data"]; !ok {
		t.Fatalf("requestReceived missing data field")
	}
	if _, ok := firstEvent.Data["rate"]; !ok {
		t.Fatalf("requestReceived missing rate field")
	}
	if _, ok := firstEvent.Data["productivity"]; !ok {
		t.Fatalf("requestReceived missing productivity field")
	}
	_ = secondEvent

	if err := f.pool.TickRates(ctx); err != nil {
		t.Fatalf("TickRates: %v", err)
	}
	f.dispatchFrame(ctx, session.PeerID, transport.Frame{Data: reqEnv, Reply: replyFn})
	select {
	case <-replies:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for third rpc reply")
	}
	select {
	case ev := <-f.Events():
		if ev.Name != "requestReceived" {
			t.Fatalf("expected requestReceived, got %s", ev.Name)
		}
		rate, _ := ev.Data["rate"].(float64)
		if rate <= 0 {
			t.Fatalf("requestReceived rate = %v after TickRates, want > 0", rate)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for post-tick requestReceived")
	}

	var captured struct {
		peerID string
		event  string
		data   json.RawMessage
	}
	f.OnMessage(func(peerID, event string, data json.RawMessage) {
		captured.peerID = peerID
		captured.event = event
		captured.data = data
	})

	msgEnv, err := json.Marshal(messageEnvelope{Event: "customEvent", Data: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("marshal message envelope: %v", err)
	}
	f.dispatchFrame(ctx, session.PeerID, transport.Frame{Data: msgEnv})

	select {
	case ev := <-f.Events():
		if ev.Name != "messageReceived" {
			t.Fatalf("expected messageReceived, got %s", ev.Name)
		}
		if ev.Data["event"] != "customEvent" {
			t.Fatalf("messageReceived event = %v", ev.Data["event"])
		}
		if _, ok := ev.Data["data"]; !ok {
			t.Fatalf("messageReceived missing data field")
		}
		if _, ok := ev.Data["rate"]; !ok {
			t.Fatalf("messageReceived missing rate field")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for messageReceived")
	}
	if captured.event != "customEvent" {
		t.Fatalf("onMessage handler not invoked, captured = %+v", captured)
	}
}

// TestPipeFrameReplyRejectsDoubleReply exercises the one-shot guard
// added to transport.Frame.Reply: a second call must fail rather than send a
// duplicate rpc-response (§4.4's P2PRequest invariant, §7).
func TestPipeFrameReplyRejectsDoubleReply(t *testing.T) {
	connA, connB := transport.Pipe("a", "b")
	defer connA.Close(0, "")
	defer connB.Close(0, "")

	reqEnv, err := json.Marshal(rpcEnvelope{Procedure: ProcedureStatus})
	if err != nil {
		t.Fatalf("marshal request envelope: %v", err)
	}
	go connA.Request(context.Background(), ProcedureStatus, nil)

	select {
	case frame := <-connB.Frames():
		if frame.Reply == nil {
			t.Fatalf("expected a reply-bearing frame")
		}
		if err := frame.Reply(reqEnv, nil); err != nil {
			t.Fatalf("first reply: %v", err)
		}
		if err := frame.Reply(reqEnv, nil); !errors.Is(err, transport.ErrResponseAlreadySent) {
			t.Fatalf("expected second reply to fail with ErrResponseAlreadySent, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for request frame")
	}
}

// TestFacadeHandleInboundRejectsIncompatibleProtocol exercises the
// compatibilityCloseCode gate wired into handleInbound: a peer advertising a
// different protocolVersion major is disconnected before ever reaching the
// pool (§4.2).
func TestFacadeHandleInboundRejectsIncompatibleProtocol(t *testing.T) {
	local := testFacade(t, "2.0.0", "2.0")
	remoteID := mustIdentity(t)
	remoteNode := testNodeInfo("127.0.0.1", 9100)

	connLocal, connRemote := transport.Pipe("local", "remote")
	remoteNonces := newNonceGuard(time.Minute)
	defer remoteNonces.Close()

	go performHandshake(context.Background(), connRemote, remoteID, remoteNode, remoteNonces, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	local.wg.Add(1)
	local.handleInbound(ctx, connLocal)

	select {
	case ev := <-local.Events():
		if ev.Name != "inboundSocketError" {
			t.Fatalf("expected inboundSocketError, got %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for incompatibility event")
	}

	snap, err := local.pool.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("incompatible peer was admitted into the pool")
	}
}

// TestFacadeHandleInboundAdmitsCompatiblePeer is the positive-path
// counterpart: matching protocolVersion majors must still be admitted.
func TestFacadeHandleInboundAdmitsCompatiblePeer(t *testing.T) {
	local := testFacade(t, "1.0.0", "1.0")
	remoteID := mustIdentity(t)
	remoteNode := testNodeInfo("127.0.0.1", 9100)

	connLocal, connRemote := transport.Pipe("local", "remote")
	remoteNonces := newNonceGuard(time.Minute)
	defer remoteNonces.Close()

	go performHandshake(context.Background(), connRemote, remoteID, remoteNode, remoteNonces, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	local.wg.Add(1)
	go local.handleInbound(ctx, connLocal)

	deadline := time.After(time.Second)
	for {
		snap, err := local.pool.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for compatible peer to be admitted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
