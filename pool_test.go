package p2p

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nhbmesh/p2p/transport"
)

func testPoolWithConfig(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxInboundConnections = 2
	if mutate != nil {
		mutate(&cfg)
	}
	node := NodeInfo{PeerInfo: PeerInfo{}, MinVersion: "1.0.0"}
	p := NewPool(cfg, node, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(cancel)
	return p
}

func testPool(t *testing.T) *Pool {
	return testPoolWithConfig(t, nil)
}

func testPeer(ip string, port int) PeerInfo {
	return PeerInfo{IPAddress: ip, WSPort: port, Version: "1.0.0", ProtocolVersion: "1.0"}
}

func TestPoolAddInboundIdempotent(t *testing.T) {
	p := testPool(t)
	connA, _ := transport.Pipe("a", "b")
	ctx := context.Background()

	s1, err := p.AddInbound(ctx, connA, testPeer("1.2.3.4", 9000))
	if err != nil {
		t.Fatalf("AddInbound: %v", err)
	}
	s2, err := p.AddInbound(ctx, connA, testPeer("1.2.3.4", 9000))
	if err != nil {
		t.Fatalf("AddInbound (repeat): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected idempotent AddInbound to return the same session")
	}
}

func TestPoolAddOutboundIdempotent(t *testing.T) {
	p := testPool(t)
	connA, _ := transport.Pipe("a", "b")
	ctx := context.Background()

	s1, err := p.AddOutbound(ctx, connA, testPeer("5.6.7.8", 9001))
	if err != nil {
		t.Fatalf("AddOutbound: %v", err)
	}
	s2, err := p.AddOutbound(ctx, connA, testPeer("5.6.7.8", 9001))
	if err != nil {
		t.Fatalf("AddOutbound (repeat): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected idempotent AddOutbound to return the same session")
	}
}

func TestPoolRemoveClosesConnection(t *testing.T) {
	p := testPool(t)
	connA, connB := transport.Pipe("a", "b")
	ctx := context.Background()

	info := testPeer("9.9.9.9", 9002)
	s, err := p.AddInbound(ctx, connA, info)
	if err != nil {
		t.Fatalf("AddInbound: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for range connA.Frames() {
		}
		close(done)
	}()
	go func() {
		for range connB.Frames() {
		}
	}()

	if err := p.Remove(ctx, s.PeerID, StatusIntentionalDisconnect, "test"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the closed connection's own frame channel to close after Remove")
	}

	snap, _ := p.Snapshot(ctx)
	if len(snap) != 0 {
		t.Fatalf("expected empty snapshot after Remove, got %d", len(snap))
	}
}

func TestPoolInboundQuotaEvictsOne(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()

	conn1, _ := transport.Pipe("a1", "b1")
	conn2, _ := transport.Pipe("a2", "b2")
	conn3, _ := transport.Pipe("a3", "b3")

	if _, err := p.AddInbound(ctx, conn1, testPeer("1.1.1.1", 1)); err != nil {
		t.Fatalf("AddInbound 1: %v", err)
	}
	if _, err := p.AddInbound(ctx, conn2, testPeer("2.2.2.2", 2)); err != nil {
		t.Fatalf("AddInbound 2: %v", err)
	}
	// Pool is now at its quota of 2; a third inbound must evict one first.
	if _, err := p.AddInbound(ctx, conn3, testPeer("3.3.3.3", 3)); err != nil {
		t.Fatalf("AddInbound 3: %v", err)
	}

	snap, _ := p.Snapshot(ctx)
	if len(snap) != 2 {
		t.Fatalf("expected quota to cap inbound sessions at 2, got %d", len(snap))
	}
}

func TestPoolBanPeerSchedulesUnban(t *testing.T) {
	p := testPoolWithConfig(t, func(cfg *Config) {
		cfg.PeerBanTime = 10 * time.Millisecond
	})
	ctx := context.Background()

	connA, _ := transport.Pipe("a", "b")
	s, err := p.AddInbound(ctx, connA, testPeer("4.4.4.4", 4))
	if err != nil {
		t.Fatalf("AddInbound: %v", err)
	}

	events := p.Events()
	if err := p.BanPeer(ctx, s.PeerID, "spam"); err != nil {
		t.Fatalf("BanPeer: %v", err)
	}

	sawBan, sawUnban := false, false
	deadline := time.After(time.Second)
	for !sawBan || !sawUnban {
		select {
		case ev := <-events:
			switch ev.Name {
			case "banPeer":
				sawBan = true
			case "unbanPeer":
				sawUnban = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ban/unban events, sawBan=%v sawUnban=%v", sawBan, sawUnban)
		}
	}
}

func TestPoolRequestUsesDefaultSelection(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()

	connA, connB := transport.Pipe("a", "b")
	if _, err := p.AddOutbound(ctx, connA, testPeer("7.7.7.7", 7)); err != nil {
		t.Fatalf("AddOutbound: %v", err)
	}

	go func() {
		for frame := range connB.Frames() {
			if frame.Reply != nil {
				frame.Reply(json.RawMessage(`{"ok":true}`), nil)
			}
		}
	}()

	resp, err := p.Request(ctx, ProcedureStatus, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("Request response = %s", resp)
	}
}

func TestPoolSendFansOutToOpenSessions(t *testing.T) {
	p := testPool(t)
	ctx := context.Background()

	connA, connB := transport.Pipe("a", "b")
	if _, err := p.AddOutbound(ctx, connA, testPeer("8.8.8.8", 8)); err != nil {
		t.Fatalf("AddOutbound: %v", err)
	}

	received := make(chan string, 1)
	go func() {
		for frame := range connB.Frames() {
			received <- frame.Verb
		}
	}()

	if err := p.Send(ctx, EventNodeInfoChanged, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case verb := <-received:
		if verb != VerbRemoteMessage {
			t.Fatalf("expected remote-message verb, got %s", verb)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out message")
	}
}
