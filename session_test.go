package p2p

import (
	"testing"
	"time"
)

func TestSessionProductivityInvariant(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Outbound, nil)
	s.recordOutboundRequest()
	s.recordOutboundRequest()
	s.recordResponse(time.Now())
	if got, want := s.Productivity.ResponseRate, 0.5; got != want {
		t.Fatalf("ResponseRate = %v, want %v", got, want)
	}
}

func TestSessionProductivityResetWhenStale(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Outbound, nil)
	now := time.Now()
	s.recordOutboundRequest()
	s.recordResponse(now)
	s.resetProductivityIfStale(now.Add(30*time.Second), 20*time.Second)
	if s.Productivity.RequestCounter != 0 || s.Productivity.ResponseCounter != 0 {
		t.Fatalf("expected productivity reset, got %+v", s.Productivity)
	}
}

func TestSessionProductivityNotResetWhenFresh(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Outbound, nil)
	now := time.Now()
	s.recordOutboundRequest()
	s.recordResponse(now)
	s.resetProductivityIfStale(now.Add(5*time.Second), 20*time.Second)
	if s.Productivity.ResponseCounter != 1 {
		t.Fatalf("expected productivity preserved, got %+v", s.Productivity)
	}
}

func TestSessionApplyPenaltyTriggersBanOnce(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Inbound, nil)
	if shouldBan := s.applyPenalty(60); shouldBan {
		t.Fatal("did not expect ban at reputation 40")
	}
	if shouldBan := s.applyPenalty(60); !shouldBan {
		t.Fatal("expected ban trigger once reputation drops to or below 0")
	}
	if shouldBan := s.applyPenalty(10); shouldBan {
		t.Fatal("expected ban trigger to fire only once")
	}
}

func TestSessionTickRatesRotatesCounters(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Inbound, nil)
	s.recordInboundRPC("status")
	s.recordInboundRPC("status")
	exceeded := s.tickRates(1000, 1000)
	if exceeded {
		t.Fatal("did not expect ws rate to exceed limit")
	}
	if got, want := s.RPCRates["status"], 2.0; got != want {
		t.Fatalf("RPCRates[status] = %v, want %v", got, want)
	}
	if s.RPCCounter["status"] != 0 {
		t.Fatalf("expected counter zeroed after tick, got %d", s.RPCCounter["status"])
	}
}

func TestSessionTickRatesExceedsLimitSkipsRotation(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Inbound, nil)
	for i := 0; i < 50; i++ {
		s.recordWSMessage()
	}
	exceeded := s.tickRates(100, 10)
	if !exceeded {
		t.Fatal("expected ws message rate to exceed configured limit")
	}
	if s.WSMessageCount == 0 {
		t.Fatal("expected counters left untouched when rotation is skipped")
	}
}

func TestSessionMarkClosedIdempotent(t *testing.T) {
	s := newSession(PeerInfo{}, "peer", Inbound, nil)
	s.markOpen(time.Now())
	if !s.markClosed() {
		t.Fatal("expected first markClosed to transition")
	}
	if s.markClosed() {
		t.Fatal("expected second markClosed to be a no-op")
	}
}
