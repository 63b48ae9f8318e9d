package p2p

import "testing"

func TestConnRateLimiterGlobalBurst(t *testing.T) {
	limiter := newConnRateLimiter(1, 2, 0, 0)
	if !limiter.allow("1.2.3.4:5000") {
		t.Fatalf("first connection should be allowed")
	}
	if !limiter.allow("9.9.9.9:5000") {
		t.Fatalf("second connection should be allowed (global burst 2)")
	}
	if limiter.allow("1.2.3.4:5000") {
		t.Fatalf("third connection should exceed the global burst")
	}
}

func TestConnRateLimiterPerIPIndependent(t *testing.T) {
	limiter := newConnRateLimiter(0, 0, 1, 1)
	if !limiter.allow("1.2.3.4:5000") {
		t.Fatalf("first connection from 1.2.3.4 should be allowed")
	}
	if limiter.allow("1.2.3.4:5001") {
		t.Fatalf("second connection from the same host should exceed its burst")
	}
	if !limiter.allow("5.6.7.8:5000") {
		t.Fatalf("a different host should have its own independent limiter")
	}
}

func TestConnRateLimiterDisabledHalvesAlwaysAllow(t *testing.T) {
	limiter := newConnRateLimiter(0, 0, 0, 0)
	for i := 0; i < 10; i++ {
		if !limiter.allow("1.2.3.4:5000") {
			t.Fatalf("limiter with no configured rate should never reject")
		}
	}
}

func TestConnRateLimiterMalformedAddrSkipsPerIP(t *testing.T) {
	limiter := newConnRateLimiter(0, 0, 1, 1)
	if !limiter.allow("not-a-host-port") {
		t.Fatalf("malformed remote addr should fall back to allowing the connection")
	}
	if !limiter.allow("not-a-host-port") {
		t.Fatalf("malformed remote addr should never be rate limited per-IP")
	}
}
