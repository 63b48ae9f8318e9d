package p2p

import "testing"

func TestNormalizeAddressIPv4(t *testing.T) {
	na, err := normalizeAddress("127.0.0.1")
	if err != nil {
		t.Fatalf("normalizeAddress: %v", err)
	}
	if na.Protocol != networkIPv4 || na.Address != "127.0.0.1" {
		t.Fatalf("unexpected normalization: %+v", na)
	}
}

func TestNormalizeAddressIPv6Loopback(t *testing.T) {
	na, err := normalizeAddress("::1")
	if err != nil {
		t.Fatalf("normalizeAddress: %v", err)
	}
	want := "0:0:0:0:0:0:0:1"
	if na.Protocol != networkIPv6 || na.Address != want {
		t.Fatalf("got %+v, want address %q", na, want)
	}
}

func TestNormalizeAddressIPv4Mapped(t *testing.T) {
	na, err := normalizeAddress("::ffff:10.1.2.3")
	if err != nil {
		t.Fatalf("normalizeAddress: %v", err)
	}
	if na.Protocol != networkIPv4 || na.Address != "10.1.2.3" {
		t.Fatalf("expected v4-mapped address to normalize to v4, got %+v", na)
	}
}

func TestNormalizeAddressInvalid(t *testing.T) {
	if _, err := normalizeAddress("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid literal")
	}
}

func TestPeerIDFormat(t *testing.T) {
	v4, _ := normalizeAddress("127.0.0.1")
	if got := peerID(v4, 5000); got != "127.0.0.1:5000" {
		t.Fatalf("peerID v4 = %q", got)
	}
	v6, _ := normalizeAddress("::1")
	if got := peerID(v6, 5000); got != "[0:0:0:0:0:0:0:1]:5000" {
		t.Fatalf("peerID v6 = %q", got)
	}
}

func TestClassifyNetwork(t *testing.T) {
	cases := []struct {
		addr string
		want networkClass
	}{
		{"127.0.0.1", networkLocal},
		{"0.0.0.0", networkLocal},
		{"10.0.0.5", networkPrivate},
		{"172.16.0.5", networkPrivate},
		{"172.31.255.255", networkPrivate},
		{"172.32.0.1", networkIPv4},
		{"172.15.0.1", networkIPv4},
		{"8.8.8.8", networkIPv4},
		{"::1", networkLocal},
		{"fc00::1", networkPrivate},
		{"fd12::1", networkPrivate},
		{"2001:db8::1", networkIPv6},
	}
	for _, tc := range cases {
		na, err := normalizeAddress(tc.addr)
		if err != nil {
			t.Fatalf("normalizeAddress(%q): %v", tc.addr, err)
		}
		if got := classifyNetwork(na); got != tc.want {
			t.Errorf("classifyNetwork(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestBucketIdDeterministic(t *testing.T) {
	const secret = uint32(0xdeadbeef)
	a, err := bucketId(secret, "8.8.8.8", "new", 64)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	b, err := bucketId(secret, "8.8.8.8", "new", 64)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	if a != b {
		t.Fatalf("bucketId not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 64 {
		t.Fatalf("bucketId out of range: %d", a)
	}
}

func TestBucketIdDifferentSecretDiffers(t *testing.T) {
	a, err := bucketId(1, "8.8.8.8", "new", 4096)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	b, err := bucketId(2, "8.8.8.8", "new", 4096)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	if a == b {
		t.Fatalf("expected different secrets to (almost always) produce different buckets, both = %d", a)
	}
}

func TestBucketIdLocalAndPrivateCollapse(t *testing.T) {
	const secret = uint32(42)
	a, err := bucketId(secret, "127.0.0.1", "new", 64)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	b, err := bucketId(secret, "127.0.0.2", "new", 64)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	if a != b {
		t.Fatalf("expected all LOCAL addresses to collapse to the same bucket, got %d and %d", a, b)
	}
}

func TestBucketIdRejectsInvalidAddress(t *testing.T) {
	if _, err := bucketId(1, "not-an-ip", "new", 16); !IsInvalidPeer(err) {
		t.Fatalf("expected invalid peer error, got %v", err)
	}
}

func TestBucketIdRequiresPositiveBucketCount(t *testing.T) {
	if _, err := bucketId(1, "8.8.8.8", "new", 0); err == nil {
		t.Fatal("expected error for non-positive bucketCount")
	}
}

func TestBucketIdWithHashBlake3Deterministic(t *testing.T) {
	const secret = uint32(7)
	a, err := bucketIdWithHash(secret, "8.8.8.8", "new", 64, Blake3HashFunc)
	if err != nil {
		t.Fatalf("bucketIdWithHash: %v", err)
	}
	b, err := bucketIdWithHash(secret, "8.8.8.8", "new", 64, Blake3HashFunc)
	if err != nil {
		t.Fatalf("bucketIdWithHash: %v", err)
	}
	if a != b {
		t.Fatalf("blake3-backed bucketId not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 64 {
		t.Fatalf("bucketId out of range: %d", a)
	}
}
