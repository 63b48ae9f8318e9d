package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func samplePeer(t *testing.T, ip string, port int) PeerInfo {
	t.Helper()
	return PeerInfo{IPAddress: ip, WSPort: port, Version: "1.0.0", ProtocolVersion: "1.0"}
}

func TestPeerBookAddNewAndGetAllPeers(t *testing.T) {
	book := NewPeerBook(1, 4, 4)
	now := time.Now()
	if err := book.addNew(samplePeer(t, "8.8.8.8", 5000), now); err != nil {
		t.Fatalf("addNew: %v", err)
	}
	if got := len(book.getAllPeers()); got != 1 {
		t.Fatalf("getAllPeers = %d, want 1", got)
	}
}

func TestPeerBookUpgradeNewToTried(t *testing.T) {
	book := NewPeerBook(1, 4, 4)
	now := time.Now()
	info := samplePeer(t, "8.8.8.8", 5000)
	if err := book.addNew(info, now); err != nil {
		t.Fatalf("addNew: %v", err)
	}
	id, _ := info.PeerID()
	if err := book.upgradeNewToTried(id, now); err != nil {
		t.Fatalf("upgradeNewToTried: %v", err)
	}
	bucketIdx, err := bucketId(1, info.IPAddress, string(KindTried), 4)
	if err != nil {
		t.Fatalf("bucketId: %v", err)
	}
	if got := book.getBucket(KindTried, bucketIdx); len(got) != 1 {
		t.Fatalf("expected peer present in tried bucket, got %d entries", len(got))
	}
	newBucketIdx, _ := bucketId(1, info.IPAddress, string(KindNew), 4)
	if got := book.getBucket(KindNew, newBucketIdx); len(got) != 0 {
		t.Fatalf("expected peer removed from new bucket, got %d entries", len(got))
	}
}

func TestPeerBookBucketEvictsLeastRecentlySeen(t *testing.T) {
	book := NewPeerBook(7, 1, 2)
	base := time.Now()
	a := samplePeer(t, "127.0.0.1", 1)
	bPeer := samplePeer(t, "127.0.0.2", 2)
	cPeer := samplePeer(t, "127.0.0.3", 3)

	if err := book.addNew(a, base); err != nil {
		t.Fatalf("addNew a: %v", err)
	}
	if err := book.addNew(bPeer, base.Add(time.Second)); err != nil {
		t.Fatalf("addNew b: %v", err)
	}
	if err := book.addNew(cPeer, base.Add(2*time.Second)); err != nil {
		t.Fatalf("addNew c: %v", err)
	}

	bucket := book.getBucket(KindNew, 0)
	if len(bucket) != 2 {
		t.Fatalf("expected bucket capped at 2, got %d", len(bucket))
	}
	for _, info := range bucket {
		if info.WSPort == 1 {
			t.Fatalf("expected least-recently-seen peer a evicted, still present")
		}
	}
}

func TestPeerBookRemove(t *testing.T) {
	book := NewPeerBook(1, 4, 4)
	now := time.Now()
	info := samplePeer(t, "8.8.8.8", 5000)
	if err := book.addNew(info, now); err != nil {
		t.Fatalf("addNew: %v", err)
	}
	id, _ := info.PeerID()
	book.remove(id)
	if got := len(book.getAllPeers()); got != 0 {
		t.Fatalf("expected peer removed, got %d remaining", got)
	}
}

func TestSanitizePeerListsFiltersBlacklistAndDedupsWhitelist(t *testing.T) {
	lists := PeerLists{
		SeedPeers:      []string{"1.2.3.4", "5.6.7.8"},
		FixedPeers:     []string{"9.9.9.9"},
		WhitelistedIPs: []string{"1.2.3.4", "10.10.10.10"},
		BlacklistedIPs: []string{"5.6.7.8"},
		PreviousPeers:  []string{"11.11.11.11"},
	}
	out := sanitizePeerLists(lists)
	require.Equal(t, []string{"1.2.3.4"}, out.SeedPeers)
	require.Equal(t, []string{"10.10.10.10"}, out.Whitelisted)
	require.Equal(t, []string{"9.9.9.9"}, out.FixedPeers)
	require.Equal(t, []string{"11.11.11.11"}, out.PreviousPeers)
}
