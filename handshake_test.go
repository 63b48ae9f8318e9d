package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/nhbmesh/p2p/crypto"
	"github.com/nhbmesh/p2p/transport"
)

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate private key: %v", err)
	}
	return &Identity{PrivateKey: priv, NodeID: deriveNodeID(priv)}
}

func testNodeInfo(ip string, port int) NodeInfo {
	return NodeInfo{
		PeerInfo: PeerInfo{
			IPAddress:       ip,
			WSPort:          port,
			Version:         "1.0.0",
			ProtocolVersion: "1.0",
		},
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := transport.Pipe("local", "remote")
	localID := mustIdentity(t)
	remoteID := mustIdentity(t)
	localNonces := newNonceGuard(time.Minute)
	defer localNonces.Close()
	remoteNonces := newNonceGuard(time.Minute)
	defer remoteNonces.Close()

	errCh := make(chan error, 1)
	var remotePacket *handshakePacket
	go func() {
		pkt, err := performHandshake(context.Background(), b, remoteID, testNodeInfo("127.0.0.1", 9001), remoteNonces, "")
		remotePacket = pkt
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	localPacket, err := performHandshake(ctx, a, localID, testNodeInfo("127.0.0.1", 9000), localNonces, "")
	if err != nil {
		t.Fatalf("local handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("remote handshake: %v", err)
	}

	if localPacket.peerID != remoteID.NodeID {
		t.Fatalf("expected local to recover remote's node ID %s, got %s", remoteID.NodeID, localPacket.peerID)
	}
	if remotePacket.peerID != localID.NodeID {
		t.Fatalf("expected remote to recover local's node ID %s, got %s", localID.NodeID, remotePacket.peerID)
	}
}

func TestHandshakeRejectsTamperedSignature(t *testing.T) {
	id := mustIdentity(t)
	nonces := newNonceGuard(time.Minute)
	defer nonces.Close()

	now := time.Now()
	packet, err := buildHandshake(id, testNodeInfo("127.0.0.1", 9000), nonces, now, "")
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	sigBytes[0] ^= 0xFF
	packet.Signature = encodeHex(sigBytes)

	if err := verifyHandshake(packet, nonces, now); err == nil {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	id := mustIdentity(t)
	nonces := newNonceGuard(time.Minute)
	defer nonces.Close()

	now := time.Now()
	packet, err := buildHandshake(id, testNodeInfo("127.0.0.1", 9000), nonces, now.Add(-time.Hour), "")
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := verifyHandshake(packet, nonces, now); err == nil {
		t.Fatalf("expected stale timestamp to fail verification")
	}
}

func TestHandshakeRejectsNonceReplay(t *testing.T) {
	id := mustIdentity(t)
	nonces := newNonceGuard(time.Minute)
	defer nonces.Close()

	now := time.Now()
	packet, err := buildHandshake(id, testNodeInfo("127.0.0.1", 9000), nonces, now, "")
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	verifierNonces := newNonceGuard(time.Minute)
	defer verifierNonces.Close()
	if err := verifyHandshake(packet, verifierNonces, now); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := verifyHandshake(packet, verifierNonces, now); err == nil {
		t.Fatalf("expected nonce replay to be rejected")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	a, _ := transport.Pipe("local", "remote")
	id := mustIdentity(t)
	nonces := newNonceGuard(time.Minute)
	defer nonces.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// a's peer never sends its own handshake frame, so performHandshake must
	// time out waiting on Frames() rather than block forever.
	_, err := performHandshake(ctx, a, id, testNodeInfo("127.0.0.1", 9000), nonces, "")
	if err == nil {
		t.Fatalf("expected handshake to time out")
	}
}

func TestEncodeDecodeHexRoundTrip(t *testing.T) {
	data := []byte{0x01, 0xAB, 0xFF}
	encoded := encodeHex(data)
	decoded, err := decodeHex(encoded)
	if err != nil {
		t.Fatalf("decodeHex: %v", err)
	}
	if string(decoded) != string(data) {
		t.Fatalf("round trip mismatch: got %x want %x", decoded, data)
	}
}

