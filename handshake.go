package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nhbmesh/p2p/transport"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	handshakeEvent         = "handshake"
	handshakeNonceSize     = 16
	handshakeSkewAllowance = 5 * time.Minute
)

// handshakePacket is the first frame exchanged over a freshly accepted or
// dialed Conn, before either side is promoted to a Session. It binds the
// sender's claimed NodeInfo to the key that produced Signature.
type handshakePacket struct {
	NodeInfo  NodeInfo `json:"nodeInfo"`
	Nonce     string   `json:"nonce"`
	Timestamp int64    `json:"ts"`
	Signature string   `json:"sig"`
	AuthToken string   `json:"authToken,omitempty"`

	peerID string
}

// performHandshake sends local's handshake, waits for the remote side's, and
// verifies it. nonces is the guard used to reject replayed nonces. authToken
// is attached to the outgoing packet as-is (empty when the deployment has no
// JWT admission policy); the remote side decides whether to require one.
func performHandshake(ctx context.Context, conn transport.Conn, id *Identity, local NodeInfo, nonces *nonceGuard, authToken string) (*handshakePacket, error) {
	outgoing, err := buildHandshake(id, local, nonces, time.Now(), authToken)
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	body, err := json.Marshal(outgoing)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake: %w", err)
	}
	if err := conn.Send(handshakeEvent, body); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	select {
	case frame, ok := <-conn.Frames():
		if !ok {
			return nil, fmt.Errorf("connection closed before handshake")
		}
		event, data, err := validateMessage(frame.Data)
		if err != nil {
			return nil, fmt.Errorf("decode handshake envelope: %w", err)
		}
		if event != handshakeEvent {
			return nil, fmt.Errorf("expected handshake, got event %q", event)
		}
		var remote handshakePacket
		if err := json.Unmarshal(data, &remote); err != nil {
			return nil, fmt.Errorf("decode handshake payload: %w", err)
		}
		if err := verifyHandshake(&remote, nonces, time.Now()); err != nil {
			return nil, err
		}
		return &remote, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildHandshake(id *Identity, local NodeInfo, nonces *nonceGuard, now time.Time, authToken string) (*handshakePacket, error) {
	nonceBytes := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	nonce := encodeHex(nonceBytes)

	packet := &handshakePacket{
		NodeInfo:  local,
		Nonce:     nonce,
		Timestamp: now.Unix(),
		AuthToken: authToken,
	}
	infoJSON, err := json.Marshal(packet.NodeInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake node info: %w", err)
	}
	digest := handshakeDigest(infoJSON, nonce, packet.Timestamp)
	sig, err := id.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	packet.Signature = encodeHex(sig)
	packet.peerID = id.NodeID

	if !nonces.Remember(id.NodeID, nonce, now) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return packet, nil
}

func verifyHandshake(packet *handshakePacket, nonces *nonceGuard, now time.Time) error {
	if packet == nil {
		return fmt.Errorf("nil handshake packet")
	}
	if strings.TrimSpace(packet.NodeInfo.IPAddress) == "" {
		return fmt.Errorf("handshake missing node address")
	}
	if strings.TrimSpace(packet.Signature) == "" {
		return fmt.Errorf("handshake missing signature")
	}
	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fmt.Errorf("invalid handshake nonce length: %d", len(nonceBytes))
	}

	ts := time.Unix(packet.Timestamp, 0)
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("handshake timestamp skew too large")
	}

	infoJSON, err := json.Marshal(packet.NodeInfo)
	if err != nil {
		return fmt.Errorf("marshal handshake node info for verification: %w", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("invalid handshake signature length: %d", len(sigBytes))
	}

	digest := handshakeDigest(infoJSON, packet.Nonce, packet.Timestamp)
	peerID, err := RecoverPeerID(digest, sigBytes)
	if err != nil {
		return fmt.Errorf("recover handshake signature: %w", err)
	}

	if !nonces.Remember(peerID, packet.Nonce, now) {
		return fmt.Errorf("handshake nonce replay detected")
	}

	packet.peerID = peerID
	return nil
}

func handshakeDigest(infoJSON []byte, nonce string, timestamp int64) []byte {
	digestInput := fmt.Sprintf("p2pmesh|hello|%s|%s|%d", infoJSON, nonce, timestamp)
	return ethcrypto.Keccak256([]byte(digestInput))
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}
