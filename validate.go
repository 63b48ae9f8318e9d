package p2p

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// wirePeerInfo is the raw, untrusted shape a peer-info payload arrives in
// before validatePeerInfo sanitizes it into a PeerInfo.
type wirePeerInfo struct {
	IP              string          `json:"ip"`
	WSPort          int             `json:"wsPort"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocolVersion"`
	OS              string          `json:"os"`
	Height          *int64          `json:"height"`
	Modules         []string        `json:"modules"`
}

// validatePeerInfo sanitizes a raw peer-info payload per §4.2: fails with
// ErrInvalidPeer if the encoded size exceeds maxByteSize, ip/wsPort is
// malformed, or version is not a valid semver. height defaults to 0 and a
// negative value is coerced to 0.
func validatePeerInfo(raw json.RawMessage, maxByteSize int) (PeerInfo, error) {
	if len(raw) > maxByteSize {
		return PeerInfo{}, fmt.Errorf("%w: peer info exceeds %d bytes", ErrInvalidPeer, maxByteSize)
	}
	var wire wirePeerInfo
	if err := json.Unmarshal(raw, &wire); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	na, err := normalizeAddress(wire.IP)
	if err != nil {
		return PeerInfo{}, err
	}
	if wire.WSPort <= 0 || wire.WSPort > 65535 {
		return PeerInfo{}, fmt.Errorf("%w: invalid wsPort %d", ErrInvalidPeer, wire.WSPort)
	}
	if _, err := semver.NewVersion(wire.Version); err != nil {
		return PeerInfo{}, fmt.Errorf("%w: invalid version %q: %v", ErrInvalidPeer, wire.Version, err)
	}
	height := uint64(0)
	if wire.Height != nil && *wire.Height > 0 {
		height = uint64(*wire.Height)
	}
	return PeerInfo{
		IPAddress:       na.Address,
		WSPort:          wire.WSPort,
		Version:         wire.Version,
		ProtocolVersion: wire.ProtocolVersion,
		OS:              wire.OS,
		Height:          height,
		Modules:         wire.Modules,
	}, nil
}

// validatePeerList validates the "list" RPC response shape per §4.2: the
// response must carry a peers array no longer than maxListLength; any single
// peer entry whose serialized size exceeds maxPerPeerBytes is silently
// dropped rather than failing the whole list.
func validatePeerList(raw json.RawMessage, maxListLength, maxPerPeerBytes int) ([]PeerInfo, error) {
	var wire struct {
		Peers []json.RawMessage `json:"peers"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRPCResponse, err)
	}
	if len(wire.Peers) > maxListLength {
		return nil, fmt.Errorf("%w: peer list exceeds %d entries", ErrInvalidRPCResponse, maxListLength)
	}
	out := make([]PeerInfo, 0, len(wire.Peers))
	for _, entry := range wire.Peers {
		if len(entry) > maxPerPeerBytes {
			continue
		}
		info, err := validatePeerInfo(entry, maxPerPeerBytes)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// validateRPCRequest fails with ErrInvalidRPCRequest unless procedure is a
// non-empty string.
func validateRPCRequest(raw json.RawMessage) (procedure string, data json.RawMessage, err error) {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidRPCRequest, err)
	}
	if strings.TrimSpace(env.Procedure) == "" {
		return "", nil, fmt.Errorf("%w: missing procedure", ErrInvalidRPCRequest)
	}
	return env.Procedure, env.Data, nil
}

// validateMessage fails with ErrInvalidProtocolMessage unless event is a
// non-empty string.
func validateMessage(raw json.RawMessage) (event string, data json.RawMessage, err error) {
	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidProtocolMessage, err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return "", nil, fmt.Errorf("%w: missing event", ErrInvalidProtocolMessage)
	}
	return env.Event, env.Data, nil
}

// checkCompatibility implements §4.2's version-gate: if the peer advertises
// no protocolVersion, fall back to semver.gte(peer.version, node.minVersion);
// otherwise only the major component of protocolVersion is compared for
// exact equality, and that major must be >= 1.
func checkCompatibility(peer PeerInfo, node NodeInfo) bool {
	if strings.TrimSpace(peer.ProtocolVersion) == "" {
		peerVer, err := semver.NewVersion(peer.Version)
		if err != nil {
			return false
		}
		minVer, err := semver.NewVersion(node.MinVersion)
		if err != nil {
			return false
		}
		return peerVer.Compare(minVer) >= 0
	}
	peerMajor, err := majorComponent(peer.ProtocolVersion)
	if err != nil {
		return false
	}
	nodeMajor, err := majorComponent(node.ProtocolVersion)
	if err != nil {
		return false
	}
	return peerMajor == nodeMajor && peerMajor >= 1
}

// compatibilityCloseCode runs checkCompatibility and, on failure, picks the
// disconnect code a caller should close with: a protocolVersion major
// mismatch reads as a different network epoch, while failing the version
// floor reads as an out-of-date client (§4.2, §6).
func compatibilityCloseCode(peer PeerInfo, node NodeInfo) (code int, compatible bool) {
	if checkCompatibility(peer, node) {
		return 0, true
	}
	if strings.TrimSpace(peer.ProtocolVersion) == "" {
		return StatusIncompatibleProtocolVersion, false
	}
	return StatusIncompatibleNetwork, false
}

func majorComponent(protocolVersion string) (int, error) {
	major, _, _ := strings.Cut(protocolVersion, ".")
	return strconv.Atoi(major)
}
