package p2p

import "encoding/json"

// PeerInfo captures a discovered peer's address and advertised node facts.
// Advertised fields beyond the ones listed here are dropped: validatePeerInfo
// does not fill Extra, and Extra is not serialized (json:"-").
type PeerInfo struct {
	IPAddress       string          `json:"ip"`
	WSPort          int             `json:"wsPort"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocolVersion"`
	OS              string          `json:"os"`
	Height          uint64          `json:"height"`
	Modules         []string        `json:"modules,omitempty"`
	Extra           json.RawMessage `json:"-"`
}

// PeerID derives the canonical unique identity for info: "<ip>:<port>" for
// IPv4, "[<ip>]:<port>" for IPv6. info.IPAddress is assumed already
// normalized (validatePeerInfo guarantees this).
func (info PeerInfo) PeerID() (string, error) {
	na, err := normalizeAddress(info.IPAddress)
	if err != nil {
		return "", err
	}
	return peerID(na, info.WSPort), nil
}

// NodeInfo is the local node's advertised state, cached by the pool and
// propagated to sessions via applyNodeInfo/updateMyself/nodeInfoChanged.
type NodeInfo struct {
	PeerInfo
	MinVersion string `json:"minVersion"`
}

// ModuleCount returns the number of advertised modules, used by the pool's
// inbound quota multiplier (maxInbound * (ModuleCount+ModuleCountFactor)).
func (n NodeInfo) ModuleCount() int { return len(n.Modules) }
