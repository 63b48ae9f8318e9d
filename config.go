package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhbmesh/p2p/seeds"
)

// SelectionFunc picks one peer to service a request.
type SelectionFunc func(peers []*Session, node NodeInfo, peerLimit int, payload json.RawMessage) *Session

// FanoutSelectionFunc picks a set of peers to fan a message out to.
type FanoutSelectionFunc func(peers []*Session, node NodeInfo, peerLimit int, payload json.RawMessage) []*Session

// DialSelectionInput is passed to ConnectionSelectionFunc (§4.5).
type DialSelectionInput struct {
	DisconnectedNewPeers   []PeerInfo
	DisconnectedTriedPeers []PeerInfo
	ConnectedNewPeers      int
	ConnectedTriedPeers    int
	MaxOutbound            int
}

// ConnectionSelectionFunc picks which discovered peers to dial next.
type ConnectionSelectionFunc func(in DialSelectionInput) []PeerInfo

// PeerLists is the operator-supplied, pre-sanitization peer configuration
// (§4.3, §6 Configuration).
type PeerLists struct {
	SeedPeers       []string
	FixedPeers      []string
	WhitelistedIPs  []string
	BlacklistedIPs  []string
	PreviousPeers   []string
}

// Config enumerates every tunable named in §6's Configuration list, plus the
// ambient fields (logger, metrics, hashing) this rendering needs to wire a
// concrete instance together.
type Config struct {
	// Timeouts
	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// Rate accounting
	RateCalculationInterval time.Duration
	WSMaxMessageRate        float64
	WSMaxMessageRatePenalty int
	WSMaxPayloadInbound     int
	WSMaxPayloadOutbound    int

	// Productivity
	ProductivityResetInterval time.Duration

	// Validation limits
	MaxPeerInfoSize                int
	MaxPeerListLength               int
	MaxPerPeerListEntryBytes        int
	MaxPeerDiscoveryResponseLength int
	MinimumPeerDiscoveryThreshold  int
	MaxPeerDiscoveryProbeSampleSize int

	// Pool quotas and policy
	MaxOutboundConnections int
	MaxInboundConnections  int
	SendPeerLimit          int
	OutboundShuffleInterval time.Duration
	PeerBanTime             time.Duration
	ModuleCountFactor       int

	// Discovery populator
	PopulatorInterval   time.Duration
	PopulatorStartDelay time.Duration

	// Eviction protection ratios, each in [0,1]
	LatencyProtectionRatio     float64
	ProductivityProtectionRatio float64
	LongevityProtectionRatio   float64

	// Keep-alive
	PingIntervalMin time.Duration
	PingIntervalMax time.Duration

	// Bucketing
	Secret      uint32
	BucketCount int
	BucketSize  int
	// BucketHashFunc overrides the hash used to derive bucket indices; nil
	// keeps the default sha256.New. See HashFunc and Blake3HashFunc.
	BucketHashFunc HashFunc

	// Peer sources
	PeerLists PeerLists

	// SeedRegistry, when set, is resolved alongside PeerLists.SeedPeers at
	// bootstrap and again on its own RefreshInterval cadence, dialing any
	// seed address it turns up (§4.3). SeedResolver overrides the DNS
	// resolver used for its authorities; nil falls back to
	// seeds.DefaultResolver().
	SeedRegistry *seeds.Registry
	SeedResolver seeds.Resolver

	// Selection plug-ins; nil falls back to the package defaults.
	SelectForRequest    SelectionFunc
	SelectForSend       FanoutSelectionFunc
	SelectForConnection ConnectionSelectionFunc

	// RequireAuthToken gates inbound admission on a valid JWT bearer
	// credential, for deployers who want to admit operator-controlled peers
	// without hand-maintaining an IP allowlist. Inbound admission performs no
	// whitelist/blacklist IP check of its own.
	RequireAuthToken bool
	AuthTokenIssuer  string
	AuthTokenAudience string

	// Inbound connection admission, checked before a handshake is attempted
	// (separate from the per-session windowed accounting in session.go). A
	// non-positive rate disables that half of the check.
	MaxGlobalConnectRate  float64
	MaxGlobalConnectBurst int
	MaxPerIPConnectRate   float64
	MaxPerIPConnectBurst  int
}

// DefaultConfig returns a Config populated with the defaults named in §6 and
// §4.4 ("20 s default" productivity reset, "20 s..60 s" ping window, etc).
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:                  2 * time.Second,
		AckTimeout:                      2 * time.Second,
		RateCalculationInterval:         1000 * time.Millisecond,
		WSMaxMessageRate:                100,
		WSMaxMessageRatePenalty:         20,
		WSMaxPayloadInbound:             5000,
		WSMaxPayloadOutbound:            5000,
		ProductivityResetInterval:       20 * time.Second,
		MaxPeerInfoSize:                 4096,
		MaxPeerListLength:               256,
		MaxPerPeerListEntryBytes:        2048,
		MaxPeerDiscoveryResponseLength:  64,
		MinimumPeerDiscoveryThreshold:   8,
		MaxPeerDiscoveryProbeSampleSize: 4,
		MaxOutboundConnections:          12,
		MaxInboundConnections:           40,
		SendPeerLimit:                   8,
		OutboundShuffleInterval:         10 * time.Minute,
		PeerBanTime:                     24 * time.Hour,
		ModuleCountFactor:               1,
		PopulatorInterval:               30 * time.Second,
		PopulatorStartDelay:             5 * time.Second,
		LatencyProtectionRatio:          0.2,
		ProductivityProtectionRatio:     0.2,
		LongevityProtectionRatio:        0.2,
		PingIntervalMin:                 20 * time.Second,
		PingIntervalMax:                 60 * time.Second,
		BucketCount:                     64,
		BucketSize:                      64,
		MaxGlobalConnectRate:            50,
		MaxGlobalConnectBurst:           100,
		MaxPerIPConnectRate:             1,
		MaxPerIPConnectBurst:            5,
	}
}

// Validate range-checks the configuration, mirroring the teacher's
// config/validate.go style of one early-return per violated constraint.
func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("p2p: connectTimeout must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("p2p: ackTimeout must be positive")
	}
	if c.RateCalculationInterval <= 0 {
		return fmt.Errorf("p2p: rateCalculationInterval must be positive")
	}
	if c.MaxPeerInfoSize <= 0 {
		return fmt.Errorf("p2p: maxPeerInfoSize must be positive")
	}
	if c.MaxOutboundConnections <= 0 || c.MaxInboundConnections <= 0 {
		return fmt.Errorf("p2p: maxOutboundConnections and maxInboundConnections must be positive")
	}
	if c.BucketCount <= 0 || c.BucketSize <= 0 {
		return fmt.Errorf("p2p: bucketCount and bucketSize must be positive")
	}
	for _, ratio := range []float64{c.LatencyProtectionRatio, c.ProductivityProtectionRatio, c.LongevityProtectionRatio} {
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("p2p: protection ratios must be within [0,1]")
		}
	}
	if c.PingIntervalMin <= 0 || c.PingIntervalMax < c.PingIntervalMin {
		return fmt.Errorf("p2p: pingIntervalMin/pingIntervalMax misconfigured")
	}
	if c.ModuleCountFactor < 0 {
		return fmt.Errorf("p2p: moduleCountFactor must be non-negative")
	}
	return nil
}
