package p2p

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"net"
	"strconv"
	"strings"
)

// HashFunc constructs the hash.Hash used to derive bucket indices. Config's
// BucketHashFunc defaults to sha256.New; deployments that want a faster
// primitive can supply Blake3HashFunc (p2p/hash_blake3.go) instead. Nothing
// about bucket placement depends on the specific hash beyond uniform
// distribution and a fixed-size digest, so substitutability is safe.
type HashFunc func() hash.Hash

// networkClass categorizes a normalized address for bucket placement and
// eviction diversity. The numeric values double as the networkCode byte fed
// into bucketId, so the ordering here is part of the wire contract.
type networkClass byte

const (
	networkLocal networkClass = iota
	networkPrivate
	networkIPv4
	networkIPv6
	networkOther
)

func (c networkClass) String() string {
	switch c {
	case networkLocal:
		return "LOCAL"
	case networkPrivate:
		return "PRIVATE"
	case networkIPv4:
		return "IPV4"
	case networkIPv6:
		return "IPV6"
	default:
		return "OTHER"
	}
}

// normalizedAddress is the output of normalizeAddress: a protocol tag and a
// canonical textual address. IPv6 addresses are fully expanded (no "::"
// compression) with each group's leading zeros stripped, matching the
// peerId wire format ("[0:0:0:0:0:0:0:1]:5000").
type normalizedAddress struct {
	Protocol networkClass // networkIPv4 or networkIPv6, never a classification
	Address  string
}

// normalizeAddress canonicalizes a bare IP literal (no port). IPv4-mapped
// IPv6 addresses ("::ffff:a.b.c.d") normalize down to their IPv4 form.
func normalizeAddress(a string) (normalizedAddress, error) {
	ip := net.ParseIP(strings.TrimSpace(a))
	if ip == nil {
		return normalizedAddress{}, fmt.Errorf("%w: invalid address %q", ErrInvalidPeer, a)
	}
	if v4 := ip.To4(); v4 != nil {
		return normalizedAddress{Protocol: networkIPv4, Address: v4.String()}, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return normalizedAddress{}, fmt.Errorf("%w: address %q has no fixed representation", ErrInvalidPeer, a)
	}
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		word := binary.BigEndian.Uint16(v6[i*2 : i*2+2])
		groups[i] = strconv.FormatUint(uint64(word), 16)
	}
	return normalizedAddress{Protocol: networkIPv6, Address: strings.Join(groups, ":")}, nil
}

// normalizeHostPort splits "host:port" (or "[v6]:port") and normalizes the
// host half, returning the normalized address and the numeric port.
func normalizeHostPort(addr string) (normalizedAddress, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return normalizedAddress{}, 0, fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return normalizedAddress{}, 0, fmt.Errorf("%w: invalid port %q", ErrInvalidPeer, portStr)
	}
	na, err := normalizeAddress(host)
	if err != nil {
		return normalizedAddress{}, 0, err
	}
	return na, port, nil
}

// peerID derives the canonical, unique, wire- and log-visible identifier for
// a peer's address: "<ip>:<port>" for IPv4, "[<ip>]:<port>" for IPv6.
func peerID(na normalizedAddress, port int) string {
	if na.Protocol == networkIPv6 {
		return fmt.Sprintf("[%s]:%d", na.Address, port)
	}
	return fmt.Sprintf("%s:%d", na.Address, port)
}

// classifyNetwork buckets a normalized address into the coarse class used
// for bucket placement: LOCAL (loopback), PRIVATE (RFC1918 10.0.0.0/8 and
// 172.16.0.0/12, or IPv6 ULA fc00::/7), IPV4/IPV6 for everything else
// routable, OTHER for anything classifyNetwork cannot place.
func classifyNetwork(na normalizedAddress) networkClass {
	switch na.Protocol {
	case networkIPv4:
		octets := strings.Split(na.Address, ".")
		if len(octets) != 4 {
			return networkOther
		}
		first, err1 := strconv.Atoi(octets[0])
		second, err2 := strconv.Atoi(octets[1])
		if err1 != nil || err2 != nil {
			return networkOther
		}
		if first == 0 || first == 127 {
			return networkLocal
		}
		if first == 10 || (first == 172 && second >= 16 && second <= 31) {
			return networkPrivate
		}
		return networkIPv4
	case networkIPv6:
		if na.Address == "0:0:0:0:0:0:0:1" {
			return networkLocal
		}
		if strings.HasPrefix(na.Address, "fc") || strings.HasPrefix(na.Address, "fd") {
			return networkPrivate
		}
		return networkIPv6
	default:
		return networkOther
	}
}

// addressBytes returns the fixed-width byte encoding of na used as bucketId
// hash input: 4 bytes for IPv4, 16 bytes (8 groups x 2 bytes, each group
// zero-padded to 4 hex digits) for IPv6.
func addressBytes(na normalizedAddress) ([]byte, error) {
	switch na.Protocol {
	case networkIPv4:
		ip := net.ParseIP(na.Address).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not a valid IPv4 literal", ErrInvalidPeer, na.Address)
		}
		return ip, nil
	case networkIPv6:
		groups := strings.Split(na.Address, ":")
		if len(groups) != 8 {
			return nil, fmt.Errorf("%w: %q is not a fully expanded IPv6 address", ErrInvalidPeer, na.Address)
		}
		out := make([]byte, 16)
		for i, g := range groups {
			word, err := strconv.ParseUint(g, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPeer, na.Address)
			}
			binary.BigEndian.PutUint16(out[i*2:i*2+2], uint16(word))
		}
		return out, nil
	default:
		return nil, ErrUnsupportedAddress
	}
}

// bucketId derives a deterministic bucket index in [0, bucketCount) for
// targetAddress, salted by secret so bucket placement cannot be predicted by
// a remote peer. LOCAL and PRIVATE addresses omit their address bytes from
// the hash entirely, so every such address maps to the same bucket for a
// given secret+peerKind — this is intentional: localhost/RFC1918 peers are
// not address-diverse enough to bucket individually.
func bucketId(secret uint32, targetAddress string, peerKind string, bucketCount int) (int, error) {
	return bucketIdWithHash(secret, targetAddress, peerKind, bucketCount, nil)
}

// bucketIdWithHash is bucketId generalized to an arbitrary HashFunc; a nil
// hashFunc falls back to sha256.New.
func bucketIdWithHash(secret uint32, targetAddress string, peerKind string, bucketCount int, hashFunc HashFunc) (int, error) {
	if bucketCount <= 0 {
		return 0, fmt.Errorf("p2p: bucketCount must be positive, got %d", bucketCount)
	}
	na, err := normalizeAddress(targetAddress)
	if err != nil {
		return 0, err
	}
	class := classifyNetwork(na)
	if class == networkOther {
		return 0, ErrUnsupportedAddress
	}

	if hashFunc == nil {
		hashFunc = sha256.New
	}
	h := hashFunc()
	var secretBuf [4]byte
	binary.BigEndian.PutUint32(secretBuf[:], secret)
	h.Write(secretBuf[:])
	h.Write([]byte{byte(class)})
	if class != networkLocal && class != networkPrivate {
		addrBytes, err := addressBytes(na)
		if err != nil {
			return 0, err
		}
		h.Write(addrBytes)
	}
	sum := h.Sum(nil)
	idx := binary.BigEndian.Uint32(sum[:4])
	return int(idx % uint32(bucketCount)), nil
}
