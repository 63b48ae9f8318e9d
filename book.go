package p2p

import "time"

// bookKind distinguishes the new/tried table namespaces used by bucketId and
// bucket capacity lookups (§3, §4.3).
type bookKind string

const (
	KindNew   bookKind = "new"
	KindTried bookKind = "tried"
)

// bucketEntry pairs a discovered PeerInfo with the last time it was seen, so
// a full bucket can evict its least-recently-seen member.
type bucketEntry struct {
	info     PeerInfo
	lastSeen time.Time
}

// SanitizedLists is the result of sanitizePeerLists (§4.3): normalized,
// blacklist-filtered address lists ready for the pool's dial/trust policy.
type SanitizedLists struct {
	SeedPeers     []string
	FixedPeers    []string
	Whitelisted   []string
	PreviousPeers []string
}

// PeerBook is the bucketed new/tried address store (§3, §4.3). It is owned
// exclusively by a single Pool and mutated only from that pool's mailbox
// loop (§5.1); it carries no internal lock.
type PeerBook struct {
	secret      uint32
	bucketCount int
	bucketSize  int
	hashFunc    HashFunc

	newTable   [][]bucketEntry
	triedTable [][]bucketEntry

	lists SanitizedLists
}

// NewPeerBook constructs an empty book with bucketCount buckets of capacity
// bucketSize in both the new and tried tables, salted by secret.
func NewPeerBook(secret uint32, bucketCount, bucketSize int) *PeerBook {
	return &PeerBook{
		secret:      secret,
		bucketCount: bucketCount,
		bucketSize:  bucketSize,
		newTable:    make([][]bucketEntry, bucketCount),
		triedTable:  make([][]bucketEntry, bucketCount),
	}
}

// SetHashFunc overrides the hash used to derive bucket indices; callers
// must set this before any peers are inserted, since changing it reshuffles
// where existing entries would have landed.
func (b *PeerBook) SetHashFunc(h HashFunc) { b.hashFunc = h }

func (b *PeerBook) table(kind bookKind) [][]bucketEntry {
	if kind == KindTried {
		return b.triedTable
	}
	return b.newTable
}

// addNew inserts info into the new table, evicting the least-recently-seen
// bucket member if the target bucket is already at capacity.
func (b *PeerBook) addNew(info PeerInfo, now time.Time) error {
	return b.insert(KindNew, info, now)
}

// addTried inserts info into the tried table under the same policy as addNew.
func (b *PeerBook) addTried(info PeerInfo, now time.Time) error {
	return b.insert(KindTried, info, now)
}

func (b *PeerBook) insert(kind bookKind, info PeerInfo, now time.Time) error {
	id, err := bucketIdWithHash(b.secret, info.IPAddress, string(kind), b.bucketCount, b.hashFunc)
	if err != nil {
		return err
	}
	table := b.table(kind)
	bucket := table[id]

	peerID, err := info.PeerID()
	if err != nil {
		return err
	}
	for i, entry := range bucket {
		if entryPeerID(entry) == peerID {
			bucket[i] = bucketEntry{info: info, lastSeen: now}
			table[id] = bucket
			return nil
		}
	}

	if len(bucket) >= b.bucketSize {
		victim := 0
		for i := 1; i < len(bucket); i++ {
			if bucket[i].lastSeen.Before(bucket[victim].lastSeen) {
				victim = i
			}
		}
		bucket[victim] = bucketEntry{info: info, lastSeen: now}
	} else {
		bucket = append(bucket, bucketEntry{info: info, lastSeen: now})
	}
	table[id] = bucket
	return nil
}

func entryPeerID(e bucketEntry) string {
	id, err := e.info.PeerID()
	if err != nil {
		return ""
	}
	return id
}

// upgradeNewToTried moves peerID from the new table to the tried table, a
// no-op if peerID is not present in the new table.
func (b *PeerBook) upgradeNewToTried(peerID string, now time.Time) error {
	info, ok := b.removeFrom(KindNew, peerID)
	if !ok {
		return nil
	}
	return b.insert(KindTried, info, now)
}

// remove deletes peerID from both tables.
func (b *PeerBook) remove(peerID string) {
	b.removeFrom(KindNew, peerID)
	b.removeFrom(KindTried, peerID)
}

func (b *PeerBook) removeFrom(kind bookKind, peerID string) (PeerInfo, bool) {
	table := b.table(kind)
	for bucketIdx, bucket := range table {
		for i, entry := range bucket {
			if entryPeerID(entry) == peerID {
				info := entry.info
				table[bucketIdx] = append(bucket[:i], bucket[i+1:]...)
				return info, true
			}
		}
	}
	return PeerInfo{}, false
}

// getAllPeers returns every PeerInfo across both tables.
func (b *PeerBook) getAllPeers() []PeerInfo {
	var out []PeerInfo
	for _, table := range [][][]bucketEntry{b.newTable, b.triedTable} {
		for _, bucket := range table {
			for _, entry := range bucket {
				out = append(out, entry.info)
			}
		}
	}
	return out
}

// getAll returns every PeerInfo in kind's table across all buckets.
func (b *PeerBook) getAll(kind bookKind) []PeerInfo {
	var out []PeerInfo
	for _, bucket := range b.table(kind) {
		for _, entry := range bucket {
			out = append(out, entry.info)
		}
	}
	return out
}

// containsID reports whether peerID is currently stored in kind's table.
func (b *PeerBook) containsID(kind bookKind, peerID string) bool {
	for _, bucket := range b.table(kind) {
		for _, entry := range bucket {
			if entryPeerID(entry) == peerID {
				return true
			}
		}
	}
	return false
}

// getBucket returns a copy of the PeerInfo entries in bucket id of the given
// table.
func (b *PeerBook) getBucket(kind bookKind, id int) []PeerInfo {
	table := b.table(kind)
	if id < 0 || id >= len(table) {
		return nil
	}
	bucket := table[id]
	out := make([]PeerInfo, len(bucket))
	for i, entry := range bucket {
		out[i] = entry.info
	}
	return out
}

// sanitizePeerLists normalizes and filters raw, operator-supplied address
// lists per §4.3: addresses are normalized, any address in blacklist is
// dropped from every list, and whitelist entries that also appear in fixed
// or seed are dropped from the whitelist (fixed/seed already imply trust).
func sanitizePeerLists(raw PeerLists) SanitizedLists {
	blacklist := make(map[string]struct{}, len(raw.BlacklistedIPs))
	for _, addr := range raw.BlacklistedIPs {
		if na, err := normalizeAddress(addr); err == nil {
			blacklist[na.Address] = struct{}{}
		}
	}

	normalize := func(addrs []string) []string {
		out := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			na, err := normalizeAddress(addr)
			if err != nil {
				continue
			}
			if _, banned := blacklist[na.Address]; banned {
				continue
			}
			out = append(out, na.Address)
		}
		return out
	}

	seed := normalize(raw.SeedPeers)
	fixed := normalize(raw.FixedPeers)
	whitelist := normalize(raw.WhitelistedIPs)
	previous := normalize(raw.PreviousPeers)

	trusted := make(map[string]struct{}, len(seed)+len(fixed))
	for _, addr := range seed {
		trusted[addr] = struct{}{}
	}
	for _, addr := range fixed {
		trusted[addr] = struct{}{}
	}
	filteredWhitelist := whitelist[:0:0]
	for _, addr := range whitelist {
		if _, already := trusted[addr]; already {
			continue
		}
		filteredWhitelist = append(filteredWhitelist, addr)
	}

	return SanitizedLists{
		SeedPeers:     seed,
		FixedPeers:    fixed,
		Whitelisted:   filteredWhitelist,
		PreviousPeers: previous,
	}
}
