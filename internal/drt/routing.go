package drt

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"p2p-drt/internal/proto"
)

// Entry is one leafset member: a node key, or a registration key
// published by the node at Addr.
type Entry struct {
	Key      Key
	Addr     netip.AddrPort
	Flags    uint32
	LastSeen time.Time
}

func (e Entry) IsNode() bool { return e.Flags&entryNode != 0 }

const entryNode = proto.FlagNodeKey

type bucket struct {
	entries []Entry // LRU: index 0 = most recently seen; end = least
	repl    []Entry // replacement cache (bounded)
}

type DiversityPolicy struct {
	// MaxPerSubnet caps node entries from one subnet per bucket.
	// Registration entries share their owner's address and are exempt.
	MaxPerSubnet int
}

type RoutingTable struct {
	self Key
	k    int
	now  func() time.Time

	mu      sync.RWMutex
	buckets [KeySize * 8]bucket

	diversity DiversityPolicy
}

func NewRoutingTable(self Key, k int) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	return &RoutingTable{self: self, k: k, now: time.Now, diversity: DiversityPolicy{MaxPerSubnet: 2}}
}

// PingFunc returns true if the entry's owner is alive.
type PingFunc func(Entry) bool

// Upsert maintains LRU ordering. If the bucket is full the new entry is
// dropped. It reports whether e was newly added.
func (rt *RoutingTable) Upsert(e Entry) bool {
	added, _ := rt.upsertLRU(e, nil)
	return added
}

// UpsertWithEviction implements Kademlia bucket semantics:
// - If entry exists: move-to-front
// - Else if space: insert at front
// - Else ping LRU tail: if dead -> evict tail, insert new; if alive -> keep tail, add new to replacement cache.
func (rt *RoutingTable) UpsertWithEviction(e Entry, ping PingFunc) (added bool, evicted *Entry) {
	return rt.upsertLRU(e, ping)
}

func (rt *RoutingTable) upsertLRU(e Entry, ping PingFunc) (bool, *Entry) {
	bi := BucketIndex(rt.self, e.Key)
	if bi < 0 {
		return false, nil
	}
	e.LastSeen = rt.now()

	rt.mu.Lock()
	b := rt.buckets[bi]

	for i := range b.entries {
		if b.entries[i].Key == e.Key {
			e.Flags |= b.entries[i].Flags & entryNode
			copy(b.entries[i:], b.entries[i+1:])
			b.entries = b.entries[:len(b.entries)-1]
			b.entries = append([]Entry{e}, b.entries...)

			rt.buckets[bi] = b
			rt.mu.Unlock()
			return false, nil
		}
	}

	// Anti-eclipse diversity: cap number of nodes from the same subnet per bucket.
	if e.IsNode() && rt.diversity.MaxPerSubnet > 0 {
		sk := subnetKey(e.Addr)
		cnt := 0
		for i := range b.entries {
			if b.entries[i].IsNode() && subnetKey(b.entries[i].Addr) == sk {
				cnt++
			}
		}
		if cnt >= rt.diversity.MaxPerSubnet {
			rt.mu.Unlock()
			return false, nil
		}
	}

	if len(b.entries) < rt.k {
		b.entries = append([]Entry{e}, b.entries...)
		rt.buckets[bi] = b
		rt.mu.Unlock()
		return true, nil
	}

	// Bucket full and no way to check the tail: drop the new entry.
	if ping == nil {
		rt.mu.Unlock()
		return false, nil
	}

	// Ping LRU tail outside lock to avoid blocking the entire table.
	tail := b.entries[len(b.entries)-1]
	rt.mu.Unlock()

	alive := ping(tail)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[bi]

	if len(b.entries) < rt.k {
		b.entries = append([]Entry{e}, b.entries...)
		rt.buckets[bi] = b
		return true, nil
	}

	// A changed tail means the bucket moved on while we pinged; the
	// newcomer waits in the replacement cache.
	curTail := b.entries[len(b.entries)-1]
	if alive || curTail.Key != tail.Key {
		rt.buckets[bi] = rt.addReplacement(b, e)
		return false, nil
	}

	b.entries = b.entries[:len(b.entries)-1]
	b.entries = append([]Entry{e}, b.entries...)
	rt.buckets[bi] = b
	return true, &curTail
}

func (rt *RoutingTable) addReplacement(b bucket, e Entry) bucket {
	const replMax = 10
	for i := range b.repl {
		if b.repl[i].Key == e.Key {
			return b
		}
	}
	b.repl = append([]Entry{e}, b.repl...)
	if len(b.repl) > replMax {
		b.repl = b.repl[:replMax]
	}
	return b
}

// Remove deletes key, promoting the freshest replacement into its bucket.
func (rt *RoutingTable) Remove(key Key) bool {
	removed, _ := rt.RemoveAndPromote(key)
	return removed
}

// RemoveAndPromote is Remove that also returns the replacement moved into
// the freed slot, if any.
func (rt *RoutingTable) RemoveAndPromote(key Key) (bool, *Entry) {
	bi := BucketIndex(rt.self, key)
	if bi < 0 {
		return false, nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[bi]
	for i := range b.entries {
		if b.entries[i].Key != key {
			continue
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		var promoted *Entry
		if len(b.repl) > 0 {
			p := b.repl[0]
			b.entries = append(b.entries, p)
			b.repl = b.repl[1:]
			promoted = &p
		}
		rt.buckets[bi] = b
		return true, promoted
	}
	return false, nil
}

// RemoveAddr drops every entry owned by addr, including cached
// replacements, and refills the freed slots from the replacement caches.
// It returns the removed bucket entries and the promoted replacements.
func (rt *RoutingTable) RemoveAddr(addr netip.AddrPort) (removed, promoted []Entry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for bi := range rt.buckets {
		b := rt.buckets[bi]
		if len(b.entries) == 0 && len(b.repl) == 0 {
			continue
		}
		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.Addr == addr {
				removed = append(removed, e)
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept

		repl := b.repl[:0]
		for _, e := range b.repl {
			if e.Addr != addr {
				repl = append(repl, e)
			}
		}
		b.repl = repl

		for len(b.entries) < rt.k && len(b.repl) > 0 {
			b.entries = append(b.entries, b.repl[0])
			promoted = append(promoted, b.repl[0])
			b.repl = b.repl[1:]
		}
		rt.buckets[bi] = b
	}
	return removed, promoted
}

func (rt *RoutingTable) Get(key Key) (Entry, bool) {
	bi := BucketIndex(rt.self, key)
	if bi < 0 {
		return Entry{}, false
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, e := range rt.buckets[bi].entries {
		if e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Closest returns up to n entries ordered by key-space distance to target.
// nodesOnly restricts the result to node entries.
func (rt *RoutingTable) Closest(target Key, n int, nodesOnly bool) []Entry {
	if n <= 0 {
		n = rt.k
	}
	all := rt.Entries()
	if nodesOnly {
		kept := all[:0]
		for _, e := range all {
			if e.IsNode() {
				kept = append(kept, e)
			}
		}
		all = kept
	}

	SortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Entries returns a snapshot of every entry.
func (rt *RoutingTable) Entries() []Entry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	all := make([]Entry, 0, 64)
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].entries...)
	}
	return all
}

// SortByDistance sorts entries by circular distance to target, ties to the
// numerically smaller key.
func SortByDistance(entries []Entry, target Key) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Closer(target, entries[i].Key, entries[j].Key)
	})
}

func subnetKey(ap netip.AddrPort) string {
	ip := ap.Addr().Unmap()
	if !ip.IsValid() {
		return "ip:unknown"
	}
	if ip.IsLoopback() {
		return "loopback:" + ap.String()
	}
	bits := 64
	if ip.Is4() {
		bits = 24
	}
	pfx, err := ip.Prefix(bits)
	if err != nil {
		return "ip:" + ip.String()
	}
	return pfx.String()
}

// Size returns total number of entries in the routing table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].entries)
	}
	return n
}

// NodeCount returns the number of node entries.
func (rt *RoutingTable) NodeCount() int {
	n := 0
	for _, e := range rt.Entries() {
		if e.IsNode() {
			n++
		}
	}
	return n
}

// BucketSize returns number of entries in a bucket.
func (rt *RoutingTable) BucketSize(bucket int) int {
	if bucket < 0 || bucket >= len(rt.buckets) {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[bucket].entries)
}

func (rt *RoutingTable) SetDiversityLimit(maxPerSubnet int) {
	rt.mu.Lock()
	rt.diversity.MaxPerSubnet = maxPerSubnet
	rt.mu.Unlock()
}
