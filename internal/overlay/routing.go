package overlay

import (
	"sort"
	"sync"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// BucketCount is one per bit of the 256-bit NodeId XOR-distance space,
// generalising the teacher's 160-bit/20-byte ad-hoc Kademlia
// (`core/kademlia.go`'s `buckets [160][]NodeID`) to the spec's full
// 32-byte NodeId.
const BucketCount = ids.Size * 8

// BucketSize is the maximum number of entries kept per bucket (the
// standard Kademlia "k" parameter).
const BucketSize = 20

// MaxMissedPings is how many consecutive missed pings (PING sends that
// failed, with no message received from the peer in between) expire a
// routing-table entry (§4.C).
const MaxMissedPings = 3

// RoutingEntry is one known peer: its transport addresses and liveness
// bookkeeping (§3).
type RoutingEntry struct {
	ID          ids.NodeID
	Addresses   []string
	LastSeen    time.Time
	MissedPings int
}

// RoutingTable is a Kademlia-style bucketed table keyed by XOR distance
// from self (§3, §4.C). It never holds the self NodeId (§3 invariant).
type RoutingTable struct {
	self ids.NodeID

	mu      sync.RWMutex
	buckets [BucketCount][]*RoutingEntry
}

// NewRoutingTable creates an empty table bound to self.
func NewRoutingTable(self ids.NodeID) *RoutingTable {
	return &RoutingTable{self: self}
}

// bucketIndex returns the index of the bucket that id belongs in, i.e. the
// number of leading zero bits in distance(self, id); closer nodes (more
// leading zero bits) land in larger bucket indices.
func (t *RoutingTable) bucketIndex(id ids.NodeID) int {
	d := ids.Distance(t.self, id)
	for i, b := range d {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return BucketCount - 1 // distance is zero; id == self, caller should not reach here
}

// Touch records a sighting of id at addr, inserting a new entry or updating
// an existing one's LastSeen and clearing its missed-ping counter. It is a
// no-op for the self id (§3 invariant: "The routing table never holds the
// self NodeId").
func (t *RoutingTable) Touch(id ids.NodeID, addr string) {
	if id == t.self {
		return
	}
	idx := t.bucketIndex(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for _, e := range bucket {
		if e.ID == id {
			e.LastSeen = time.Now().UTC()
			e.MissedPings = 0
			if addr != "" && !containsString(e.Addresses, addr) {
				e.Addresses = append(e.Addresses, addr)
			}
			return
		}
	}
	entry := &RoutingEntry{ID: id, LastSeen: time.Now().UTC()}
	if addr != "" {
		entry.Addresses = []string{addr}
	}
	if len(bucket) >= BucketSize {
		// Evict the least-recently-seen entry to make room — ties broken
		// by most-recently-seen per §4.C ("Tie-breaks ... ties broken by
		// most-recently-seen"), so the incumbent wins unless it is the
		// strict oldest.
		oldest := 0
		for i, e := range bucket {
			if e.LastSeen.Before(bucket[oldest].LastSeen) {
				oldest = i
			}
		}
		bucket[oldest] = entry
	} else {
		bucket = append(bucket, entry)
	}
	t.buckets[idx] = bucket
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// MarkMissedPing increments id's missed-ping counter and evicts it once it
// reaches MaxMissedPings (§4.C: "routing-table entries expire after N
// missed pings").
func (t *RoutingTable) MarkMissedPing(id ids.NodeID) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i, e := range bucket {
		if e.ID != id {
			continue
		}
		e.MissedPings++
		if e.MissedPings >= MaxMissedPings {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
		}
		return
	}
}

// Remove unconditionally drops id from the table.
func (t *RoutingTable) Remove(id ids.NodeID) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i, e := range bucket {
		if e.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Nearest returns up to count entries closest to target by XOR distance,
// closest first; ties are broken by most-recently-seen (§4.C Tie-breaks).
func (t *RoutingTable) Nearest(target ids.NodeID, count int) []*RoutingEntry {
	t.mu.RLock()
	all := make([]*RoutingEntry, 0, BucketSize)
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := ids.Distance(all[i].ID, target)
		dj := ids.Distance(all[j].ID, target)
		if di != dj {
			return ids.Less(di, dj)
		}
		return all[i].LastSeen.After(all[j].LastSeen)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Len returns the total number of entries across all buckets.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}
