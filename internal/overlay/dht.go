package overlay

import (
	"sync"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// ValueTTL is how long a DHT-stored value is retained before expiry.
const ValueTTL = 1 * time.Hour

// MaxValuesPerKey bounds the per-key value set so a single key cannot
// exhaust memory (§4.C: "a per-key bound (oldest values evicted)").
const MaxValuesPerKey = 64

// Alpha is the concurrency parameter of the iterative lookup (§4.C:
// "query α closest known nodes").
const Alpha = 3

// KClosest is how many nodes a STORE is replicated to (§4.C: "send STORE to
// the K closest known nodes").
const KClosest = 8

type storedValue struct {
	value  []byte
	expiry time.Time
}

// dht is the local half of the distributed value store: a per-key set of
// {value, expiry} pairs (§4.C). Remote replication/lookup is driven by
// Node using this as its local answer set.
type dht struct {
	mu     sync.Mutex
	values map[ids.Digest][]storedValue
}

func newDHT() *dht {
	return &dht{values: make(map[ids.Digest][]storedValue)}
}

// storeLocal retains value under key, deduplicating identical values and
// evicting the oldest entry once MaxValuesPerKey is exceeded.
func (d *dht) storeLocal(key ids.Digest, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set := d.values[key]
	for i, v := range set {
		if string(v.value) == string(value) {
			set[i].expiry = time.Now().Add(ValueTTL)
			return
		}
	}
	set = append(set, storedValue{value: append([]byte(nil), value...), expiry: time.Now().Add(ValueTTL)})
	if len(set) > MaxValuesPerKey {
		set = set[1:]
	}
	d.values[key] = set
}

// retrieveLocal returns the union of live values stored locally under key,
// in arrival order (§4.C Tie-breaks: "the caller sees the union, ordered by
// arrival").
func (d *dht) retrieveLocal(key ids.Digest) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	set := d.values[key]
	live := set[:0:0]
	out := make([][]byte, 0, len(set))
	for _, v := range set {
		if v.expiry.After(now) {
			live = append(live, v)
			out = append(out, v.value)
		}
	}
	d.values[key] = live
	return out
}

// sweepExpired drops expired values across all keys; intended to run
// periodically on the Scheduler/Pool, never inline with a hot path.
func (d *dht) sweepExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, set := range d.values {
		live := set[:0:0]
		for _, v := range set {
			if v.expiry.After(now) {
				live = append(live, v)
			}
		}
		if len(live) == 0 {
			delete(d.values, k)
		} else {
			d.values[k] = live
		}
	}
}
