package pubsub

import (
	"sync"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// CallFallbackTimeout bounds how long a Caller waits on a direct push
// request before switching to DHT retrieval (§4.F: "a caller that has
// waited longer than CallFallbackTimeout switches from direct-push to DHT
// retrieval"). Grounded on original_source's Network::CallFallbackTimeout.
const CallFallbackTimeout = 5 * time.Second

// CallPeriod is how often a still-pending Caller re-issues its fallback
// retrieval attempt, grounded on original_source's Network::CallPeriod.
const CallPeriod = 10 * time.Second

// callEntry is one pending fetch intent for a BlockDigest (§3 Caller
// Table): a start time, an optional hint node, and every callback waiting
// on this digest (coalesced, §4.F: "Multiple Callers for the same digest
// are coalesced").
type callEntry struct {
	digest    ids.Digest
	start     time.Time
	hint      ids.NodeID
	callbacks []func(ids.Digest, []byte)
	fired     bool
}

// callerTable is the Caller Table of spec §3, keyed by BlockDigest.
type callerTable struct {
	mu      sync.Mutex
	entries map[ids.Digest]*callEntry
}

func newCallerTable() *callerTable {
	return &callerTable{entries: make(map[ids.Digest]*callEntry)}
}

// register adds cb to the waiters for digest. It returns the entry and
// whether this call created it (so the caller schedules exactly one
// fallback timer per digest, not one per coalesced waiter).
func (t *callerTable) register(digest ids.Digest, hint ids.NodeID, cb func(ids.Digest, []byte)) (*callEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[digest]
	if !ok {
		e = &callEntry{digest: digest, start: time.Now(), hint: hint}
		t.entries[digest] = e
	} else if e.hint.IsZero() && !hint.IsZero() {
		e.hint = hint
	}
	e.callbacks = append(e.callbacks, cb)
	return e, !ok
}

// fire delivers payload to every coalesced waiter on digest exactly once
// and removes the entry.
func (t *callerTable) fire(digest ids.Digest, payload []byte) {
	t.mu.Lock()
	e, ok := t.entries[digest]
	if !ok || e.fired {
		t.mu.Unlock()
		return
	}
	e.fired = true
	delete(t.entries, digest)
	cbs := e.callbacks
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(digest, payload)
	}
}

// pending reports whether digest still has an un-fired entry, and its hint
// node if any.
func (t *callerTable) pending(digest ids.Digest) (*callEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[digest]
	if !ok || e.fired {
		return nil, false
	}
	return e, true
}
