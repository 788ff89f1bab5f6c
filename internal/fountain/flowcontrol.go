package fountain

import (
	"sync"
	"time"
)

// DefaultPacketRate is the default token top-up rate in packets (symbols)
// per second (§4.E: "tops up tokens at packet-rate × payload-size per
// second (default ≈ 500 pkt/s)").
const DefaultPacketRate = 500.0

// tokenBucket models how much a Link is allowed to inject into its
// tunnel, counted in whole fixed-size symbols (one token per symbol).
// Tokens are topped up lazily on each TryTake call rather than by a
// dedicated timer goroutine, since the rate itself changes under AIMD
// control and a timer would need constant rescheduling.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // symbols per second
	tokens     float64
	capacity   float64
	lastRefill time.Time
}

func newTokenBucket(rate float64) *tokenBucket {
	return &tokenBucket{
		rate:       rate,
		tokens:     rate, // start with one second's worth, avoiding an initial stall
		capacity:   rate * 2,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) setRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	b.capacity = rate * 2
}

func (b *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// TryTake reports whether a symbol-sized send is allowed right now and, if
// so, debits one symbol's worth of tokens (§4.E: "the sender emits a
// combination only when tokens ≥ symbol-size").
func (b *tokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
