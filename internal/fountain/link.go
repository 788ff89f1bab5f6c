package fountain

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// Transport is the minimal interface a Link needs from the Tunnel it
// rides on: a reliable (from the Tunnel's own DTLS record layer), message-
// oriented Read/Write pair. *tunnel.Tunnel satisfies this without either
// package importing the other.
type Transport interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// Config tunes one Link's flow control and timing. Zero-valued fields fall
// back to the spec's defaults (§4.E) via DefaultConfig.
type Config struct {
	PacketRate float64
	Redundancy float64
	Keepalive  time.Duration
	Timeout    time.Duration
}

// DefaultConfig returns the spec's default tuning (§4.E).
func DefaultConfig() Config {
	return Config{
		PacketRate: DefaultPacketRate,
		Redundancy: Redundancy,
		Keepalive:  10 * time.Second,
		Timeout:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PacketRate <= 0 {
		c.PacketRate = d.PacketRate
	}
	if c.Redundancy <= 0 {
		c.Redundancy = d.Redundancy
	}
	if c.Keepalive <= 0 {
		c.Keepalive = d.Keepalive
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type pendingGeneration struct {
	src       *generationSource
	remaining int
}

// Link sits on top of an established Tunnel and multiplexes typed records
// and block pushes through one shared rateless code (§4.E).
type Link struct {
	transport Transport
	cfg       Config
	pool      *scheduler.Pool
	sched     *scheduler.Scheduler
	log       *logrus.Entry

	tokens     *tokenBucket
	congestion *congestionController
	rng        *rand.Rand

	mu            sync.Mutex
	nextGenID     uint32
	outbox        []*pendingGeneration
	sinks         map[uint32]*generationSink
	sentTotal     uint32
	receivedTotal uint32
	peerSentTotal uint32
	lastSend      time.Time
	lastRecv      time.Time

	onRecord func(recordType string, payload []byte)
	onBlock  func(digest ids.Digest, payload []byte)

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Link over transport and starts its send/receive loops and
// keepalive/timeout supervision on pool.
func New(transport Transport, pool *scheduler.Pool, cfg Config, log *logrus.Logger) *Link {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	tokens := newTokenBucket(cfg.PacketRate)
	seed, err := crypto.RandomUint64()
	if err != nil {
		seed = uint64(time.Now().UnixNano())
	}
	now := time.Now()
	l := &Link{
		transport:  transport,
		cfg:        cfg,
		pool:       pool,
		sched:      scheduler.NewScheduler(pool),
		log:        log.WithField("component", "fountain"),
		tokens:     tokens,
		congestion: newCongestionController(cfg.PacketRate, cfg.PacketRate*8, tokens),
		rng:        rand.New(rand.NewSource(int64(seed))),
		sinks:      make(map[uint32]*generationSink),
		lastSend:   now,
		lastRecv:   now,
		done:       make(chan struct{}),
	}
	pool.Submit(l.sendLoop)
	pool.Submit(l.readLoop)
	l.sched.After(cfg.Keepalive, l.checkKeepalive)
	l.sched.After(cfg.Timeout/2, l.checkTimeout)
	return l
}

// OnRecord registers the callback invoked for each fully decoded Record
// item (pub/sub publish/target/issue records ride here, §4.F).
func (l *Link) OnRecord(fn func(recordType string, payload []byte)) { l.onRecord = fn }

// OnBlock registers the callback invoked for each fully decoded block
// push, tagged by the digest it was pushed to satisfy.
func (l *Link) OnBlock(fn func(digest ids.Digest, payload []byte)) { l.onBlock = fn }

// PushRecord queues a typed application record for delivery (§4.E item 1).
func (l *Link) PushRecord(recordType string, payload []byte) error {
	return l.enqueue(Item{Kind: ItemRecord, Type: recordType, Payload: payload}, l.cfg.Redundancy)
}

// PushBlock queues a block push tagged by digest. urgentRho replaces ρ for
// urgent traffic when it is larger than the configured Redundancy; a
// smaller value (including 0) leaves ρ unchanged, per §4.E's "push tokens
// parameter may override ρ upward".
func (l *Link) PushBlock(digest ids.Digest, payload []byte, urgentRho float64) error {
	rho := l.cfg.Redundancy
	if urgentRho > rho {
		rho = urgentRho
	}
	return l.enqueue(Item{Kind: ItemBlockPush, Digest: digest, Payload: payload}, rho)
}

func (l *Link) enqueue(it Item, rho float64) error {
	data := encodeItem(it)
	if len(data) == 0 {
		return fmt.Errorf("fountain: cannot encode item")
	}
	l.mu.Lock()
	id := l.nextGenID
	l.nextGenID++
	src := newGenerationSource(id, data, l.rng)
	target := src.targetCombinations(rho)
	l.outbox = append(l.outbox, &pendingGeneration{src: src, remaining: target})
	l.mu.Unlock()
	return nil
}

func (l *Link) nextCombination() (combination, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.outbox) == 0 {
		return combination{}, false
	}
	g := l.outbox[0]
	l.sentTotal++
	comb := g.src.emit(l.sentTotal, l.receivedTotal, l.peerSentTotal)
	g.remaining--
	if g.remaining <= 0 {
		l.outbox = l.outbox[1:]
	} else {
		// Round-robin: rotate this generation to the back so concurrent
		// pushes interleave rather than head-of-line blocking (§4.E:
		// "carries two multiplexed streams").
		l.outbox = append(l.outbox[1:], g)
	}
	return comb, true
}

func (l *Link) sendLoop() {
	for {
		select {
		case <-l.done:
			return
		default:
		}
		comb, ok := l.nextCombination()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		for !l.tokens.TryTake() {
			select {
			case <-l.done:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
		if _, err := l.transport.Write(encodeCombination(comb)); err != nil {
			l.log.WithError(err).Debug("fountain: write failed")
			return
		}
		l.mu.Lock()
		l.lastSend = time.Now()
		l.mu.Unlock()
	}
}

func (l *Link) readLoop() {
	buf := make([]byte, 4+4+2+65535+SymbolSize+12)
	for {
		n, err := l.transport.Read(buf)
		if err != nil {
			return
		}
		comb, err := decodeCombination(buf[:n])
		if err != nil {
			l.log.WithError(err).Debug("fountain: bad combination frame")
			continue
		}
		l.handleInbound(comb)
	}
}

func (l *Link) handleInbound(c combination) {
	l.mu.Lock()
	l.receivedTotal++
	if c.sent > l.peerSentTotal {
		l.peerSentTotal = c.sent
	}
	l.lastRecv = time.Now()
	l.mu.Unlock()

	l.congestion.observe(c.ackSeen, c.ackCount)

	if c.k == 0 {
		return // keepalive: liveness only
	}

	l.mu.Lock()
	sink, ok := l.sinks[c.genID]
	if !ok {
		sink = newGenerationSink()
		l.sinks[c.genID] = sink
	}
	added := sink.add(c)
	var decoded []byte
	var decodeErr error
	if added && sink.rank() >= sink.k {
		decoded, decodeErr = sink.decode()
		delete(l.sinks, c.genID)
	}
	l.mu.Unlock()

	if decoded == nil {
		return
	}
	if decodeErr != nil {
		l.log.WithError(decodeErr).Debug("fountain: decode failed")
		return
	}
	item, err := decodeItem(decoded)
	if err != nil {
		l.log.WithError(err).Debug("fountain: malformed decoded item")
		return
	}
	switch item.Kind {
	case ItemRecord:
		if l.onRecord != nil {
			l.onRecord(item.Type, item.Payload)
		}
	case ItemBlockPush:
		if l.onBlock != nil {
			l.onBlock(item.Digest, item.Payload)
		}
	}
}

func (l *Link) checkKeepalive() {
	l.mu.Lock()
	idle := time.Since(l.lastSend)
	l.mu.Unlock()
	if idle >= l.cfg.Keepalive {
		// An empty (k=0) combination carries only the congestion feedback
		// fields and touches no generation state. Idleness is measured
		// from the last send, not the last receipt: a side that has sent
		// nothing for Keepalive emits one even while it keeps receiving,
		// and a side that keeps sending emits none.
		l.mu.Lock()
		l.sentTotal++
		comb := combination{sent: l.sentTotal, ackSeen: l.receivedTotal, ackCount: l.peerSentTotal, coeffs: nil, payload: make([]byte, SymbolSize)}
		l.mu.Unlock()
		if _, err := l.transport.Write(encodeCombination(comb)); err != nil {
			l.log.WithError(err).Debug("fountain: keepalive write failed")
		} else {
			l.mu.Lock()
			l.lastSend = time.Now()
			l.mu.Unlock()
		}
	}
	l.sched.After(l.cfg.Keepalive, l.checkKeepalive)
}

func (l *Link) checkTimeout() {
	l.mu.Lock()
	idle := time.Since(l.lastRecv)
	l.mu.Unlock()
	if idle >= l.cfg.Timeout {
		l.log.Debug("fountain: link idle past timeout, closing")
		l.Close()
		return
	}
	l.sched.After(l.cfg.Timeout/2, l.checkTimeout)
}

// Close stops the link at once: the send loop exits on its next iteration,
// so generations still in the outbox are not sent, and the keepalive and
// timeout checks stop. The underlying Transport is not closed. PendingOutbox
// reports whether anything is still queued before Close is called.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.sched.Close()
	})
}

// PendingOutbox reports how many generations still have combinations left
// to send, so a caller can wait for a graceful flush before Close.
func (l *Link) PendingOutbox() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outbox)
}
