package fountain

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

func TestGenerationRoundTripNoLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, SymbolSize*5+37)
	_, err := rng.Read(data)
	require.NoError(t, err)

	src := newGenerationSource(1, data, rng)
	sink := newGenerationSink()
	for sink.rank() < src.numSymbols() {
		c := src.emit(0, 0, 0)
		sink.add(c)
	}
	decoded, err := sink.decode()
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestGenerationRoundTripToleratesDroppedCombinations(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, SymbolSize*12)
	_, err := rng.Read(data)
	require.NoError(t, err)

	src := newGenerationSource(1, data, rng)
	target := src.targetCombinations(Redundancy)

	sink := newGenerationSink()
	for i := 0; i < target; i++ {
		c := src.emit(0, 0, 0)
		if i%7 == 0 {
			continue // simulate a dropped combination
		}
		sink.add(c)
	}
	decoded, err := sink.decode()
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

// TestGenerationRatelessTolerance approximates the seed-test property that
// decoding succeeds in the overwhelming majority of trials once enough
// redundant combinations are available, even under random loss.
func TestGenerationRatelessTolerance(t *testing.T) {
	const trials = 100
	successes := 0
	for trial := 0; trial < trials; trial++ {
		rng := rand.New(rand.NewSource(int64(trial) + 100))
		data := make([]byte, SymbolSize*8)
		_, err := rng.Read(data)
		require.NoError(t, err)

		src := newGenerationSource(uint32(trial), data, rng)
		target := src.targetCombinations(Redundancy)

		sink := newGenerationSink()
		for i := 0; i < target; i++ {
			c := src.emit(0, 0, 0)
			if rng.Float64() < 0.05 { // 5% loss, within the redundancy budget
				continue
			}
			sink.add(c)
		}
		if decoded, err := sink.decode(); err == nil && string(decoded) == string(data) {
			successes++
		}
	}
	require.GreaterOrEqual(t, successes, 99, "expected rateless decode to tolerate 5%% loss in at least 99/100 trials")
}

func TestTokenBucketLimitsBurstRate(t *testing.T) {
	b := newTokenBucket(10) // 10 tokens/sec
	taken := 0
	for b.TryTake() {
		taken++
		if taken > 1000 {
			t.Fatal("token bucket never exhausted")
		}
	}
	require.LessOrEqual(t, taken, 20) // newTokenBucket seeds one second's worth
}

func TestCongestionControllerHalvesRateOnHighLoss(t *testing.T) {
	tokens := newTokenBucket(400)
	cc := newCongestionController(400, 3200, tokens)
	cc.observe(50, 100) // 50% loss
	require.InDelta(t, 200, cc.currentRate(), 0.001)
}

func TestCongestionControllerIncreasesRateAfterSustainedLowLoss(t *testing.T) {
	tokens := newTokenBucket(100)
	cc := newCongestionController(100, 1000, tokens)
	for i := 0; i < 3; i++ {
		cc.observe(100, 100) // zero loss
	}
	require.InDelta(t, 125, cc.currentRate(), 0.001)
}

func TestItemEncodeDecodeRoundTripRecord(t *testing.T) {
	it := Item{Kind: ItemRecord, Type: "publish", Payload: []byte("hello")}
	got, err := decodeItem(encodeItem(it))
	require.NoError(t, err)
	require.Equal(t, it.Kind, got.Kind)
	require.Equal(t, it.Type, got.Type)
	require.Equal(t, it.Payload, got.Payload)
}

func TestItemEncodeDecodeRoundTripBlockPush(t *testing.T) {
	var digest ids.Digest
	digest[0] = 0xAB
	it := Item{Kind: ItemBlockPush, Digest: digest, Payload: []byte("block-bytes")}
	got, err := decodeItem(encodeItem(it))
	require.NoError(t, err)
	require.Equal(t, it.Kind, got.Kind)
	require.Equal(t, it.Digest, got.Digest)
	require.Equal(t, it.Payload, got.Payload)
}

func TestCombinationEncodeDecodeRoundTrip(t *testing.T) {
	c := combination{
		genID:    42,
		origLen:  1000,
		k:        3,
		coeffs:   []byte{1, 2, 3},
		payload:  make([]byte, SymbolSize),
		sent:     7,
		ackSeen:  4,
		ackCount: 5,
	}
	copy(c.payload, []byte("symbol data"))
	got, err := decodeCombination(encodeCombination(c))
	require.NoError(t, err)
	require.Equal(t, c.genID, got.genID)
	require.Equal(t, c.origLen, got.origLen)
	require.Equal(t, c.k, got.k)
	require.Equal(t, c.coeffs, got.coeffs)
	require.Equal(t, c.payload, got.payload)
	require.Equal(t, c.sent, got.sent)
	require.Equal(t, c.ackSeen, got.ackSeen)
	require.Equal(t, c.ackCount, got.ackCount)
}

// pipeTransport is an in-memory, message-oriented Transport used to test
// Link without a real Tunnel underneath it.
type pipeTransport struct {
	out  chan []byte
	in   chan []byte
	seq  uint32
	mu   sync.Mutex
	drop func(seq uint32) bool
}

func newPipePair(drop func(seq uint32) bool) (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &pipeTransport{out: ab, in: ba, drop: drop}
	b := &pipeTransport{out: ba, in: ab, drop: nil}
	return a, b
}

func (p *pipeTransport) Write(buf []byte) (int, error) {
	p.mu.Lock()
	seq := p.seq
	p.seq++
	p.mu.Unlock()
	if p.drop != nil && p.drop(seq) {
		return len(buf), nil
	}
	cp := append([]byte(nil), buf...)
	p.out <- cp
	return len(buf), nil
}

func (p *pipeTransport) Read(buf []byte) (int, error) {
	data := <-p.in
	n := copy(buf, data)
	return n, nil
}

func TestLinkDeliversPushedRecordToPeer(t *testing.T) {
	pool := scheduler.NewPool(4, 32)
	t.Cleanup(pool.Close)

	ta, tb := newPipePair(nil)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := DefaultConfig()
	cfg.Keepalive = time.Minute
	cfg.Timeout = time.Minute

	la := New(ta, pool, cfg, log)
	t.Cleanup(la.Close)
	lb := New(tb, pool, cfg, log)
	t.Cleanup(lb.Close)

	received := make(chan []byte, 1)
	lb.OnRecord(func(recordType string, payload []byte) {
		if recordType == "publish" {
			received <- payload
		}
	})

	require.NoError(t, la.PushRecord("publish", []byte("teapot/kitchen")))

	select {
	case payload := <-received:
		require.Equal(t, "teapot/kitchen", string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("record never arrived at peer")
	}
}

func TestLinkDeliversBlockPushUnderModestLoss(t *testing.T) {
	pool := scheduler.NewPool(4, 32)
	t.Cleanup(pool.Close)

	dropEvery := uint32(9)
	ta, tb := newPipePair(func(seq uint32) bool { return seq%dropEvery == 0 })

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := DefaultConfig()
	cfg.PacketRate = 2000
	cfg.Keepalive = time.Minute
	cfg.Timeout = time.Minute

	la := New(ta, pool, cfg, log)
	t.Cleanup(la.Close)
	lb := New(tb, pool, cfg, log)
	t.Cleanup(lb.Close)

	var digest ids.Digest
	digest[0] = 0x42
	payload := make([]byte, SymbolSize*3+123)
	for i := range payload {
		payload[i] = byte(i)
	}

	received := make(chan []byte, 1)
	lb.OnBlock(func(d ids.Digest, data []byte) {
		if d == digest {
			received <- data
		}
	})

	require.NoError(t, la.PushBlock(digest, payload, 0))

	select {
	case data := <-received:
		require.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("block push never arrived at peer despite redundancy budget")
	}
}

func TestLinkSendsKeepaliveWhenIdle(t *testing.T) {
	pool := scheduler.NewPool(4, 32)
	t.Cleanup(pool.Close)

	// Only the sender side is a live Link here; the test reads the raw
	// wire channel directly so nothing else drains it concurrently.
	ta, tb := newPipePair(nil)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	cfg := DefaultConfig()
	cfg.Keepalive = 50 * time.Millisecond
	cfg.Timeout = time.Minute

	la := New(ta, pool, cfg, log)
	t.Cleanup(la.Close)

	select {
	case frame := <-tb.in:
		require.GreaterOrEqual(t, len(frame), 10)
		k := binary.BigEndian.Uint16(frame[8:10])
		require.Equal(t, uint16(0), k, "keepalive combination should carry k == 0")
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive observed on the wire")
	}
}
