package fountain

import (
	"fmt"
	"math/rand"
)

// SymbolSize is the fixed-size unit every generation's source data is
// padded to and coded over (§4.E: "one rateless erasure code ... over
// fixed-size symbols").
const SymbolSize = 1024

// Redundancy is the default redundancy factor ρ (§4.E: "ceil(k × (1+ρ))").
const Redundancy = 0.15

// combination is one coded symbol: a coefficient per source symbol in its
// generation plus the resulting linear combination of their payloads, plus
// the congestion-feedback counters piggybacked per §4.E:
//   - sent: how many combinations this message's author has sent in total
//     on this Link (its own outbound sequence number).
//   - ackSeen / ackCount: this author's own receive-side tally — how many
//     combinations it has received from the peer (ackSeen) versus the
//     highest `sent` value the peer has claimed so far (ackCount) — which
//     the peer, receiving this message, uses to estimate loss of its own
//     earlier sends as 1 − ackSeen/ackCount.
type combination struct {
	genID    uint32
	origLen  uint32
	k        int
	coeffs   []byte
	payload  []byte
	sent     uint32
	ackSeen  uint32
	ackCount uint32
}

// generationSource splits one piece of application data into k fixed-size
// symbols (zero-padded) and emits random linear combinations over GF(256)
// until the caller stops asking (§4.E: "the sender maintains a source that
// buffers outgoing symbols and produces random linear combinations").
type generationSource struct {
	id      uint32
	origLen uint32
	symbols [][]byte
	rng     *rand.Rand
}

func newGenerationSource(id uint32, data []byte, rng *rand.Rand) *generationSource {
	k := (len(data) + SymbolSize - 1) / SymbolSize
	if k == 0 {
		k = 1
	}
	symbols := make([][]byte, k)
	for i := 0; i < k; i++ {
		sym := make([]byte, SymbolSize)
		start := i * SymbolSize
		end := start + SymbolSize
		if end > len(data) {
			end = len(data)
		}
		if start < len(data) {
			copy(sym, data[start:end])
		}
		symbols[i] = sym
	}
	return &generationSource{id: id, origLen: uint32(len(data)), symbols: symbols, rng: rng}
}

// numSymbols returns k, the number of source symbols in this generation.
func (g *generationSource) numSymbols() int { return len(g.symbols) }

// targetCombinations returns how many combinations to emit in total for
// redundancy factor rho, i.e. ceil(k*(1+rho)) (§4.E).
func (g *generationSource) targetCombinations(rho float64) int {
	k := len(g.symbols)
	n := int(float64(k)*(1+rho) + 0.999999)
	if n < k {
		n = k
	}
	return n
}

// emit produces one random linear combination of the generation's
// symbols, tagged with the link's current congestion-feedback counters.
func (g *generationSource) emit(sent, ackSeen, ackCount uint32) combination {
	k := len(g.symbols)
	coeffs := make([]byte, k)
	payload := make([]byte, SymbolSize)
	for i := 0; i < k; i++ {
		c := byte(g.rng.Intn(255) + 1) // never 0: every symbol must contribute for the row to be useful
		coeffs[i] = c
		gfAddScaledVec(payload, g.symbols[i], c)
	}
	return combination{
		genID: g.id, origLen: g.origLen, k: k, coeffs: coeffs, payload: payload,
		sent: sent, ackSeen: ackSeen, ackCount: ackCount,
	}
}

// generationSink accumulates combinations for one generation and decodes
// once it has rank-k independent rows (§4.E: "the receiver maintains a
// sink that accumulates combinations and decodes when rank is sufficient").
type generationSink struct {
	k       int
	origLen uint32
	rows    [][]byte // each row is coeffs(k) || payload(SymbolSize), reduced in place
	pivots  []int    // rows[i] has its pivot (leading nonzero column) at pivots[i]
}

func newGenerationSink() *generationSink {
	return &generationSink{k: -1}
}

// add folds a new combination into the sink's row-reduced matrix. It
// returns true if the row contributed new rank (was not a linear
// combination of what the sink already holds).
func (s *generationSink) add(c combination) bool {
	if s.k == -1 {
		s.k = c.k
		s.origLen = c.origLen
	}
	if c.k != s.k {
		return false // malformed or stale generation id reuse; ignore
	}

	row := make([]byte, s.k+SymbolSize)
	copy(row[:s.k], c.coeffs)
	copy(row[s.k:], c.payload)

	for i, pivotCol := range s.pivots {
		if row[pivotCol] == 0 {
			continue
		}
		scalar := row[pivotCol]
		gfAddScaledVec(row, s.rows[i], scalar)
	}

	pivotCol := -1
	for col := 0; col < s.k; col++ {
		if row[col] != 0 {
			pivotCol = col
			break
		}
	}
	if pivotCol == -1 {
		return false // zero row: no new information
	}

	inv := gfInv(row[pivotCol])
	gfScaleVec(row, inv)

	s.rows = append(s.rows, row)
	s.pivots = append(s.pivots, pivotCol)
	return true
}

// rank reports how many independent rows the sink currently holds.
func (s *generationSink) rank() int { return len(s.rows) }

// decode reconstructs the original data once rank == k, back-substituting
// to fully diagonalise the pivot columns.
func (s *generationSink) decode() ([]byte, error) {
	if s.k == -1 || len(s.rows) < s.k {
		return nil, fmt.Errorf("fountain: insufficient rank to decode: have %d, need %d", len(s.rows), s.k)
	}

	// Back-substitute so each pivot column is zero in every other row.
	for i, pivotCol := range s.pivots {
		for j := range s.rows {
			if j == i || s.rows[j][pivotCol] == 0 {
				continue
			}
			gfAddScaledVec(s.rows[j], s.rows[i], s.rows[j][pivotCol])
		}
	}

	symbols := make([][]byte, s.k)
	for i, pivotCol := range s.pivots {
		symbols[pivotCol] = s.rows[i][s.k:]
	}
	out := make([]byte, 0, s.k*SymbolSize)
	for _, sym := range symbols {
		out = append(out, sym...)
	}
	if int(s.origLen) > len(out) {
		return nil, fmt.Errorf("fountain: decoded length shorter than declared")
	}
	return out[:s.origLen], nil
}
