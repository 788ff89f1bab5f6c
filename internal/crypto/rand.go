// Package crypto wires the primitives named in spec §4.A: a tiered random
// source, SHA-256 digests, HKDF-style key derivation, RSA identities with
// certificate signing, and an AEAD datagram framer with replay protection.
//
// Import hygiene follows the teacher's wallet package: this package depends
// only on the standard library, golang.org/x/crypto, go-bip39 and
// internal/ids, never on overlay, tunnel or pubsub, so every higher layer
// can import it without a cycle.
package crypto

import (
	crand "crypto/rand"
	"fmt"
	"io"
)

// Level selects how much entropy a caller needs, mirroring the three RNG
// tiers named in §4.A: nonce-grade, key-grade and "strong" (used for
// anything identity- or signature-adjacent).
type Level int

const (
	// LevelNonce is for per-message nonces and nothing that must resist a
	// dedicated entropy-estimation attack by itself.
	LevelNonce Level = iota
	// LevelKey is for symmetric session keys.
	LevelKey
	// LevelStrong is for long-term key material and random identifiers
	// (tunnel IDs, node identity keys).
	LevelStrong
)

// Reader returns an io.Reader appropriate for the requested level. All three
// levels currently draw from the OS CSPRNG; the tiering exists so call sites
// document their intent and so a future hardened build can swap the strong
// tier for an audited DRBG without touching callers.
func Reader(_ Level) io.Reader { return crand.Reader }

// Random fills and returns a byte slice of length n drawn at the given
// level.
func Random(level Level, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(Reader(level), b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}

// RandomUint64 returns a random 64-bit value drawn at LevelStrong, used for
// tunnel IDs (§3: "64-bit, locally-unique at opener").
func RandomUint64() (uint64, error) {
	b, err := Random(LevelStrong, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
