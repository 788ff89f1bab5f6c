package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// AEADTagSize is the length in bytes of the authentication tag appended to
// every sealed datagram (§4.A: "AEAD tags are 16 bytes").
const AEADTagSize = 16

// replayWindowSize is the width, in sequence numbers, of the sliding replay
// window — the same DTLS-style anti-replay bitmap technique used below the
// Tunneler's DTLS records, applied here to the Overlay's own datagram AEAD.
const replayWindowSize = 64

// AEADFramer seals and opens datagrams under a fixed symmetric key, framing
// them with a monotonically increasing sequence number and rejecting
// replays — the "AEAD that frames datagrams with replay protection" named
// in §4.A, used by the Overlay Router to authenticate node-to-node traffic
// (§4.C Transport).
type AEADFramer struct {
	aead cipher.AEAD

	mu       sync.Mutex
	sendSeq  uint64
	recvHi   uint64
	recvBits uint64 // bit i set => sendSeq (recvHi - i) already seen
}

// NewAEADFramer builds a framer from a raw symmetric key (typically the
// output of DeriveKey). The key must be 16 or 32 bytes (AES-128/256).
func NewAEADFramer(key []byte) (*AEADFramer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead gcm: %w", err)
	}
	return &AEADFramer{aead: gcm}, nil
}

// Seal encrypts plaintext under the next send sequence number and returns
// `seq(8) || ciphertext||tag`. Callers needing plain encryption without the
// replay-protected framing (e.g. SealPrivate) use Seal/Open directly and
// ignore sequencing races since they are single-shot.
func (f *AEADFramer) Seal(plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	seq := f.sendSeq
	f.sendSeq++
	f.mu.Unlock()

	nonce := make([]byte, f.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], seq)

	out := make([]byte, 8, 8+len(plaintext)+f.aead.Overhead())
	binary.BigEndian.PutUint64(out, seq)
	out = f.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open verifies and decrypts a frame produced by Seal, rejecting frames
// whose sequence number falls outside the sliding replay window or has
// already been seen.
func (f *AEADFramer) Open(frame []byte) ([]byte, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("crypto: aead frame too short")
	}
	seq := binary.BigEndian.Uint64(frame[:8])
	ciphertext := frame[8:]

	f.mu.Lock()
	if !f.checkAndMark(seq) {
		f.mu.Unlock()
		return nil, fmt.Errorf("crypto: replayed or stale sequence %d", seq)
	}
	f.mu.Unlock()

	nonce := make([]byte, f.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], seq)

	plaintext, err := f.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead open: %w", err)
	}
	return plaintext, nil
}

// checkAndMark reports whether seq is acceptable (not previously seen, not
// older than the window) and, if so, records it. Caller holds f.mu.
func (f *AEADFramer) checkAndMark(seq uint64) bool {
	switch {
	case seq > f.recvHi:
		shift := seq - f.recvHi
		if shift >= replayWindowSize {
			f.recvBits = 0
		} else {
			f.recvBits <<= shift
		}
		f.recvBits |= 1
		f.recvHi = seq
		return true
	case f.recvHi-seq >= replayWindowSize:
		return false // too old
	default:
		bit := uint64(1) << (f.recvHi - seq)
		if f.recvBits&bit != 0 {
			return false // replay
		}
		f.recvBits |= bit
		return true
	}
}
