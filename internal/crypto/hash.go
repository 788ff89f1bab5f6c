package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ripemd160"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// DigestSize is the length in bytes of a SHA-256 digest; kept as its own
// constant so call sites read as domain intent rather than a crypto detail.
const DigestSize = sha256.Size

// Hash returns the SHA-256 digest of data as an ids.ID, used throughout as
// both the block identifier (§4.B) and the DHT key (§4.C).
func Hash(data []byte) ids.Digest {
	return ids.Digest(sha256.Sum256(data))
}

// Fingerprint derives a short, human-readable identifier for data: SHA-256
// then RIPEMD-160, the same two-hash scheme the teacher's wallet uses to
// turn a public key into a 20-byte address (`core/wallet.go`'s
// pubKeyToAddress: "SHA-256(pub) -> RIPEMD-160 -> Address"). Used at log
// call sites that want a short, stable tag for a NodeId/ContactId/Digest
// rather than an arbitrary prefix of its full hex string.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sum[:])
	return hex.EncodeToString(r.Sum(nil))
}

// HMAC computes HMAC-SHA256(key, data).
func HMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// DeriveKey runs an HKDF-SHA256 extract-then-expand over secret, salted with
// salt and bound to context (the "extendable key-derivation over a context
// string" named in §4.A). It is used for the Overlay transport's session
// keys, for sealing the identity file's private key, and for the Resource
// layer's per-resource secret (§4.G: "HKDF(secret, salt)").
func DeriveKey(secret, salt []byte, context string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(context))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
