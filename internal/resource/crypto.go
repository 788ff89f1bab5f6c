package resource

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
)

// resourceKeyContext binds DeriveKey's HKDF expansion to this specific use
// (§4.G: "a per-resource key derived as HKDF(secret, salt)").
const resourceKeyContext = "teapotnet-resource-content"

// deriveResourceKey computes the single AES-256 key used to encrypt every
// block of one resource, when a secret is present.
func deriveResourceKey(secret, salt []byte) ([]byte, error) {
	return crypto.DeriveKey(secret, salt, resourceKeyContext, 32)
}

// blockNonce derives a 12-byte AES-GCM nonce from a block's position in
// the resource, distinct per block under the one resource-wide key
// (standalone, keyed-per-index: no third-party library in the pack covers
// block-indexed AEAD framing, and internal/crypto's AEADFramer is built
// for a sequential replay window, not the Reader's random seek access
// pattern this layer needs — see DESIGN.md).
func blockNonce(index uint32) []byte {
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint32(nonce, index)
	return nonce
}

// sealBlock encrypts one content block under key, tagged by its position.
func sealBlock(key []byte, index uint32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("resource: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("resource: new gcm: %w", err)
	}
	return gcm.Seal(nil, blockNonce(index), plaintext, nil), nil
}

// openBlock reverses sealBlock.
func openBlock(key []byte, index uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("resource: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("resource: new gcm: %w", err)
	}
	return gcm.Open(nil, blockNonce(index), ciphertext, nil)
}
