package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// mnemonicEntropyBits selects a 24-word BIP-39 mnemonic, matching the
// teacher's NewRandomWallet's entropy size (core/wallet.go).
const mnemonicEntropyBits = 256

// NewMnemonicKeyPair generates a fresh 24-word recovery mnemonic and the
// RSA KeyPair deterministically derived from it, shown once at first run
// (SPEC_FULL §F "Node identity mnemonic recovery"). The same mnemonic
// fed back through KeyPairFromMnemonic always reproduces this exact key.
func NewMnemonicKeyPair() (mnemonic string, kp *KeyPair, err error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", nil, fmt.Errorf("crypto: generate mnemonic entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("crypto: build mnemonic: %w", err)
	}
	kp, err = KeyPairFromMnemonic(mnemonic)
	return mnemonic, kp, err
}

// KeyPairFromMnemonic deterministically regenerates the RSA KeyPair a
// mnemonic was issued for: the BIP-39 seed feeds an HKDF stream used as
// rsa.GenerateKey's randomness source, so the same mnemonic always yields
// the same key pair.
func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("crypto: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	stream := hkdf.New(sha256.New, seed, nil, []byte("teapotnet-identity-rsa"))
	priv, err := rsa.GenerateKey(stream, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive rsa key from mnemonic: %w", err)
	}
	return keyPairFromPrivate(priv)
}
