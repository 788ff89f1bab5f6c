package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// MarshalPrivate encodes kp's private key as PKCS#1 DER, the representation
// stored (encrypted, see SealPrivate) in the node identity file (§6).
func (kp *KeyPair) MarshalPrivate() []byte {
	return x509.MarshalPKCS1PrivateKey(kp.Private)
}

// MarshalPublic encodes kp's public key as PKIX DER.
func (kp *KeyPair) MarshalPublic() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&kp.Private.PublicKey)
}

// UnmarshalKeyPair rebuilds a KeyPair from the PKCS#1 DER produced by
// MarshalPrivate.
func UnmarshalKeyPair(der []byte) (*KeyPair, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return keyPairFromPrivate(priv)
}

// ParsePublicKey decodes a PKIX DER-encoded RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: public key is not RSA")
	}
	return rsaPub, nil
}

// SealPrivate encrypts a marshalled private key under a passphrase, for the
// node identity file's "privateKey (encrypted)" field (§6). The passphrase
// is stretched through DeriveKey rather than used directly as an AES key.
func SealPrivate(der, passphrase []byte) ([]byte, error) {
	salt, err := Random(LevelStrong, 16)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(passphrase, salt, "teapotnet-identity-seal", 32)
	if err != nil {
		return nil, err
	}
	f, err := NewAEADFramer(key)
	if err != nil {
		return nil, err
	}
	sealed, err := f.Seal(der)
	if err != nil {
		return nil, err
	}
	return append(salt, sealed...), nil
}

// OpenPrivate reverses SealPrivate.
func OpenPrivate(blob, passphrase []byte) ([]byte, error) {
	if len(blob) < 16 {
		return nil, fmt.Errorf("crypto: sealed identity too short")
	}
	salt, sealed := blob[:16], blob[16:]
	key, err := DeriveKey(passphrase, salt, "teapotnet-identity-seal", 32)
	if err != nil {
		return nil, err
	}
	f, err := NewAEADFramer(key)
	if err != nil {
		return nil, err
	}
	return f.Open(sealed)
}
