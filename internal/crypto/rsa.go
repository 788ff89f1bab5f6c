package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// KeyBits is the RSA modulus size used for node and contact identities.
const KeyBits = 2048

// KeyPair bundles an RSA private key with its public key and the identifier
// derived from it (digest(publicKey), §3).
type KeyPair struct {
	Private *rsa.PrivateKey
	ID      ids.ID
}

// GenerateKeyPair creates a fresh RSA keypair at LevelStrong and computes its
// identifier as the SHA-256 digest of the DER-encoded public key, matching
// "NodeId = digest of the node's public key" / "ContactId = digest of the
// user's public key" (§3).
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate rsa key: %w", err)
	}
	return keyPairFromPrivate(priv)
}

func keyPairFromPrivate(priv *rsa.PrivateKey) (*KeyPair, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return &KeyPair{Private: priv, ID: Hash(pubDER)}, nil
}

// PublicKeyID returns digest(publicKey) for an arbitrary RSA public key, so
// that a verifier can check a claimed identifier without owning the private
// key — the check used by connection setup ("fails if the observed public
// key's digest does not equal the claimed NodeId", §4.C) and by the
// Tunneler's handshake auth check (§4.D).
func PublicKeyID(pub *rsa.PublicKey) (ids.ID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ids.ID{}, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return Hash(der), nil
}

// Sign produces an RSA-PSS-SHA256 signature over digest(data), used for
// resource index-block signatures (§4.G).
func (kp *KeyPair) Sign(data []byte) ([]byte, error) {
	h := Hash(data)
	return rsa.SignPSS(rand.Reader, kp.Private, stdcrypto.SHA256, h[:], nil)
}

// Verify checks a signature produced by Sign against pub.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	h := Hash(data)
	return rsa.VerifyPSS(pub, stdcrypto.SHA256, h[:], sig, nil)
}

// SelfSignedCert issues a one-year self-signed X.509 certificate binding
// kp's RSA key, used as the Tunneler's DTLS identity (§4.D, §6: "standard
// DTLS 1.2 record layout"). The certificate's subject commitment is the
// node's own identifier so a peer can cross-check
// digest(cert.PublicKey) == claimed NodeId during the handshake.
func (kp *KeyPair) SelfSignedCert() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.ID.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &kp.Private.PublicKey, kp.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("crypto: create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.Private,
	}, nil
}
