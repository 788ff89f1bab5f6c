package tunnel

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// verifyPeerDigest returns a pion/dtls VerifyPeerCertificate callback that
// enforces "a handshake succeeds only if the peer's public key's digest
// equals the expected remote ContactId" (§4.D). A zero expected id skips
// the comparison (used on the responder side, which has no prior
// expectation — see Manager.acceptInbound).
func verifyPeerDigest(peer ids.NodeID, expected ids.ContactID) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tunnel: no certificate presented by %s", peer)
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tunnel: parse peer certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("tunnel: peer certificate key is not RSA")
		}
		actual, err := crypto.PublicKeyID(pub)
		if err != nil {
			return err
		}
		if expected.IsZero() {
			return nil
		}
		if actual != expected {
			return &AuthError{Peer: peer, Expected: expected, Actual: actual}
		}
		return nil
	}
}
