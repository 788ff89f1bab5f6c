package overlay

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// rsaEncryptOAEP/rsaDecryptOAEP wrap the session-key exchange step of the
// handshake; they are a thin local adapter over crypto/rsa rather than
// internal/crypto since they touch *rsa.PrivateKey directly and run exactly
// once per connection, not on the AEAD hot path that package owns.
func rsaEncryptOAEP(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}

func rsaDecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
}

// conn wraps a stream connection to one peer with a replay-protected AEAD
// framer in each direction (§4.C Transport: "Both are wrapped in
// authenticated AEAD using each side's RSA identity").
type conn struct {
	net.Conn
	peer   ids.NodeID
	send   *crypto.AEADFramer
	recv   *crypto.AEADFramer
}

// handshakeHello is exchanged first by both sides, in the clear: it carries
// the claimed NodeId and DER-encoded RSA public key so the peer can check
// digest(publicKey) == claimed NodeId before trusting anything that
// follows (§4.C: "connection setup fails if the observed public key's
// digest does not equal the claimed NodeId").
type handshakeHello struct {
	NodeID   ids.NodeID
	PubKey   []byte
	Nonce    []byte
	EncKey   []byte // RSA-OAEP(peer pubkey, sessionKey), set by the initiator only
	KeySig   []byte // signature over EncKey by the sender's private key
}

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader, maxLen int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || n > maxLen {
		return nil, fmt.Errorf("overlay: frame length %d exceeds max %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeHello(h handshakeHello) []byte {
	buf := make([]byte, 0, ids.Size+2+len(h.PubKey)+2+len(h.Nonce)+2+len(h.EncKey)+2+len(h.KeySig))
	buf = append(buf, h.NodeID[:]...)
	buf = appendChunk(buf, h.PubKey)
	buf = appendChunk(buf, h.Nonce)
	buf = appendChunk(buf, h.EncKey)
	buf = appendChunk(buf, h.KeySig)
	return buf
}

func appendChunk(buf, chunk []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(chunk)))
	buf = append(buf, l[:]...)
	return append(buf, chunk...)
}

func decodeHello(buf []byte) (handshakeHello, error) {
	var h handshakeHello
	if len(buf) < ids.Size {
		return h, fmt.Errorf("overlay: handshake too short")
	}
	copy(h.NodeID[:], buf[:ids.Size])
	rest := buf[ids.Size:]
	var err error
	h.PubKey, rest, err = takeChunk(rest)
	if err != nil {
		return h, err
	}
	h.Nonce, rest, err = takeChunk(rest)
	if err != nil {
		return h, err
	}
	h.EncKey, rest, err = takeChunk(rest)
	if err != nil {
		return h, err
	}
	h.KeySig, _, err = takeChunk(rest)
	if err != nil {
		return h, err
	}
	return h, nil
}

func takeChunk(buf []byte) (chunk, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("overlay: truncated handshake chunk")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, nil, fmt.Errorf("overlay: truncated handshake chunk body")
	}
	return buf[2 : 2+n], buf[2+n:], nil
}

const maxHandshakeFrame = 8192

// dialAuthenticated connects to addr and performs the identity-bound AEAD
// handshake, expecting the remote to present expectedRemote (the zero
// NodeID means "accept whoever answers", used only for bootstrap probing).
func dialAuthenticated(network, addr string, self *crypto.KeyPair, expectedRemote ids.NodeID) (*conn, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: dial %s: %w", addr, err)
	}
	c, err := authenticate(nc, self, true, expectedRemote)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// authenticate runs the mutual handshake over an already-open net.Conn,
// acting as initiator or responder. On success it returns a conn with
// independent send/receive AEAD framers so that each direction has its own
// sequence-number space.
func authenticate(nc net.Conn, self *crypto.KeyPair, initiator bool, expectedRemote ids.NodeID) (*conn, error) {
	pubDER, err := self.MarshalPublic()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.Random(crypto.LevelStrong, 16)
	if err != nil {
		return nil, err
	}

	if initiator {
		hello := handshakeHello{NodeID: self.ID, PubKey: pubDER, Nonce: nonce}
		if err := writeFrame(nc, encodeHello(hello)); err != nil {
			return nil, err
		}
		peerBuf, err := readFrame(nc, maxHandshakeFrame)
		if err != nil {
			return nil, err
		}
		peerHello, err := decodeHello(peerBuf)
		if err != nil {
			return nil, err
		}
		peerPub, err := crypto.ParsePublicKey(peerHello.PubKey)
		if err != nil {
			return nil, err
		}
		if err := verifyClaimedIdentity(peerHello.NodeID, peerPub); err != nil {
			return nil, err
		}
		if !expectedRemote.IsZero() && peerHello.NodeID != expectedRemote {
			return nil, fmt.Errorf("overlay: auth: expected %s, got %s", expectedRemote, peerHello.NodeID)
		}

		sessionKey, err := crypto.Random(crypto.LevelKey, 32)
		if err != nil {
			return nil, err
		}
		encKey, err := rsaEncryptOAEP(peerPub, sessionKey)
		if err != nil {
			return nil, err
		}
		sig, err := self.Sign(encKey)
		if err != nil {
			return nil, err
		}
		if err := writeFrame(nc, encodeHello(handshakeHello{NodeID: self.ID, EncKey: encKey, KeySig: sig})); err != nil {
			return nil, err
		}
		return framersFromSessionKey(nc, peerHello.NodeID, sessionKey, true)
	}

	peerBuf, err := readFrame(nc, maxHandshakeFrame)
	if err != nil {
		return nil, err
	}
	peerHello, err := decodeHello(peerBuf)
	if err != nil {
		return nil, err
	}
	peerPub, err := crypto.ParsePublicKey(peerHello.PubKey)
	if err != nil {
		return nil, err
	}
	if err := verifyClaimedIdentity(peerHello.NodeID, peerPub); err != nil {
		return nil, err
	}

	hello := handshakeHello{NodeID: self.ID, PubKey: pubDER, Nonce: nonce}
	if err := writeFrame(nc, encodeHello(hello)); err != nil {
		return nil, err
	}

	keyBuf, err := readFrame(nc, maxHandshakeFrame)
	if err != nil {
		return nil, err
	}
	keyHello, err := decodeHello(keyBuf)
	if err != nil {
		return nil, err
	}
	if err := crypto.Verify(peerPub, keyHello.EncKey, keyHello.KeySig); err != nil {
		return nil, fmt.Errorf("overlay: auth: bad session key signature: %w", err)
	}
	sessionKey, err := rsaDecryptOAEP(self.Private, keyHello.EncKey)
	if err != nil {
		return nil, fmt.Errorf("overlay: auth: session key decrypt: %w", err)
	}
	return framersFromSessionKey(nc, peerHello.NodeID, sessionKey, false)
}

// verifyClaimedIdentity is the single fast-path check named repeatedly in
// the spec (§3 invariant, §4.C, §7 AuthError, §8 testable property): the
// observed public key's digest must equal the identifier the peer claims.
func verifyClaimedIdentity(claimed ids.NodeID, pub *rsa.PublicKey) error {
	actual, err := crypto.PublicKeyID(pub)
	if err != nil {
		return err
	}
	if actual != claimed {
		return fmt.Errorf("overlay: auth: claimed id %s does not match key digest %s", claimed, actual)
	}
	return nil
}

func framersFromSessionKey(nc net.Conn, peer ids.NodeID, sessionKey []byte, initiator bool) (*conn, error) {
	initKey, err := crypto.DeriveKey(sessionKey, nil, "teapotnet-overlay-initiator", 32)
	if err != nil {
		return nil, err
	}
	respKey, err := crypto.DeriveKey(sessionKey, nil, "teapotnet-overlay-responder", 32)
	if err != nil {
		return nil, err
	}
	var sendKey, recvKey []byte
	if initiator {
		sendKey, recvKey = initKey, respKey
	} else {
		sendKey, recvKey = respKey, initKey
	}
	send, err := crypto.NewAEADFramer(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewAEADFramer(recvKey)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: nc, peer: peer, send: send, recv: recv}, nil
}

// writeMessage encodes, seals and frames m onto the connection.
func (c *conn) writeMessage(m Message) error {
	plain, err := m.Encode()
	if err != nil {
		return err
	}
	sealed, err := c.send.Seal(plain)
	if err != nil {
		return err
	}
	return writeFrame(c.Conn, sealed)
}

// readMessage reads, unseals and decodes the next message from the
// connection.
func (c *conn) readMessage() (Message, error) {
	sealed, err := readFrame(c.Conn, headerSize+MaxPayload+64)
	if err != nil {
		return Message{}, err
	}
	plain, err := c.recv.Open(sealed)
	if err != nil {
		return Message{}, fmt.Errorf("overlay: aead open: %w", err)
	}
	return Decode(plain)
}
