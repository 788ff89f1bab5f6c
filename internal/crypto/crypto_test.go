package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("hello"))
	b := Hash([]byte("hello"))
	require.Equal(t, a, b)

	c := Hash([]byte("hello!"))
	require.NotEqual(t, a, c)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("secret"), []byte("salt"), "ctx", 32)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("secret"), []byte("salt"), "ctx", 32)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := DeriveKey([]byte("secret"), []byte("salt"), "other-ctx", 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestKeyPairIdentityMatchesPublicKeyDigest(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pubDER, err := kp.MarshalPublic()
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubDER)
	require.NoError(t, err)

	id, err := PublicKeyID(pub)
	require.NoError(t, err)
	require.Equal(t, kp.ID, id)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("index-block-digest-list")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(&kp.Private.PublicKey, msg, sig))
	require.Error(t, Verify(&kp.Private.PublicKey, []byte("tampered"), sig))
}

func TestSealOpenPrivateRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	der := kp.MarshalPrivate()

	sealed, err := SealPrivate(der, []byte("passphrase"))
	require.NoError(t, err)

	opened, err := OpenPrivate(sealed, []byte("passphrase"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(der, opened))

	_, err = OpenPrivate(sealed, []byte("wrong"))
	require.Error(t, err)
}

func TestAEADFramerRoundTripAndReplay(t *testing.T) {
	key, err := Random(LevelKey, 32)
	require.NoError(t, err)

	sender, err := NewAEADFramer(key)
	require.NoError(t, err)
	receiver, err := NewAEADFramer(key)
	require.NoError(t, err)

	frame, err := sender.Seal([]byte("ping"))
	require.NoError(t, err)

	plaintext, err := receiver.Open(frame)
	require.NoError(t, err)
	require.Equal(t, "ping", string(plaintext))

	_, err = receiver.Open(frame)
	require.Error(t, err, "replayed frame must be rejected")
}
