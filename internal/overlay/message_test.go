package overlay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

func randomID(t *testing.T, seed byte) ids.NodeID {
	t.Helper()
	var id ids.NodeID
	for i := range id {
		id[i] = seed + byte(i)
	}
	return id
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	src := randomID(t, 1)
	dst := randomID(t, 2)
	m := NewMessage(TypeStore, src, dst, []byte("payload"))
	m.Flags = FlagResponse

	buf, err := m.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, m.Version, got.Version)
	require.Equal(t, m.Flags, got.Flags)
	require.Equal(t, m.TTL, got.TTL)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Source, got.Source)
	require.Equal(t, m.Destination, got.Destination)
	require.True(t, bytes.Equal(m.Payload, got.Payload))
}

func TestMessageRejectsOversizedPayload(t *testing.T) {
	m := NewMessage(TypeStore, randomID(t, 1), randomID(t, 2), make([]byte, MaxPayload+1))
	_, err := m.Encode()
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m := NewMessage(TypePing, randomID(t, 1), randomID(t, 2), nil)
	buf, err := m.Encode()
	require.NoError(t, err)
	buf[0] ^= 0xFF

	_, err = Decode(buf)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestFingerprintStableForIdenticalMessages(t *testing.T) {
	src := randomID(t, 1)
	dst := randomID(t, 2)
	a := NewMessage(TypeStore, src, dst, []byte("x"))
	b := NewMessage(TypeStore, src, dst, []byte("x"))
	require.Equal(t, a.fingerprint(), b.fingerprint())

	c := NewMessage(TypeStore, src, dst, []byte("y"))
	require.NotEqual(t, a.fingerprint(), c.fingerprint())
}
