package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesThenReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yml")
	pass := []byte("hunter2")

	first, mnemonic, err := Load(path, "alice", pass)
	require.NoError(t, err)
	require.NotEmpty(t, mnemonic)

	second, mnemonic2, err := Load(path, "alice", pass)
	require.NoError(t, err)
	require.Empty(t, mnemonic2)
	require.Equal(t, first.Keys.ID, second.Keys.ID)
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yml")
	_, _, err := Load(path, "alice", []byte("right"))
	require.NoError(t, err)

	_, _, err = Load(path, "alice", []byte("wrong"))
	require.Error(t, err)
}

func TestRecoverReproducesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yml")
	pass := []byte("hunter2")

	original, mnemonic, err := Load(path, "alice", pass)
	require.NoError(t, err)

	recovered, err := Recover(path, "alice", mnemonic, pass)
	require.NoError(t, err)
	require.Equal(t, original.Keys.ID, recovered.Keys.ID)
}
