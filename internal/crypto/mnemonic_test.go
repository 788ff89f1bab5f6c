package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMnemonicKeyPairReproducible(t *testing.T) {
	mnemonic, kp1, err := NewMnemonicKeyPair()
	require.NoError(t, err)

	kp2, err := KeyPairFromMnemonic(mnemonic)
	require.NoError(t, err)

	require.Equal(t, kp1.ID, kp2.ID)
	require.True(t, kp1.Private.Equal(kp2.Private))
}

func TestKeyPairFromMnemonicRejectsInvalid(t *testing.T) {
	_, err := KeyPairFromMnemonic("not a valid mnemonic at all")
	require.Error(t, err)
}
