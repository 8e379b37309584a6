package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bolt")
	pass := []byte("correct horse battery staple")

	ks, err := OpenKeystore(path, pass)
	require.NoError(t, err)

	priv1, err := ks.LoadOrCreate(pass)
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	ks2, err := OpenKeystore(path, pass)
	require.NoError(t, err)
	defer ks2.Close()

	priv2, err := ks2.LoadOrCreate(pass)
	require.NoError(t, err)
	require.Equal(t, priv1, priv2, "second LoadOrCreate must return the persisted key, not mint a new one")
}

func TestKeystoreWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bolt")

	ks, err := OpenKeystore(path, []byte("right-pass"))
	require.NoError(t, err)
	_, err = ks.LoadOrCreate([]byte("right-pass"))
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	ks2, err := OpenKeystore(path, []byte("wrong-pass"))
	require.NoError(t, err)
	defer ks2.Close()

	_, err = ks2.Load([]byte("wrong-pass"))
	require.Error(t, err)
}

func TestKeystoreLoadNotFoundBeforeFirstSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bolt")
	ks, err := OpenKeystore(path, []byte("pass"))
	require.NoError(t, err)
	defer ks.Close()

	_, err = ks.Load([]byte("pass"))
	require.Error(t, err)
}
