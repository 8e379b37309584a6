package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeypairSignVerify(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	require.NoError(t, err)
	require.Len(t, priv, ed25519.PrivateKeySize)
	require.Len(t, pub, ed25519.PublicKeySize)

	msg := []byte("insert_node op payload")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))
	require.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	_, pub, err := GenerateKeypair()
	require.NoError(t, err)
	require.False(t, Verify(pub, []byte("x"), []byte("too-short")))
}

func TestFingerprintDeterministic(t *testing.T) {
	_, pub, err := GenerateKeypair()
	require.NoError(t, err)
	fp1 := Fingerprint(pub)
	fp2 := Fingerprint(pub)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, fingerprintPrefixLen)
}

func TestParsePublicKeyRejectsWrongSize(t *testing.T) {
	_, err := ParsePublicKey([]byte{1, 2, 3})
	require.Error(t, err)

	_, pub, err := GenerateKeypair()
	require.NoError(t, err)
	got, err := ParsePublicKey(pub)
	require.NoError(t, err)
	require.Equal(t, pub, got)
}

func TestMnemonicRoundTrip(t *testing.T) {
	priv, _, err := GenerateKeypair()
	require.NoError(t, err)
	seed := priv.Seed()

	phrase, err := Mnemonic(seed)
	require.NoError(t, err)
	require.NotEmpty(t, phrase)

	recovered, err := SeedFromMnemonic(phrase)
	require.NoError(t, err)
	require.Equal(t, ed25519.NewKeyFromSeed(seed), recovered)
}

func TestSeedFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	_, err := SeedFromMnemonic("not a real bip39 phrase at all")
	require.Error(t, err)
}

func TestMnemonicRejectsWrongSeedLength(t *testing.T) {
	_, err := Mnemonic([]byte("too short"))
	require.Error(t, err)
}
