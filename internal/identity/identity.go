// Package identity implements C1: Ed25519 keypair generation, textual
// fingerprints, signing/verification, and a local keystore that persists
// the signing key outside the knowledge graph (only the public key ever
// enters the store).
package identity

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	bip39 "github.com/tyler-smith/go-bip39"

	"kerai/internal/kerrors"
)

const fingerprintPrefixLen = 16 // hex chars (8 bytes) — fixed once, never changed.

// GenerateKeypair creates a fresh Ed25519 signing/verifying keypair.
func GenerateKeypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, nil, kerrors.Wrap(kerrors.Internal, err, "identity: generate keypair")
	}
	return priv, pub, nil
}

// Fingerprint derives a deterministic textual identifier from a public
// key: the hex-encoded SHA-256 digest truncated to a fixed prefix length.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:fingerprintPrefixLen]
}

// Sign signs arbitrary bytes with the given signing key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks a signature against a public key and message.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// ParsePublicKey validates that b is exactly a 32-byte Ed25519 public key.
func ParsePublicKey(b []byte) (ed25519.PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, kerrors.New(kerrors.InvalidKey, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Mnemonic encodes a 32-byte Ed25519 seed as a BIP-39 recovery phrase,
// adapted from the teacher's HD-wallet mnemonic helpers (core/wallet.go)
// for backing up/recovering the local signing key.
func Mnemonic(seed []byte) (string, error) {
	if len(seed) != 32 {
		return "", kerrors.New(kerrors.InvalidKey, "seed must be 32 bytes, got %d", len(seed))
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, err, "identity: generate entropy")
	}
	copy(entropy, seed)
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", kerrors.Wrap(kerrors.Internal, err, "identity: build mnemonic")
	}
	return phrase, nil
}

// SeedFromMnemonic recovers the original 32-byte seed from a phrase
// produced by Mnemonic.
func SeedFromMnemonic(phrase string) (ed25519.PrivateKey, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, kerrors.New(kerrors.InvalidKey, "invalid mnemonic phrase")
	}
	entropy, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidKey, err, "identity: recover entropy")
	}
	if len(entropy) != 32 {
		return nil, kerrors.New(kerrors.InvalidKey, "recovered entropy must be 32 bytes, got %d", len(entropy))
	}
	return ed25519.NewKeyFromSeed(entropy), nil
}
