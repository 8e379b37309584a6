package identity

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"

	"kerai/internal/kerrors"
)

// Keystore persists the local signing key outside the knowledge graph,
// in a bbolt file (adapted from cuemby-warren's embedded-KV pattern) with
// the seed encrypted at rest via ChaCha20-Poly1305, matching the
// teacher's use of the same AEAD in core/security.go. Only the derived
// public key ever crosses into the relational store.
type Keystore struct {
	db *bolt.DB
}

var (
	bucketName = []byte("identity")
	seedKey    = []byte("signing_seed")
)

// OpenKeystore opens (creating if absent) the bbolt file at path, using
// passphrase to derive the AEAD key via SHA-256 (a lightweight KDF
// appropriate for a single local secret; this is not a multi-user vault).
func OpenKeystore(path string, passphrase []byte) (*Keystore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "identity: open keystore")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, kerrors.Wrap(kerrors.Internal, err, "identity: init keystore bucket")
	}
	return &Keystore{db: db}, nil
}

func (k *Keystore) Close() error { return k.db.Close() }

func aead(passphrase []byte) (chacha20poly1305AEAD, error) {
	key := sha256.Sum256(passphrase)
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "identity: init aead")
	}
	return a, nil
}

// chacha20poly1305AEAD is a narrow alias so this file only depends on
// the cipher.AEAD method set it actually uses.
type chacha20poly1305AEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// LoadOrCreate returns the local signing key, generating and persisting
// a fresh one on first use (identity.load_local_signing_key, extended
// with create-on-absence since the core needs a key to exist by boot).
func (k *Keystore) LoadOrCreate(passphrase []byte) (ed25519.PrivateKey, error) {
	priv, err := k.Load(passphrase)
	if err == nil {
		return priv, nil
	}
	if !kerrors.Is(err, kerrors.NotFound) {
		return nil, err
	}
	priv, _, genErr := GenerateKeypair()
	if genErr != nil {
		return nil, genErr
	}
	if err := k.Save(priv, passphrase); err != nil {
		return nil, err
	}
	return priv, nil
}

// Load decrypts and returns the persisted signing key, or a NotFound
// error if none has been saved yet (identity.load_local_signing_key).
func (k *Keystore) Load(passphrase []byte) (ed25519.PrivateKey, error) {
	var sealed []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(seedKey)
		if v == nil {
			return nil
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "identity: read keystore")
	}
	if sealed == nil {
		return nil, kerrors.New(kerrors.NotFound, "no local signing key persisted yet")
	}

	a, err := aead(passphrase)
	if err != nil {
		return nil, err
	}
	if len(sealed) < a.NonceSize() {
		return nil, kerrors.New(kerrors.InvalidKey, "corrupt keystore entry")
	}
	nonce, ciphertext := sealed[:a.NonceSize()], sealed[a.NonceSize():]
	seed, err := a.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidKey, err, "identity: decrypt signing key (wrong passphrase?)")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Save encrypts and persists priv's 32-byte seed.
func (k *Keystore) Save(priv ed25519.PrivateKey, passphrase []byte) error {
	a, err := aead(passphrase)
	if err != nil {
		return err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "identity: generate nonce")
	}
	seed := priv.Seed()
	sealed := a.Seal(nonce, nonce, seed, nil)

	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(seedKey, sealed)
	})
}
