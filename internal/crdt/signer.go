package crdt

import (
	"crypto/ed25519"
	"strconv"

	"kerai/internal/identity"
	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

// signingInput builds the byte string operations sign over:
//
//	op_type || "\n" || affected_id || "\n" || decimal(author_seq) || "\n" || canonical_json(payload)
//
// This is the single most critical interop surface in the system —
// every peer must produce bitwise-identical bytes for the same op.
func signingInput(store *kstore.Store, opType, affectedID string, authorSeq int64, payload any) ([]byte, error) {
	canon, err := kstore.CanonicalJSON(payload)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "crdt: canonicalize payload")
	}
	buf := []byte(opType)
	buf = append(buf, '\n')
	buf = append(buf, affectedID...)
	buf = append(buf, '\n')
	buf = append(buf, strconv.FormatInt(authorSeq, 10)...)
	buf = append(buf, '\n')
	buf = append(buf, canon...)
	return buf, nil
}

// Sign produces the operation signature over signingInput using priv.
func Sign(store *kstore.Store, priv ed25519.PrivateKey, opType, affectedID string, authorSeq int64, payload any) ([]byte, error) {
	msg, err := signingInput(store, opType, affectedID, authorSeq, payload)
	if err != nil {
		return nil, err
	}
	return identity.Sign(priv, msg), nil
}

// VerifyOp checks an operation's signature against the author's public key.
func VerifyOp(store *kstore.Store, pub ed25519.PublicKey, opType, affectedID string, authorSeq int64, payload any, signature []byte) (bool, error) {
	msg, err := signingInput(store, opType, affectedID, authorSeq, payload)
	if err != nil {
		return false, err
	}
	return identity.Verify(pub, msg, signature), nil
}
