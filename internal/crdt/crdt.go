// Package crdt implements C4: Lamport/version-vector clocks, operation
// validation and dispatch, canonical signing, and local/remote apply —
// the only path by which internal/graph's materialized state changes.
package crdt

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

// eventChannel is the named Postgres NOTIFY channel operations are
// broadcast on (§6).
const eventChannel = "kerai_ops"

// CRDT is the handle through which local mutations and remote ingest
// both flow. It owns no mutable in-process state — every counter lives
// in Postgres so multiple processes can share one store safely.
type CRDT struct {
	Store      *kstore.Store
	InstanceID uuid.UUID
	Author     string // fingerprint of this instance's signing key
	PrivateKey ed25519.PrivateKey
	Log        *logrus.Logger
}

func New(store *kstore.Store, instanceID uuid.UUID, author string, priv ed25519.PrivateKey, log *logrus.Logger) *CRDT {
	return &CRDT{Store: store, InstanceID: instanceID, Author: author, PrivateKey: priv, Log: log}
}

// OpResult is the return shape of ApplyOp / ApplyRemoteOp (§7).
type OpResult struct {
	OpType    OpType
	NodeID    uuid.UUID
	LamportTS int64
	AuthorSeq int64
	Author    string
	Duplicate bool
}

func eventPayload(opType OpType, nodeID uuid.UUID, lamportTS int64, author string) []byte {
	b, _ := json.Marshal(map[string]any{
		"op_type":    opType,
		"node_id":    nodeID,
		"lamport_ts": lamportTS,
		"author":     author,
	})
	return b
}

// ApplyOp performs a local mutation: validates the payload, applies it
// to materialized state, allocates lamport_ts and author_seq for self,
// signs the canonical tuple, records the operation row, and notifies
// subscribers — all inside one atomic transaction (§4.4 step 1-6).
func (c *CRDT) ApplyOp(ctx context.Context, opType OpType, nodeID *uuid.UUID, payload map[string]any) (OpResult, error) {
	if err := validate(opType, nodeID, payload); err != nil {
		return OpResult{}, err
	}

	var result OpResult
	err := c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		affectedID, err := applyTx(ctx, tx, c.InstanceID, opType, nodeID, payload)
		if err != nil {
			return err
		}

		lamportTS, err := nextLamportTx(ctx, tx)
		if err != nil {
			return err
		}
		authorSeq, err := nextAuthorSeqTx(ctx, tx, c.Author)
		if err != nil {
			return err
		}

		sig, err := Sign(c.Store, c.PrivateKey, string(opType), affectedID.String(), authorSeq, payload)
		if err != nil {
			return err
		}

		// affectedID is always meaningful: the new id for insert_node,
		// the target/source node id otherwise.
		opNodeID := &affectedID

		if _, err := tx.Exec(ctx, `
			INSERT INTO operations (instance_id, op_type, node_id, author, lamport_ts, author_seq, payload, signature)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.InstanceID, string(opType), opNodeID, c.Author, lamportTS, authorSeq, jsonBytes(payload), sig); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "crdt: record operation")
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, eventChannel, string(eventPayload(opType, affectedID, lamportTS, c.Author))); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "crdt: notify")
		}

		result = OpResult{OpType: opType, NodeID: affectedID, LamportTS: lamportTS, AuthorSeq: authorSeq, Author: c.Author}
		return nil
	})
	if err != nil {
		return OpResult{}, err
	}
	if c.Log != nil {
		c.Log.WithFields(logrus.Fields{"op_type": opType, "node_id": result.NodeID, "author_seq": result.AuthorSeq}).Debug("crdt: applied local operation")
	}
	return result, nil
}

// RemoteOp is a fully-formed operation received from a peer, as
// presented to ApplyRemoteOp for ingest.
type RemoteOp struct {
	OpType    OpType
	NodeID    *uuid.UUID
	Author    string // fingerprint of the issuing peer
	AuthorPub ed25519.PublicKey
	LamportTS int64
	AuthorSeq int64
	Payload   map[string]any
	Signature []byte
}

// ApplyRemoteOp ingests an operation from a peer (§4.4 remote path):
// verify signature, check the duplicate predicate on (author,
// author_seq), auto-register an unseen peer, apply to materialized
// state, observe the Lamport clock, and advance the version vector.
func (c *CRDT) ApplyRemoteOp(ctx context.Context, op RemoteOp) (OpResult, error) {
	if err := validate(op.OpType, op.NodeID, op.Payload); err != nil {
		return OpResult{}, err
	}

	affectedIDStr := ""
	if op.NodeID != nil {
		affectedIDStr = op.NodeID.String()
	}
	ok, err := VerifyOp(c.Store, op.AuthorPub, string(op.OpType), affectedIDStr, op.AuthorSeq, op.Payload, op.Signature)
	if err != nil {
		return OpResult{}, err
	}
	if !ok {
		return OpResult{}, kerrors.New(kerrors.InvalidSignature, "remote operation signature does not verify for author %s", op.Author)
	}

	var result OpResult
	err = c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		scanErr := tx.QueryRow(ctx, `SELECT true FROM operations WHERE author = $1 AND author_seq = $2`, op.Author, op.AuthorSeq).Scan(&exists)
		if scanErr == nil && exists {
			result = OpResult{OpType: op.OpType, Author: op.Author, AuthorSeq: op.AuthorSeq, Duplicate: true}
			return nil
		}
		if scanErr != nil && scanErr != pgx.ErrNoRows {
			return kerrors.Wrap(kerrors.Internal, scanErr, "crdt: duplicate check")
		}

		local, scanErr := currentMaxSeqTx(ctx, tx, op.Author)
		if scanErr != nil {
			return scanErr
		}
		if op.AuthorSeq <= local {
			result = OpResult{OpType: op.OpType, Author: op.Author, AuthorSeq: op.AuthorSeq, Duplicate: true}
			return nil
		}

		peerInstanceID, regErr := ensurePeerInstanceTx(ctx, tx, op.Author, op.AuthorPub)
		if regErr != nil {
			return regErr
		}

		affectedID, applyErr := applyTx(ctx, tx, peerInstanceID, op.OpType, op.NodeID, op.Payload)
		if applyErr != nil {
			return applyErr
		}

		lamportTS, lamportErr := observeLamportTx(ctx, tx, op.LamportTS)
		if lamportErr != nil {
			return lamportErr
		}
		if err := advanceAuthorSeqTx(ctx, tx, op.Author, op.AuthorSeq); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO operations (instance_id, op_type, node_id, author, lamport_ts, author_seq, payload, signature)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, peerInstanceID, string(op.OpType), &affectedID, op.Author, lamportTS, op.AuthorSeq, jsonBytes(op.Payload), op.Signature); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "crdt: record remote operation")
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, eventChannel, string(eventPayload(op.OpType, affectedID, lamportTS, op.Author))); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "crdt: notify remote")
		}

		result = OpResult{OpType: op.OpType, NodeID: affectedID, LamportTS: lamportTS, AuthorSeq: op.AuthorSeq, Author: op.Author}
		return nil
	})
	if err != nil {
		return OpResult{}, err
	}
	if c.Log != nil {
		c.Log.WithFields(logrus.Fields{"author": op.Author, "author_seq": op.AuthorSeq, "duplicate": result.Duplicate}).Debug("crdt: ingested remote operation")
	}
	return result, nil
}

// ensurePeerInstanceTx looks up an instance by key fingerprint, creating
// one with a default name "peer-<fp-prefix>" on first contact.
func ensurePeerInstanceTx(ctx context.Context, tx pgx.Tx, fingerprint string, pub ed25519.PublicKey) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM instances WHERE key_fingerprint = $1`, fingerprint).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "crdt: lookup peer instance")
	}

	name := "peer-" + fingerprint[:minInt(8, len(fingerprint))]
	err = tx.QueryRow(ctx, `
		INSERT INTO instances (name, public_key, key_fingerprint, is_self)
		VALUES ($1, $2, $3, false)
		RETURNING id
	`, name, []byte(pub), fingerprint).Scan(&id)
	if err != nil {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "crdt: register peer instance")
	}
	return id, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Operation is the persisted, replayable record returned by OpsSince. It
// carries the author's public key alongside the signature so a sync
// collaborator can verify it offline without a separate round trip.
type Operation struct {
	ID        uuid.UUID
	OpType    OpType
	NodeID    *uuid.UUID
	Author    string
	PublicKey ed25519.PublicKey
	LamportTS int64
	AuthorSeq int64
	Payload   map[string]any
	Signature []byte
}

// OpsSince returns operations from author with author_seq > since,
// ordered by author_seq, for the sync collaborator to replicate. Each
// record is joined against instances to attach the author's public key.
func (c *CRDT) OpsSince(ctx context.Context, author string, since int64) ([]Operation, error) {
	rows, err := c.Store.Pool.Query(ctx, `
		SELECT o.id, o.op_type, o.node_id, o.author, i.public_key, o.lamport_ts, o.author_seq, o.payload, o.signature
		FROM operations o
		JOIN instances i ON i.key_fingerprint = o.author
		WHERE o.author = $1 AND o.author_seq > $2
		ORDER BY o.author_seq
	`, author, since)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "crdt: OpsSince")
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var o Operation
		var opType string
		var payloadBytes []byte
		var pub []byte
		if err := rows.Scan(&o.ID, &opType, &o.NodeID, &o.Author, &pub, &o.LamportTS, &o.AuthorSeq, &payloadBytes, &o.Signature); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "crdt: scan operation")
		}
		o.OpType = OpType(opType)
		o.PublicKey = ed25519.PublicKey(pub)
		o.Payload = map[string]any{}
		if len(payloadBytes) > 0 {
			_ = json.Unmarshal(payloadBytes, &o.Payload)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
