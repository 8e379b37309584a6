// Package kstore wraps the relational store (C2): a Postgres connection
// pool, schema bootstrap, and the small set of helpers (tx-scoped
// execution, canonical JSON) every other package builds on. The schema
// is a hard contract; the physical store is otherwise opaque to callers.
package kstore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"kerai/internal/kerrors"
)

// Store owns the pgx pool and a logger. All components take a *Store
// rather than a raw pool so the schema contract stays centralized.
type Store struct {
	Pool *pgxpool.Pool
	Log  *logrus.Logger
}

// Open connects to Postgres and returns a Store. It does not run
// Bootstrap — callers that need schema DDL applied call Bootstrap
// explicitly (idempotent, safe to call on every startup).
func Open(ctx context.Context, dsn string, log *logrus.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "kstore: connect")
	}
	if log == nil {
		log = logrus.New()
	}
	return &Store{Pool: pool, Log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.Pool.Close() }

// Bootstrap ensures every table/index/view exists and that exactly one
// self instance + self wallet row is present, creating them from the
// given selfPub and selfFingerprint the first time it runs (when a self
// instance already exists, nothing else is written).
func (s *Store) Bootstrap(ctx context.Context, instanceName string, selfPub ed25519.PublicKey, selfFingerprint string) error {
	if _, err := s.Pool.Exec(ctx, schemaDDL); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "kstore: apply schema")
	}

	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM instances WHERE is_self = true)`).Scan(&exists); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "kstore: check self instance")
	}
	if exists {
		return nil
	}

	var instanceID, walletID string
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO instances (name, public_key, key_fingerprint, is_self, last_seen)
			VALUES ($1, $2, $3, true, now())
			RETURNING id::text
		`, instanceName, []byte(selfPub), selfFingerprint).Scan(&instanceID); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO wallets (instance_id, public_key, key_fingerprint, wallet_type, label)
			VALUES ($1, $2, $3, 'instance', 'self')
			RETURNING id::text
		`, instanceID, []byte(selfPub), selfFingerprint).Scan(&walletID)
	})
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "kstore: bootstrap self instance/wallet")
	}
	return nil
}

// WithTx runs fn inside a single serializing transaction, matching the
// CRDT layer's requirement that validate -> apply -> sequence -> sign ->
// append happen atomically.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "kstore: begin tx")
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "kstore: commit tx")
	}
	return nil
}

// CanonicalJSON produces the stable text form used both as the CRDT
// operation signing input and generally whenever a deterministic byte
// string is needed for a structured value: UTF-8, lexicographically
// sorted object keys, no extra whitespace. Go's encoding/json already
// sorts map[string]any keys, so this only needs to guarantee the value
// round-trips through a map so nested objects are sorted too.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through encoding/json so struct values become
// map[string]any (sorted on Marshal) and we don't depend on field
// declaration order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SortedKeys is a small helper used by a couple of callers that need to
// iterate a map deterministically without re-marshaling it.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ErrTxFailed wraps a transaction failure with context, used by
// components that want a consistent message shape.
func ErrTxFailed(op string, err error) error {
	return kerrors.Wrap(kerrors.Internal, err, "kstore: %s", op)
}
