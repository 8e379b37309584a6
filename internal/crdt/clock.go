package crdt

import (
	"context"

	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
)

// nextLamportTx bumps and returns the global Lamport counter inside tx.
func nextLamportTx(ctx context.Context, tx pgx.Tx) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `UPDATE lamport_clock SET value = value + 1 WHERE id = true RETURNING value`).Scan(&v)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "crdt: advance lamport clock")
	}
	return v, nil
}

// observeLamportTx advances the clock to max(local, remote)+1, as
// required when accepting a remote op.
func observeLamportTx(ctx context.Context, tx pgx.Tx, remote int64) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `
		UPDATE lamport_clock SET value = GREATEST(value, $1) + 1 WHERE id = true RETURNING value
	`, remote).Scan(&v)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "crdt: observe lamport clock")
	}
	return v, nil
}

// nextAuthorSeqTx allocates the next sequence number for a local author
// (self) and advances the version vector accordingly.
func nextAuthorSeqTx(ctx context.Context, tx pgx.Tx, author string) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `
		INSERT INTO version_vector (author, max_seq) VALUES ($1, 1)
		ON CONFLICT (author) DO UPDATE SET max_seq = version_vector.max_seq + 1
		RETURNING max_seq
	`, author).Scan(&v)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "crdt: advance author seq")
	}
	return v, nil
}

// currentMaxSeqTx returns the highest author_seq seen for author, 0 if none.
func currentMaxSeqTx(ctx context.Context, tx pgx.Tx, author string) (int64, error) {
	var v int64
	err := tx.QueryRow(ctx, `SELECT coalesce(max_seq, 0) FROM version_vector WHERE author = $1`, author).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "crdt: read author seq")
	}
	return v, nil
}

// advanceAuthorSeqTx records remoteSeq as the new high watermark for
// author if it exceeds what is already recorded — a gap (remoteSeq >
// local+1) is accepted, the vector simply jumps.
func advanceAuthorSeqTx(ctx context.Context, tx pgx.Tx, author string, remoteSeq int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO version_vector (author, max_seq) VALUES ($1, $2)
		ON CONFLICT (author) DO UPDATE SET max_seq = GREATEST(version_vector.max_seq, EXCLUDED.max_seq)
	`, author, remoteSeq)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: advance remote author seq")
	}
	return nil
}

// VersionVector returns the mapping author fingerprint -> max author_seq.
func (c *CRDT) VersionVector(ctx context.Context) (map[string]int64, error) {
	rows, err := c.Store.Pool.Query(ctx, `SELECT author, max_seq FROM version_vector`)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "crdt: VersionVector")
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var author string
		var seq int64
		if err := rows.Scan(&author, &seq); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "crdt: scan version vector")
		}
		out[author] = seq
	}
	return out, rows.Err()
}

// LamportClock returns the current global Lamport counter value.
func (c *CRDT) LamportClock(ctx context.Context) (int64, error) {
	var v int64
	err := c.Store.Pool.QueryRow(ctx, `SELECT value FROM lamport_clock WHERE id = true`).Scan(&v)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "crdt: LamportClock")
	}
	return v, nil
}
