package swarm

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
)

// Bounty follows the analogous small state machine open -> claimed -> paid.
type Bounty struct {
	ID             uuid.UUID
	TaskID         *uuid.UUID
	Description    string
	RewardAmount   int64
	FunderWallet   uuid.UUID
	ClaimantWallet *uuid.UUID
	Status         string
}

func scanBounty(row pgx.Row) (Bounty, error) {
	var b Bounty
	err := row.Scan(&b.ID, &b.TaskID, &b.Description, &b.RewardAmount, &b.FunderWallet, &b.ClaimantWallet, &b.Status)
	return b, err
}

const bountyColumns = `id, task_id, description, reward_amount, funder_wallet, claimant_wallet, status`

func (s *Swarm) CreateBounty(ctx context.Context, taskID *uuid.UUID, description string, rewardAmount int64, funderWallet uuid.UUID) (Bounty, error) {
	if rewardAmount <= 0 {
		return Bounty{}, kerrors.New(kerrors.InvalidOp, "reward_amount must be positive")
	}
	row := s.Store.Pool.QueryRow(ctx, `
		INSERT INTO bounties (task_id, description, reward_amount, funder_wallet, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING `+bountyColumns, taskID, description, rewardAmount, funderWallet)
	return scanBounty(row)
}

func (s *Swarm) ListBounties(ctx context.Context, status string) ([]Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "swarm: ListBounties")
	}
	defer rows.Close()
	var out []Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "swarm: scan bounty")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Swarm) GetBounty(ctx context.Context, id uuid.UUID) (Bounty, error) {
	row := s.Store.Pool.QueryRow(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id)
	b, err := scanBounty(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Bounty{}, kerrors.New(kerrors.NotFound, "bounty %s not found", id)
		}
		return Bounty{}, kerrors.Wrap(kerrors.Internal, err, "swarm: GetBounty")
	}
	return b, nil
}

// ClaimBounty transitions open -> claimed.
func (s *Swarm) ClaimBounty(ctx context.Context, id, claimantWallet uuid.UUID) error {
	return s.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM bounties WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "bounty %s not found", id)
			}
			return kerrors.Wrap(kerrors.Internal, err, "swarm: lookup bounty")
		}
		if status != "open" {
			return kerrors.New(kerrors.StateConflict, "bounty %s is not open", id)
		}
		_, err := tx.Exec(ctx, `UPDATE bounties SET status = 'claimed', claimant_wallet = $1, claimed_at = now() WHERE id = $2`, claimantWallet, id)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: ClaimBounty")
		}
		return nil
	})
}

// SettleBounty transitions claimed -> paid, paying the reward to the
// claimant from the funder's wallet with the balance predicate
// enforced like any other transfer.
func (s *Swarm) SettleBounty(ctx context.Context, id uuid.UUID) error {
	return s.Store.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1 FOR UPDATE`, id)
		b, err := scanBounty(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "bounty %s not found", id)
			}
			return kerrors.Wrap(kerrors.Internal, err, "swarm: SettleBounty lookup")
		}
		if b.Status != "claimed" || b.ClaimantWallet == nil {
			return kerrors.New(kerrors.StateConflict, "bounty %s is not claimed", id)
		}

		var in, out int64
		if err := tx.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE to_wallet = $1`, b.FunderWallet).Scan(&in); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: funder balance in")
		}
		if err := tx.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE from_wallet = $1`, b.FunderWallet).Scan(&out); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: funder balance out")
		}
		if in-out < b.RewardAmount {
			return kerrors.New(kerrors.InsufficientBalance, "funder wallet %s cannot cover bounty reward", b.FunderWallet)
		}

		var ts int64
		if err := tx.QueryRow(ctx, `SELECT coalesce(max(timestamp), 0) + 1 FROM ledger`).Scan(&ts); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: allocate ledger timestamp")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, reference_id, reference_type, timestamp)
			VALUES ($1, $2, $3, 'bounty_settlement', $4, 'bounty', $5)
		`, b.FunderWallet, *b.ClaimantWallet, b.RewardAmount, id, ts); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: append bounty ledger entry")
		}

		if _, err := tx.Exec(ctx, `UPDATE bounties SET status = 'paid', paid_at = now() WHERE id = $1`, id); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: finalize bounty")
		}
		return nil
	})
}
