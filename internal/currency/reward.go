package currency

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
)

func jsonBytes(v any) []byte {
	if v == nil {
		v = map[string]any{}
	}
	b, _ := json.Marshal(v)
	return b
}

// RewardScheduleEntry mirrors the reward_schedule table.
type RewardScheduleEntry struct {
	WorkType string
	Reward   int64
	Enabled  bool
}

// SetReward upserts a reward schedule entry (admin operation).
func (c *Currency) SetReward(ctx context.Context, workType string, reward int64, enabled bool) error {
	_, err := c.Store.Pool.Exec(ctx, `
		INSERT INTO reward_schedule (work_type, reward, enabled) VALUES ($1, $2, $3)
		ON CONFLICT (work_type) DO UPDATE SET reward = EXCLUDED.reward, enabled = EXCLUDED.enabled
	`, workType, reward, enabled)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "currency: SetReward")
	}
	return nil
}

// GetRewardSchedule returns the full reward schedule.
func (c *Currency) GetRewardSchedule(ctx context.Context) ([]RewardScheduleEntry, error) {
	rows, err := c.Store.Pool.Query(ctx, `SELECT work_type, reward, enabled FROM reward_schedule ORDER BY work_type`)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "currency: GetRewardSchedule")
	}
	defer rows.Close()
	var out []RewardScheduleEntry
	for rows.Next() {
		var e RewardScheduleEntry
		if err := rows.Scan(&e.WorkType, &e.Reward, &e.Enabled); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "currency: scan reward entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MintKoi is the unsigned admin mint path (§6 external interface
// `mint_koi`), used for operator-driven supply adjustments outside the
// reward schedule. Unlike MintReward it bypasses the schedule entirely.
func (c *Currency) MintKoi(ctx context.Context, to uuid.UUID, amount int64, reason string) error {
	if amount <= 0 {
		return kerrors.New(kerrors.InvalidOp, "mint amount must be positive, got %d", amount)
	}
	return c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		ts, err := nextLedgerTimestampTx(ctx, tx)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "admin_mint"
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, timestamp) VALUES (NULL, $1, $2, $3, $4)
		`, to, amount, reason, ts)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: MintKoi")
		}
		return nil
	})
}

// TransferKoi is the unsigned admin transfer path (§6 `transfer_koi`):
// bypasses nonce/signature checks but still enforces the balance
// predicate — used by the operator surface, never by peer sync.
func (c *Currency) TransferKoi(ctx context.Context, from, to uuid.UUID, amount int64, reason string) error {
	if amount <= 0 {
		return kerrors.New(kerrors.InvalidOp, "transfer amount must be positive, got %d", amount)
	}
	return c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var in, out int64
		if err := tx.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE to_wallet = $1`, from).Scan(&in); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: balance in")
		}
		if err := tx.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE from_wallet = $1`, from).Scan(&out); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: balance out")
		}
		if in-out < amount {
			return kerrors.New(kerrors.InsufficientBalance, "wallet %s has balance %d, needs %d", from, in-out, amount)
		}
		ts, err := nextLedgerTimestampTx(ctx, tx)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = "admin_transfer"
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, timestamp) VALUES ($1, $2, $3, $4, $5)
		`, from, to, amount, reason, ts)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: TransferKoi")
		}
		return nil
	})
}

// LedgerEntry mirrors one row of the ledger table.
type LedgerEntry struct {
	ID         uuid.UUID
	FromWallet *uuid.UUID
	ToWallet   uuid.UUID
	Amount     int64
	Reason     string
	Timestamp  int64
}

// WalletHistory returns ledger entries touching wallet, newest first.
func (c *Currency) WalletHistory(ctx context.Context, wallet uuid.UUID, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.Store.Pool.Query(ctx, `
		SELECT id, from_wallet, to_wallet, amount, reason, timestamp FROM ledger
		WHERE from_wallet = $1 OR to_wallet = $1
		ORDER BY timestamp DESC LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "currency: WalletHistory")
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.FromWallet, &e.ToWallet, &e.Amount, &e.Reason, &e.Timestamp); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "currency: scan ledger entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EvaluateMining implements the retroactive mining sweep (§4.6): scans
// two undercounted-work metrics the same way the original evaluator
// does and mints a capped one-time bonus per gap, purely additive to
// the ledger.
//
//   - parse work: if the graph holds nodes but no parse_file/parse_crate/
//     parse_markdown reward has ever been logged, mint min(node_count, 100)
//     once under retroactive_parsing.
//   - version work: if versions outnumber logged create_version rewards,
//     mint (unrewarded * reward_schedule rate) under retroactive_versions,
//     provided create_version is scheduled and enabled.
func (c *Currency) EvaluateMining(ctx context.Context) (int, error) {
	selfWallet, err := c.selfInstanceWallet(ctx)
	if err != nil {
		return 0, err
	}

	minted := 0
	did, err := c.evaluateRetroactiveParsing(ctx, selfWallet)
	if err != nil {
		return minted, err
	}
	if did {
		minted++
	}

	did, err = c.evaluateRetroactiveVersions(ctx, selfWallet)
	if err != nil {
		return minted, err
	}
	if did {
		minted++
	}

	return minted, nil
}

func (c *Currency) selfInstanceWallet(ctx context.Context) (uuid.UUID, error) {
	var w uuid.UUID
	err := c.Store.Pool.QueryRow(ctx, `
		SELECT w.id FROM wallets w JOIN instances i ON i.id = w.instance_id
		WHERE i.is_self = true AND w.wallet_type = 'instance'
	`).Scan(&w)
	if err != nil {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "currency: lookup self wallet")
	}
	return w, nil
}

// evaluateRetroactiveParsing mints once, ever: if nodes exist but no
// parse work_type has been rewarded yet, bonus = min(node_count, 100).
func (c *Currency) evaluateRetroactiveParsing(ctx context.Context, selfWallet uuid.UUID) (bool, error) {
	var nodeCount, rewardedParses int64
	if err := c.Store.Pool.QueryRow(ctx, `SELECT count(*) FROM nodes`).Scan(&nodeCount); err != nil {
		return false, kerrors.Wrap(kerrors.Internal, err, "currency: count nodes")
	}
	if err := c.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM reward_log WHERE work_type IN ('parse_file', 'parse_crate', 'parse_markdown')
	`).Scan(&rewardedParses); err != nil {
		return false, kerrors.Wrap(kerrors.Internal, err, "currency: count rewarded parses")
	}
	if nodeCount == 0 || rewardedParses > 0 {
		return false, nil
	}

	bonus := nodeCount
	if bonus > 100 {
		bonus = 100
	}
	return true, c.mintRetroactive(ctx, selfWallet, "retroactive_parsing", bonus, map[string]any{"node_count": nodeCount})
}

// evaluateRetroactiveVersions mints the gap between versions recorded
// and create_version rewards logged so far, scaled by the scheduled
// create_version rate.
func (c *Currency) evaluateRetroactiveVersions(ctx context.Context, selfWallet uuid.UUID) (bool, error) {
	var versionCount, rewardedVersions int64
	if err := c.Store.Pool.QueryRow(ctx, `SELECT count(*) FROM versions`).Scan(&versionCount); err != nil {
		return false, kerrors.Wrap(kerrors.Internal, err, "currency: count versions")
	}
	if err := c.Store.Pool.QueryRow(ctx, `
		SELECT count(*) FROM reward_log WHERE work_type = 'create_version'
	`).Scan(&rewardedVersions); err != nil {
		return false, kerrors.Wrap(kerrors.Internal, err, "currency: count rewarded versions")
	}
	if versionCount <= rewardedVersions {
		return false, nil
	}
	unrewarded := versionCount - rewardedVersions

	var rate int64
	err := c.Store.Pool.QueryRow(ctx, `
		SELECT reward FROM reward_schedule WHERE work_type = 'create_version' AND enabled = true
	`).Scan(&rate)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, kerrors.Wrap(kerrors.Internal, err, "currency: lookup create_version rate")
	}

	bonus := unrewarded * rate
	return true, c.mintRetroactive(ctx, selfWallet, "retroactive_versions", bonus, map[string]any{
		"version_count": versionCount,
		"unrewarded":    unrewarded,
	})
}

func (c *Currency) mintRetroactive(ctx context.Context, selfWallet uuid.UUID, workType string, bonus int64, details map[string]any) error {
	return c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		ts, err := nextLedgerTimestampTx(ctx, tx)
		if err != nil {
			return err
		}
		var ledgerID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, timestamp)
			VALUES (NULL, $1, $2, $3, $4) RETURNING id
		`, selfWallet, bonus, "reward:"+workType, ts).Scan(&ledgerID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: append retroactive ledger entry")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reward_log (ledger_entry_id, work_type, details, retroactive)
			VALUES ($1, $2, $3, true)
		`, ledgerID, workType, jsonBytes(details))
		return err
	})
}
