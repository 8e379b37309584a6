// Package currency implements C6: wallets, signed transfers, mint
// rewards, and the retroactive mining sweep — the teacher's ledger/
// wallet idiom (core/wallet.go) generalized to this spec's balance
// and nonce invariants.
package currency

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"kerai/internal/identity"
	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

type Currency struct {
	Store *kstore.Store
	Log   *logrus.Logger
}

func New(store *kstore.Store, log *logrus.Logger) *Currency { return &Currency{Store: store, Log: log} }

// Wallet mirrors the wallets table.
type Wallet struct {
	ID             uuid.UUID
	InstanceID     *uuid.UUID
	PublicKey      []byte
	KeyFingerprint string
	Address        *string
	WalletType     string
	Label          *string
	Nonce          int64
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.InstanceID, &w.PublicKey, &w.KeyFingerprint, &w.Address, &w.WalletType, &w.Label, &w.Nonce)
	return w, err
}

const walletColumns = `id, instance_id, public_key, key_fingerprint, address, wallet_type, label, nonce`

// RegisterWallet creates a human/agent/external wallet (§4.6). Instance
// wallets are created only by Bootstrap.
func (c *Currency) RegisterWallet(ctx context.Context, pub ed25519.PublicKey, walletType string, label *string) (Wallet, error) {
	if _, err := identity.ParsePublicKey(pub); err != nil {
		return Wallet{}, err
	}
	switch walletType {
	case "human", "agent", "external":
	default:
		return Wallet{}, kerrors.New(kerrors.InvalidOp, "wallet type must be human, agent, or external, got %q", walletType)
	}

	fp := identity.Fingerprint(pub)
	row := c.Store.Pool.QueryRow(ctx, `
		INSERT INTO wallets (public_key, key_fingerprint, wallet_type, label)
		VALUES ($1, $2, $3, $4)
		RETURNING `+walletColumns, []byte(pub), fp, walletType, label)
	w, err := scanWallet(row)
	if err != nil {
		return Wallet{}, kerrors.Wrap(kerrors.Internal, err, "currency: RegisterWallet")
	}
	return w, nil
}

// ByID looks up a wallet.
func (c *Currency) ByID(ctx context.Context, id uuid.UUID) (Wallet, error) {
	row := c.Store.Pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Wallet{}, kerrors.New(kerrors.NotFound, "wallet %s not found", id)
		}
		return Wallet{}, kerrors.Wrap(kerrors.Internal, err, "currency: ByID")
	}
	return w, nil
}

// Balance computes sum(in) - sum(out); never cached, per §4.6.
func (c *Currency) Balance(ctx context.Context, wallet uuid.UUID) (int64, error) {
	var in, out int64
	err := c.Store.Pool.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE to_wallet = $1`, wallet).Scan(&in)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "currency: Balance in")
	}
	err = c.Store.Pool.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE from_wallet = $1`, wallet).Scan(&out)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "currency: Balance out")
	}
	return in - out, nil
}

// TotalSupply is the sum of all entries with from IS NULL (total minted).
func (c *Currency) TotalSupply(ctx context.Context) (int64, error) {
	var total int64
	err := c.Store.Pool.QueryRow(ctx, `SELECT coalesce(sum(amount), 0) FROM ledger WHERE from_wallet IS NULL`).Scan(&total)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "currency: TotalSupply")
	}
	return total, nil
}

// WalletShare returns balance(w)/total_supply as a high-precision
// decimal string, guarding the zero-supply edge case.
func (c *Currency) WalletShare(ctx context.Context, wallet uuid.UUID) (string, error) {
	bal, err := c.Balance(ctx, wallet)
	if err != nil {
		return "", err
	}
	supply, err := c.TotalSupply(ctx)
	if err != nil {
		return "", err
	}
	if supply == 0 {
		return "0.000000000000000000", nil
	}
	return decimalDiv(bal, supply, 18), nil
}

// decimalDiv computes num/den as a fixed-point decimal string with
// scale fractional digits, using integer arithmetic throughout so no
// float rounding enters a balance-adjacent computation.
func decimalDiv(num, den int64, scale int) string {
	neg := (num < 0) != (den < 0)
	if num < 0 {
		num = -num
	}
	if den < 0 {
		den = -den
	}
	whole := num / den
	rem := num % den
	frac := make([]byte, scale)
	for i := 0; i < scale; i++ {
		rem *= 10
		frac[i] = byte('0' + rem/den)
		rem %= den
	}
	sign := ""
	if neg && (whole != 0 || rem != 0 || hasNonZero(frac)) {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%s", sign, whole, string(frac))
}

func hasNonZero(b []byte) bool {
	for _, c := range b {
		if c != '0' {
			return true
		}
	}
	return false
}

// SignedTransfer executes §4.6's signed_transfer in full, inside one
// atomic transaction.
func (c *Currency) SignedTransfer(ctx context.Context, from, to uuid.UUID, amount int64, nonce int64, signature []byte, reason string) error {
	if amount <= 0 {
		return kerrors.New(kerrors.InvalidOp, "transfer amount must be positive, got %d", amount)
	}

	return c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var fromPub []byte
		var fromNonce int64
		err := tx.QueryRow(ctx, `SELECT public_key, nonce FROM wallets WHERE id = $1 FOR UPDATE`, from).Scan(&fromPub, &fromNonce)
		if err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "from wallet %s not found", from)
			}
			return kerrors.Wrap(kerrors.Internal, err, "currency: lookup from wallet")
		}
		var toExists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM wallets WHERE id = $1`, to).Scan(&toExists); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "to wallet %s not found", to)
			}
			return kerrors.Wrap(kerrors.Internal, err, "currency: lookup to wallet")
		}
		if len(fromPub) == 0 {
			return kerrors.New(kerrors.InvalidKey, "from wallet %s has no stored public key", from)
		}

		if nonce != fromNonce+1 {
			return kerrors.New(kerrors.NonceMismatch, "expected nonce %d, got %d", fromNonce+1, nonce)
		}

		msg := []byte(fmt.Sprintf("transfer:%s:%s:%d:%d", from.String(), to.String(), amount, nonce))
		if !identity.Verify(ed25519.PublicKey(fromPub), msg, signature) {
			return kerrors.New(kerrors.InvalidSignature, "signed_transfer: signature does not verify")
		}

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
			reason = "transfer"
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, signature, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, from, to, amount, reason, signature, ts); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: append ledger entry")
		}
		if _, err := tx.Exec(ctx, `UPDATE wallets SET nonce = nonce + 1 WHERE id = $1`, from); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: bump nonce")
		}
		return nil
	})
}

func nextLedgerTimestampTx(ctx context.Context, tx pgx.Tx) (int64, error) {
	var ts int64
	err := tx.QueryRow(ctx, `SELECT coalesce(max(timestamp), 0) + 1 FROM ledger`).Scan(&ts)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "currency: allocate ledger timestamp")
	}
	return ts, nil
}

// MintReward looks up the reward schedule for work_type and, if
// enabled, mints the scheduled amount to the self instance wallet
// (§4.6). Returns (false, nil) without mutation when the schedule
// entry is absent or disabled — callers (parsers, swarm, MicroGPT)
// must not mint directly.
func (c *Currency) MintReward(ctx context.Context, workType string, details map[string]any) (bool, error) {
	minted := false
	err := c.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var reward int64
		var enabled bool
		err := tx.QueryRow(ctx, `SELECT reward, enabled FROM reward_schedule WHERE work_type = $1`, workType).Scan(&reward, &enabled)
		if err == pgx.ErrNoRows || (err == nil && !enabled) {
			return nil
		}
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: lookup reward schedule")
		}

		var selfWallet uuid.UUID
		if err := tx.QueryRow(ctx, `
			SELECT w.id FROM wallets w JOIN instances i ON i.id = w.instance_id
			WHERE i.is_self = true AND w.wallet_type = 'instance'
		`).Scan(&selfWallet); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: lookup self instance wallet")
		}

		ts, err := nextLedgerTimestampTx(ctx, tx)
		if err != nil {
			return err
		}
		var ledgerID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO ledger (from_wallet, to_wallet, amount, reason, timestamp)
			VALUES (NULL, $1, $2, $3, $4)
			RETURNING id
		`, selfWallet, reward, "reward:"+workType, ts).Scan(&ledgerID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: append reward ledger entry")
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reward_log (ledger_entry_id, work_type, details, retroactive)
			VALUES ($1, $2, $3, false)
		`, ledgerID, workType, jsonBytes(details)); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "currency: append reward log")
		}
		minted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if minted && c.Log != nil {
		c.Log.WithField("work_type", workType).Info("currency: minted reward")
	}
	return minted, nil
}
