// Package marketplace implements C7: the Dutch-auction engine over
// attestations — create/tick/settle/open_source plus read-only
// observability aggregates.
package marketplace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

type Marketplace struct {
	Store *kstore.Store
}

func New(store *kstore.Store) *Marketplace { return &Marketplace{Store: store} }

type Auction struct {
	ID                uuid.UUID
	AttestationID     uuid.UUID
	SellerWallet      uuid.UUID
	StartingPrice     int64
	FloorPrice        int64
	CurrentPrice      int64
	PriceDecrement    int64
	DecrementInterval time.Duration
	MinBidders        int
	OpenDelayHours    int
	Status            string
	SettledPrice      *int64
	OpenSourced       bool
}

func scanAuction(row pgx.Row) (Auction, error) {
	var a Auction
	err := row.Scan(&a.ID, &a.AttestationID, &a.SellerWallet, &a.StartingPrice, &a.FloorPrice, &a.CurrentPrice,
		&a.PriceDecrement, &a.DecrementInterval, &a.MinBidders, &a.OpenDelayHours, &a.Status, &a.SettledPrice, &a.OpenSourced)
	return a, err
}

const auctionColumns = `id, attestation_id, seller_wallet, starting_price, floor_price, current_price,
	price_decrement, decrement_interval, min_bidders, open_delay_hours, status, settled_price, open_sourced`

// CreateAuction validates the price ladder and that the attestation has
// no other active auction (§4.7).
func (m *Marketplace) CreateAuction(ctx context.Context, attestationID, sellerWallet uuid.UUID, startingPrice, floorPrice, priceDecrement int64, decrementInterval time.Duration, minBidders, openDelayHours int) (Auction, error) {
	if !(startingPrice > floorPrice && floorPrice >= 0) {
		return Auction{}, kerrors.New(kerrors.InvalidOp, "starting_price must exceed floor_price >= 0")
	}
	if priceDecrement <= 0 {
		return Auction{}, kerrors.New(kerrors.InvalidOp, "price_decrement must be positive")
	}
	if decrementInterval <= 0 {
		return Auction{}, kerrors.New(kerrors.InvalidOp, "decrement_interval must be positive")
	}

	var a Auction
	err := m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx, `SELECT true FROM auctions WHERE attestation_id = $1 AND status = 'active'`, attestationID).Scan(&active)
		if err == nil && active {
			return kerrors.New(kerrors.StateConflict, "attestation %s already has an active auction", attestationID)
		}
		if err != nil && err != pgx.ErrNoRows {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: check existing auction")
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO auctions (attestation_id, seller_wallet, starting_price, floor_price, current_price,
				price_decrement, decrement_interval, min_bidders, open_delay_hours, status)
			VALUES ($1, $2, $3, $4, $3, $5, $6, $7, $8, 'active')
			RETURNING `+auctionColumns,
			attestationID, sellerWallet, startingPrice, floorPrice, priceDecrement, decrementInterval, minBidders, openDelayHours)
		created, scanErr := scanAuction(row)
		if scanErr != nil {
			return kerrors.Wrap(kerrors.Internal, scanErr, "marketplace: CreateAuction")
		}
		a = created
		return nil
	})
	return a, err
}

// PlaceBid inserts a bid; bids are never removed by a price tick.
func (m *Marketplace) PlaceBid(ctx context.Context, auctionID, bidderWallet uuid.UUID, maxPrice int64) (uuid.UUID, error) {
	if maxPrice <= 0 {
		return uuid.Nil, kerrors.New(kerrors.InvalidOp, "max_price must be positive")
	}
	var id uuid.UUID
	err := m.Store.Pool.QueryRow(ctx, `
		INSERT INTO bids (auction_id, bidder_wallet, max_price) VALUES ($1, $2, $3) RETURNING id
	`, auctionID, bidderWallet, maxPrice).Scan(&id)
	if err != nil {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "marketplace: PlaceBid")
	}
	return id, nil
}

// TickResult is the event TickAuction emits (§4.7).
type TickResult struct {
	Action       string // price_decremented | settlement_ready | open_sourced
	NewPrice     int64
	Qualifying   int
}

// TickAuction advances the Dutch-auction clock by one decrement.
func (m *Marketplace) TickAuction(ctx context.Context, auctionID uuid.UUID) (TickResult, error) {
	var result TickResult
	err := m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
		a, err := scanAuction(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "auction %s not found", auctionID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: TickAuction lookup")
		}
		if a.Status != "active" {
			return kerrors.New(kerrors.StateConflict, "auction %s is not active", auctionID)
		}

		newPrice := a.CurrentPrice - a.PriceDecrement
		if newPrice < a.FloorPrice {
			newPrice = a.FloorPrice
		}

		if newPrice <= a.FloorPrice {
			if _, err := tx.Exec(ctx, `UPDATE auctions SET current_price = $1, status = 'open_sourced', open_sourced = true, open_sourced_at = now() WHERE id = $2`, newPrice, auctionID); err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "marketplace: transition open_sourced")
			}
			result = TickResult{Action: "open_sourced", NewPrice: newPrice}
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE auctions SET current_price = $1 WHERE id = $2`, newPrice, auctionID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: update current_price")
		}

		var qualifying int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM bids WHERE auction_id = $1 AND max_price >= $2`, auctionID, newPrice).Scan(&qualifying); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: count qualifying bids")
		}

		if qualifying >= a.MinBidders {
			result = TickResult{Action: "settlement_ready", NewPrice: newPrice, Qualifying: qualifying}
		} else {
			result = TickResult{Action: "price_decremented", NewPrice: newPrice, Qualifying: qualifying}
		}
		return nil
	})
	return result, err
}

// SettleAuction requires status active and count(qualifying) >=
// min_bidders, then pays every qualifying bidder at current_price with
// strictly increasing ledger timestamps.
func (m *Marketplace) SettleAuction(ctx context.Context, auctionID uuid.UUID) error {
	return m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
		a, err := scanAuction(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "auction %s not found", auctionID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: SettleAuction lookup")
		}
		if a.Status != "active" {
			return kerrors.New(kerrors.StateConflict, "auction %s is not active", auctionID)
		}

		rows, err := tx.Query(ctx, `SELECT DISTINCT bidder_wallet FROM bids WHERE auction_id = $1 AND max_price >= $2`, auctionID, a.CurrentPrice)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: enumerate qualifying bidders")
		}
		var bidders []uuid.UUID
		for rows.Next() {
			var b uuid.UUID
			if err := rows.Scan(&b); err != nil {
				rows.Close()
				return kerrors.Wrap(kerrors.Internal, err, "marketplace: scan bidder")
			}
			bidders = append(bidders, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(bidders) < a.MinBidders {
			return kerrors.New(kerrors.StateConflict, "only %d qualifying bidders, need %d", len(bidders), a.MinBidders)
		}

		for _, bidder := range bidders {
			var ts int64
			if err := tx.QueryRow(ctx, `SELECT coalesce(max(timestamp), 0) + 1 FROM ledger`).Scan(&ts); err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "marketplace: allocate ledger timestamp")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ledger (from_wallet, to_wallet, amount, reason, reference_id, reference_type, timestamp)
				VALUES ($1, $2, $3, 'auction_settlement', $4, 'auction', $5)
			`, bidder, a.SellerWallet, a.CurrentPrice, auctionID, ts); err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "marketplace: append settlement ledger entry")
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE auctions SET status = 'settled', settled_price = $1 WHERE id = $2`, a.CurrentPrice, auctionID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: finalize settlement")
		}
		return nil
	})
}

// OpenSourceAuction is admissible from settled (or already
// open_sourced, idempotently).
func (m *Marketplace) OpenSourceAuction(ctx context.Context, auctionID uuid.UUID) error {
	return m.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		var openSourced bool
		if err := tx.QueryRow(ctx, `SELECT status, open_sourced FROM auctions WHERE id = $1 FOR UPDATE`, auctionID).Scan(&status, &openSourced); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "auction %s not found", auctionID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: OpenSourceAuction lookup")
		}
		if openSourced {
			return nil
		}
		if status != "settled" {
			return kerrors.New(kerrors.StateConflict, "auction %s is not settled", auctionID)
		}
		_, err := tx.Exec(ctx, `UPDATE auctions SET open_sourced = true, open_sourced_at = now(), status = 'open_sourced' WHERE id = $1`, auctionID)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marketplace: OpenSourceAuction")
		}
		return nil
	})
}
