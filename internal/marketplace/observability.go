package marketplace

import (
	"context"

	"github.com/google/uuid"

	"kerai/internal/kerrors"
)

// Browse returns all auctions matching an optional status filter.
func (m *Marketplace) Browse(ctx context.Context, status string) ([]Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY current_price`

	rows, err := m.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "marketplace: Browse")
	}
	defer rows.Close()
	var out []Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "marketplace: scan auction")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Status returns a single auction's state.
func (m *Marketplace) Status(ctx context.Context, auctionID uuid.UUID) (Auction, error) {
	row := m.Store.Pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, auctionID)
	a, err := scanAuction(row)
	if err != nil {
		return Auction{}, kerrors.Wrap(kerrors.Internal, err, "marketplace: Status")
	}
	return a, nil
}

// Commons returns every auction that has been open-sourced.
func (m *Marketplace) Commons(ctx context.Context) ([]Auction, error) {
	return m.Browse(ctx, "open_sourced")
}

// Stats aggregates marketplace-wide counters.
type Stats struct {
	TotalAuctions    int
	ActiveAuctions   int
	SettledAuctions  int
	OpenSourcedCount int
	TotalVolume      int64
}

func (m *Marketplace) MarketStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.Store.Pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'active'),
		       count(*) FILTER (WHERE status = 'settled'),
		       count(*) FILTER (WHERE open_sourced = true),
		       coalesce(sum(settled_price) FILTER (WHERE status = 'settled'), 0)
		FROM auctions
	`).Scan(&s.TotalAuctions, &s.ActiveAuctions, &s.SettledAuctions, &s.OpenSourcedCount, &s.TotalVolume)
	if err != nil {
		return Stats{}, kerrors.Wrap(kerrors.Internal, err, "marketplace: MarketStats")
	}
	return s, nil
}

// Balance sums settlement payouts received by a seller wallet.
func (m *Marketplace) Balance(ctx context.Context, sellerWallet uuid.UUID) (int64, error) {
	var total int64
	err := m.Store.Pool.QueryRow(ctx, `
		SELECT coalesce(sum(amount), 0) FROM ledger
		WHERE to_wallet = $1 AND reason = 'auction_settlement'
	`, sellerWallet).Scan(&total)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "marketplace: Balance")
	}
	return total, nil
}
