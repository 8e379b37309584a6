package marketplace_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"kerai/internal/currency"
	"kerai/internal/identity"
	"kerai/internal/kerrors"
	"kerai/internal/marketplace"
	"kerai/internal/testutil"
)

func newMarketplace(t *testing.T) (*marketplace.Marketplace, *currency.Currency, uuid.UUID) {
	store := testutil.RequireStore(t)
	ctx := context.Background()
	var instanceID uuid.UUID
	err := store.Pool.QueryRow(ctx, `SELECT id FROM instances WHERE is_self = true`).Scan(&instanceID)
	require.NoError(t, err)
	return marketplace.New(store), currency.New(store, nil), instanceID
}

func newAttestation(t *testing.T, m *marketplace.Marketplace, instanceID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	att, err := m.CreateAttestation(ctx, instanceID, "root", "subtree_summary", 1, 1.0, 10, 100, 0.5, nil, nil, nil, nil, false, []byte("sig"))
	require.NoError(t, err)
	return att.ID
}

// TestDutchAuctionSettlement reproduces E3 exactly: starting 100, floor
// 10, decrement 20; a single bid at max_price=60 becomes qualifying
// after the price crosses 60, and settlement pays exactly 60.
func TestDutchAuctionSettlement(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()

	attID := newAttestation(t, m, instanceID)

	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)
	_, bidderPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	bidder, err := c.RegisterWallet(ctx, bidderPub, "human", nil)
	require.NoError(t, err)
	require.NoError(t, c.MintKoi(ctx, bidder.ID, 1000, "seed"))

	auction, err := m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, 60*time.Second, 1, 24)
	require.NoError(t, err)
	require.Equal(t, int64(100), auction.CurrentPrice)

	_, err = m.PlaceBid(ctx, auction.ID, bidder.ID, 60)
	require.NoError(t, err)

	res1, err := m.TickAuction(ctx, auction.ID)
	require.NoError(t, err)
	require.Equal(t, int64(80), res1.NewPrice)
	require.Equal(t, "price_decremented", res1.Action)

	res2, err := m.TickAuction(ctx, auction.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), res2.NewPrice)
	require.Equal(t, "settlement_ready", res2.Action)
	require.Equal(t, 1, res2.Qualifying)

	err = m.SettleAuction(ctx, auction.ID)
	require.NoError(t, err)

	// a parallel, unbid auction with the same ladder confirms the rest
	// of the decrement sequence (40, 20) independent of settlement.
	auction2, err := m.CreateAuction(ctx, newAttestation(t, m, instanceID), seller.ID, 100, 10, 20, 60*time.Second, 1, 24)
	require.NoError(t, err)
	for _, want := range []int64{80, 60, 40, 20} {
		res, err := m.TickAuction(ctx, auction2.ID)
		require.NoError(t, err)
		require.Equal(t, want, res.NewPrice)
	}

	final, err := m.Status(ctx, auction.ID)
	require.NoError(t, err)
	require.Equal(t, "settled", final.Status)
	require.NotNil(t, final.SettledPrice)
	require.Equal(t, int64(60), *final.SettledPrice)

	bidderBal, err := c.Balance(ctx, bidder.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000-60), bidderBal)

	sellerBal, err := m.Balance(ctx, seller.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), sellerBal)
}

// TestDutchAuctionFloorOpenSources reproduces E4: floor_price=0,
// starting_price=20, price_decrement=20 — the very first tick clamps
// to the floor and transitions straight to open_sourced.
func TestDutchAuctionFloorOpenSources(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()

	attID := newAttestation(t, m, instanceID)
	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)

	auction, err := m.CreateAuction(ctx, attID, seller.ID, 20, 0, 20, 60*time.Second, 1, 24)
	require.NoError(t, err)

	res, err := m.TickAuction(ctx, auction.ID)
	require.NoError(t, err)
	require.Equal(t, "open_sourced", res.Action)
	require.Equal(t, int64(0), res.NewPrice)

	final, err := m.Status(ctx, auction.ID)
	require.NoError(t, err)
	require.Equal(t, "open_sourced", final.Status)
	require.True(t, final.OpenSourced)
}

func TestCreateAuctionRejectsInvalidPriceLadder(t *testing.T) {
	m, _, instanceID := newMarketplace(t)
	ctx := context.Background()
	attID := newAttestation(t, m, instanceID)

	_, err := m.CreateAuction(ctx, attID, uuid.New(), 10, 50, 5, time.Minute, 1, 1)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.InvalidOp))
}

func TestCreateAuctionRejectsDuplicateActiveAuction(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()
	attID := newAttestation(t, m, instanceID)
	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)

	_, err = m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, time.Minute, 1, 24)
	require.NoError(t, err)

	_, err = m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, time.Minute, 1, 24)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))
}

func TestSettleAuctionFailsBelowMinBidders(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()
	attID := newAttestation(t, m, instanceID)
	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)

	auction, err := m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, time.Minute, 2, 24)
	require.NoError(t, err)

	err = m.SettleAuction(ctx, auction.ID)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))
}

func TestOpenSourceAuctionRequiresSettled(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()
	attID := newAttestation(t, m, instanceID)
	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)

	auction, err := m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, time.Minute, 1, 24)
	require.NoError(t, err)

	err = m.OpenSourceAuction(ctx, auction.ID)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))
}

func TestMarketStatsAggregates(t *testing.T) {
	m, c, instanceID := newMarketplace(t)
	ctx := context.Background()
	attID := newAttestation(t, m, instanceID)
	_, sellerPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	seller, err := c.RegisterWallet(ctx, sellerPub, "human", nil)
	require.NoError(t, err)

	_, err = m.CreateAuction(ctx, attID, seller.ID, 100, 10, 20, time.Minute, 1, 24)
	require.NoError(t, err)

	stats, err := m.MarketStats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.TotalAuctions, 1)
	require.GreaterOrEqual(t, stats.ActiveAuctions, 1)
}
