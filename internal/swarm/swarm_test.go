package swarm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"kerai/internal/currency"
	"kerai/internal/identity"
	"kerai/internal/kerrors"
	"kerai/internal/swarm"
	"kerai/internal/testutil"
)

func newSwarm(t *testing.T) (*swarm.Swarm, *currency.Currency) {
	store := testutil.RequireStore(t)
	return swarm.New(store), currency.New(store, nil)
}

func TestCreateTaskAndLaunchSwarm(t *testing.T) {
	s, _ := newSwarm(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "parse the repo", nil, "go build ./...", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "pending", task.Status)

	swarmID, err := s.LaunchSwarm(ctx, task.ID, 3, "coder", nil)
	require.NoError(t, err)
	require.NotEqual(t, task.ID, swarmID)

	status, err := s.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "running", status.Status)
	require.NotNil(t, status.SwarmID)
	require.Equal(t, swarmID, *status.SwarmID)
}

func TestLaunchSwarmRejectsNonPendingTask(t *testing.T) {
	s, _ := newSwarm(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "task", nil, "cmd", nil, nil)
	require.NoError(t, err)
	_, err = s.LaunchSwarm(ctx, task.ID, 1, "coder", nil)
	require.NoError(t, err)

	_, err = s.LaunchSwarm(ctx, task.ID, 1, "coder", nil)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))
}

func TestStopSwarmRequiresRunning(t *testing.T) {
	s, _ := newSwarm(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "task", nil, "cmd", nil, nil)
	require.NoError(t, err)

	err = s.StopSwarm(ctx, task.ID)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))

	_, err = s.LaunchSwarm(ctx, task.ID, 1, "coder", nil)
	require.NoError(t, err)
	require.NoError(t, s.StopSwarm(ctx, task.ID))
}

// TestBountyLifecycle exercises the full open -> claimed -> paid state
// machine, including the balance predicate on settlement.
func TestBountyLifecycle(t *testing.T) {
	s, c := newSwarm(t)
	ctx := context.Background()

	_, funderPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	funder, err := c.RegisterWallet(ctx, funderPub, "human", nil)
	require.NoError(t, err)
	_, claimantPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	claimant, err := c.RegisterWallet(ctx, claimantPub, "human", nil)
	require.NoError(t, err)

	bounty, err := s.CreateBounty(ctx, nil, "fix the parser", 50, funder.ID)
	require.NoError(t, err)
	require.Equal(t, "open", bounty.Status)

	err = s.SettleBounty(ctx, bounty.ID)
	require.Error(t, err, "cannot settle before claiming")
	require.True(t, kerrors.Is(err, kerrors.StateConflict))

	require.NoError(t, s.ClaimBounty(ctx, bounty.ID, claimant.ID))

	err = s.SettleBounty(ctx, bounty.ID)
	require.Error(t, err, "funder has no funds yet")
	require.True(t, kerrors.Is(err, kerrors.InsufficientBalance))

	require.NoError(t, c.MintKoi(ctx, funder.ID, 100, "seed"))
	require.NoError(t, s.SettleBounty(ctx, bounty.ID))

	final, err := s.GetBounty(ctx, bounty.ID)
	require.NoError(t, err)
	require.Equal(t, "paid", final.Status)

	claimantBal, err := c.Balance(ctx, claimant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), claimantBal)
}

func TestClaimBountyRejectsNonOpen(t *testing.T) {
	s, c := newSwarm(t)
	ctx := context.Background()

	_, funderPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	funder, err := c.RegisterWallet(ctx, funderPub, "human", nil)
	require.NoError(t, err)
	_, claimantPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	claimant, err := c.RegisterWallet(ctx, claimantPub, "human", nil)
	require.NoError(t, err)

	bounty, err := s.CreateBounty(ctx, nil, "task", 10, funder.ID)
	require.NoError(t, err)
	require.NoError(t, s.ClaimBounty(ctx, bounty.ID, claimant.ID))

	err = s.ClaimBounty(ctx, bounty.ID, claimant.ID)
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.StateConflict))
}

func TestListBountiesFiltersByStatus(t *testing.T) {
	s, c := newSwarm(t)
	ctx := context.Background()

	_, funderPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	funder, err := c.RegisterWallet(ctx, funderPub, "human", nil)
	require.NoError(t, err)

	_, err = s.CreateBounty(ctx, nil, "open one", 10, funder.ID)
	require.NoError(t, err)

	open, err := s.ListBounties(ctx, "open")
	require.NoError(t, err)
	require.NotEmpty(t, open)
	for _, b := range open {
		require.Equal(t, "open", b.Status)
	}
}

func TestLeaderboardAndProgress(t *testing.T) {
	s, _ := newSwarm(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "task", nil, "cmd", nil, nil)
	require.NoError(t, err)
	swarmID, err := s.LaunchSwarm(ctx, task.ID, 1, "coder", nil)
	require.NoError(t, err)

	_, err = s.RecordTestResult(ctx, task.ID, swarmID, map[string]int64{"fp1": 3}, true, nil, nil, nil)
	require.NoError(t, err)
	_, err = s.RecordTestResult(ctx, task.ID, swarmID, map[string]int64{"fp1": 4}, false, nil, nil, nil)
	require.NoError(t, err)

	progress, err := s.Progress(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 2, progress.Total)
	require.Equal(t, 1, progress.Passed)
	require.Equal(t, 1, progress.Failed)

	board, err := s.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, board)
}
