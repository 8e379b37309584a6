package swarm

import (
	"context"

	"github.com/google/uuid"

	"kerai/internal/kerrors"
)

// LeaderboardEntry ranks agents by pass rate over test_results.
type LeaderboardEntry struct {
	AgentID   uuid.UUID
	AgentName string
	Passed    int
	Total     int
	PassRate  float64
}

func (s *Swarm) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Store.Pool.Query(ctx, `
		SELECT a.id, a.name,
		       count(*) FILTER (WHERE tr.passed) AS passed,
		       count(*) AS total
		FROM test_results tr
		JOIN agents a ON a.id = tr.agent_id
		GROUP BY a.id, a.name
		ORDER BY passed DESC, total DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "swarm: Leaderboard")
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.AgentID, &e.AgentName, &e.Passed, &e.Total); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "swarm: scan leaderboard entry")
		}
		if e.Total > 0 {
			e.PassRate = float64(e.Passed) / float64(e.Total)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Progress summarizes test results for a single task.
type Progress struct {
	TaskID    uuid.UUID
	Total     int
	Passed    int
	Failed    int
	LatestRun *int
}

func (s *Swarm) Progress(ctx context.Context, taskID uuid.UUID) (Progress, error) {
	p := Progress{TaskID: taskID}
	err := s.Store.Pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE passed), count(*) FILTER (WHERE NOT passed)
		FROM test_results WHERE task_id = $1
	`, taskID).Scan(&p.Total, &p.Passed, &p.Failed)
	if err != nil {
		return p, kerrors.Wrap(kerrors.Internal, err, "swarm: Progress")
	}
	return p, nil
}

// Status returns a task's current row.
func (s *Swarm) Status(ctx context.Context, taskID uuid.UUID) (Task, error) {
	row := s.Store.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return Task{}, kerrors.Wrap(kerrors.Internal, err, "swarm: Status")
	}
	return t, nil
}
