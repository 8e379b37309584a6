// Package swarm implements C8: tasks, swarm agent orchestration, test
// result recording, and the bounty lifecycle.
package swarm

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

type Swarm struct {
	Store *kstore.Store
}

func New(store *kstore.Store) *Swarm { return &Swarm{Store: store} }

type Task struct {
	ID             uuid.UUID
	Description    string
	ScopeNodeID    *uuid.UUID
	SuccessCommand string
	BudgetOps      *int
	BudgetSeconds  *int
	Status         string
	AgentKind      *string
	AgentModel     *string
	AgentCount     *int
	SwarmID        *uuid.UUID
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Description, &t.ScopeNodeID, &t.SuccessCommand, &t.BudgetOps, &t.BudgetSeconds,
		&t.Status, &t.AgentKind, &t.AgentModel, &t.AgentCount, &t.SwarmID)
	return t, err
}

const taskColumns = `id, description, scope_node_id, success_command, budget_ops, budget_seconds,
	status, agent_kind, agent_model, agent_count, swarm_id`

// CreateTask inserts a pending task.
func (s *Swarm) CreateTask(ctx context.Context, description string, scopeNodeID *uuid.UUID, successCommand string, budgetOps, budgetSeconds *int) (Task, error) {
	if description == "" || successCommand == "" {
		return Task{}, kerrors.New(kerrors.InvalidOp, "task requires description and success_command")
	}
	row := s.Store.Pool.QueryRow(ctx, `
		INSERT INTO tasks (description, scope_node_id, success_command, budget_ops, budget_seconds, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING `+taskColumns, description, scopeNodeID, successCommand, budgetOps, budgetSeconds)
	return scanTask(row)
}

// LaunchSwarm creates a swarm agent with deterministic name
// "swarm-<task_prefix>" and transitions the task pending -> running.
func (s *Swarm) LaunchSwarm(ctx context.Context, taskID uuid.UUID, agentCount int, kind string, model *string) (uuid.UUID, error) {
	if agentCount <= 0 {
		return uuid.Nil, kerrors.New(kerrors.InvalidOp, "agent_count must be positive")
	}

	var swarmID uuid.UUID
	err := s.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "task %s not found", taskID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "swarm: lookup task")
		}
		if status != "pending" {
			return kerrors.New(kerrors.StateConflict, "task %s is not pending", taskID)
		}

		name := "swarm-" + taskID.String()[:8]
		if err := tx.QueryRow(ctx, `
			INSERT INTO agents (name, kind, model, config)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, name, kind, model, []byte(`{}`)).Scan(&swarmID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: create swarm agent")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'running', agent_kind = $1, agent_model = $2, agent_count = $3, swarm_id = $4, updated_at = now()
			WHERE id = $5
		`, kind, model, agentCount, swarmID, taskID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: transition task running")
		}
		return nil
	})
	return swarmID, err
}

// StopSwarm requires running -> stopped.
func (s *Swarm) StopSwarm(ctx context.Context, taskID uuid.UUID) error {
	return s.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status); err != nil {
			if err == pgx.ErrNoRows {
				return kerrors.New(kerrors.NotFound, "task %s not found", taskID)
			}
			return kerrors.Wrap(kerrors.Internal, err, "swarm: lookup task")
		}
		if status != "running" {
			return kerrors.New(kerrors.StateConflict, "task %s is not running", taskID)
		}
		_, err := tx.Exec(ctx, `UPDATE tasks SET status = 'stopped', updated_at = now() WHERE id = $1`, taskID)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "swarm: StopSwarm")
		}
		return nil
	})
}

// RecordTestResult stamps a result with the current version vector
// snapshot so later sync can correlate it to a graph state.
func (s *Swarm) RecordTestResult(ctx context.Context, taskID, agentID uuid.UUID, versionVector map[string]int64, passed bool, output *string, durationMs, opsCount *int) (uuid.UUID, error) {
	vvBytes, _ := marshalVV(versionVector)
	var id uuid.UUID
	err := s.Store.Pool.QueryRow(ctx, `
		INSERT INTO test_results (task_id, agent_id, version_vector, passed, output, duration_ms, ops_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, taskID, agentID, vvBytes, passed, output, durationMs, opsCount).Scan(&id)
	if err != nil {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "swarm: RecordTestResult")
	}
	return id, nil
}

func marshalVV(vv map[string]int64) ([]byte, error) {
	if vv == nil {
		vv = map[string]int64{}
	}
	return jsonMarshal(vv)
}
