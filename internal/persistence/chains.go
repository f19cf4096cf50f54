package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

var ErrChainNotFound = errors.New("chain not found")

type ChainStatus string

const (
	ChainStatusRunning   ChainStatus = "RUNNING"
	ChainStatusCompleted ChainStatus = "COMPLETED"
	// ChainStatusFailed marks a chain that ran to the end with at least one
	// failed step.
	ChainStatusFailed ChainStatus = "FAILED"
	// ChainStatusHalted marks a chain stopped early by a failed step.
	ChainStatusHalted ChainStatus = "HALTED"
)

// ChainRun is the persisted header of one chain execution.
type ChainRun struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Channel       string           `json:"channel"`
	HaltOnFailure bool             `json:"halt_on_failure"`
	TotalSteps    int              `json:"total_steps"`
	Status        ChainStatus      `json:"status"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Steps         []ChainStepEntry `json:"steps"`
}

// ChainStepEntry links a chain step to the task that executed it. TaskID is
// empty when submission was rejected; Error then holds the reason.
type ChainStepEntry struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	TaskID string     `json:"task_id,omitempty"`
	Error  *TaskError `json:"error,omitempty"`
}

// CreateChainRun inserts a RUNNING chain header.
func (s *Store) CreateChainRun(ctx context.Context, run ChainRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chain_runs (id, name, channel, halt_on_failure, total_steps, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.Name, run.Channel, boolToInt(run.HaltOnFailure), run.TotalSteps, ChainStatusRunning, run.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chain run: %w", err)
		}
		return nil
	})
}

// AddChainStep records that step index of chainID ran as taskID. A retried
// step replaces the earlier attempt.
func (s *Store) AddChainStep(ctx context.Context, chainID string, step ChainStepEntry) error {
	var (
		class bus.ErrorClass
		msg   string
	)
	if step.Error != nil {
		class, msg = step.Error.Class, step.Error.Message
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chain_steps (chain_id, step_index, kind, task_id, error_class, error) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chain_id, step_index) DO UPDATE SET
				kind = excluded.kind, task_id = excluded.task_id,
				error_class = excluded.error_class, error = excluded.error;
		`, chainID, step.Index, step.Kind, nullIfEmpty(step.TaskID), nullIfEmpty(string(class)), nullIfEmpty(msg))
		if err != nil {
			return fmt.Errorf("insert chain step: %w", err)
		}
		return nil
	})
}

// FinishChainRun sets a chain's final status.
func (s *Store) FinishChainRun(ctx context.Context, chainID string, status ChainStatus, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE chain_runs
			SET status = ?, error = NULLIF(?, ''), completed_at = ?
			WHERE id = ? AND status = ?;
		`, status, errMsg, time.Now().UTC(), chainID, ChainStatusRunning)
		if err != nil {
			return fmt.Errorf("finish chain run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s (or already finished)", ErrChainNotFound, chainID)
		}
		return nil
	})
}

// GetChainRun returns a chain header with its recorded steps in order.
func (s *Store) GetChainRun(ctx context.Context, chainID string) (*ChainRun, error) {
	var (
		run       ChainRun
		halt      int
		errMsg    sql.NullString
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel, halt_on_failure, total_steps, status, error, created_at, completed_at
		FROM chain_runs WHERE id = ?;
	`, chainID).Scan(&run.ID, &run.Name, &run.Channel, &halt, &run.TotalSteps, &run.Status, &errMsg, &run.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	if err != nil {
		return nil, fmt.Errorf("get chain run: %w", err)
	}
	run.HaltOnFailure = halt != 0
	run.Error = errMsg.String
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_index, kind, task_id, error_class, error FROM chain_steps
		WHERE chain_id = ? ORDER BY step_index ASC;
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st                 ChainStepEntry
			taskID, class, msg sql.NullString
		)
		if err := rows.Scan(&st.Index, &st.Kind, &taskID, &class, &msg); err != nil {
			return nil, fmt.Errorf("scan chain step: %w", err)
		}
		st.TaskID = taskID.String
		if msg.Valid {
			st.Error = &TaskError{Class: bus.ErrorClass(class.String), Message: msg.String}
		}
		run.Steps = append(run.Steps, st)
	}
	return &run, rows.Err()
}

// AbandonRunningChains marks chains left RUNNING by a previous process as
// halted.
func (s *Store) AbandonRunningChains(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chain_runs SET status = ?, error = 'abandoned at startup', completed_at = ?
		WHERE status = ?;
	`, ChainStatusHalted, time.Now().UTC(), ChainStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("abandon running chains: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
