package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskResult is present only on COMPLETED tasks.
type TaskResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text"`
}

// TaskError is present only on FAILED and CANCELLED tasks.
type TaskError struct {
	Class   bus.ErrorClass `json:"class"`
	Message string         `json:"message"`
}

func (e *TaskError) Error() string {
	return string(e.Class) + ": " + e.Message
}

type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Channel     string          `json:"channel"`
	ChainID     string          `json:"chain_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input"`
	Result      *TaskResult     `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskTransition is one row of a task's status history.
type TaskTransition struct {
	ID        int64      `json:"id"`
	TaskID    string     `json:"task_id"`
	From      TaskStatus `json:"from,omitempty"`
	To        TaskStatus `json:"to"`
	Reason    string     `json:"reason"`
	TraceID   string     `json:"trace_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewTask describes a task to create in PENDING.
type NewTask struct {
	ID      string // generated when empty
	Kind    string
	Channel string // defaults to task:<id>
	ChainID string
	Input   json.RawMessage
}

const taskColumns = `id, kind, channel, COALESCE(chain_id, ''), status, input_json,
	result_json, error_class, error_message, created_at, started_at, completed_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		input                  string
		result, class, message sql.NullString
		started, completed     sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.Kind,
		&task.Channel,
		&task.ChainID,
		&task.Status,
		&input,
		&result,
		&class,
		&message,
		&task.CreatedAt,
		&started,
		&completed,
	); err != nil {
		return err
	}
	task.Input = json.RawMessage(input)
	if result.Valid {
		var r TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &r
	}
	if class.Valid {
		task.Error = &TaskError{Class: bus.ErrorClass(class.String), Message: message.String}
	}
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return nil
}

// CreateTask inserts a PENDING task and its initial transition.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if nt.Kind == "" {
		return nil, fmt.Errorf("create task: kind is required")
	}
	if nt.ID == "" {
		nt.ID = uuid.NewString()
	}
	if nt.Channel == "" {
		nt.Channel = "task:" + nt.ID
	}
	if len(nt.Input) == 0 {
		nt.Input = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, kind, channel, chain_id, status, input_json, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, nt.ID, nt.Kind, nt.Channel, nt.ChainID, TaskStatusPending, string(nt.Input), now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTransitionTx(ctx, tx, nt.ID, "", TaskStatusPending, "submitted", now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:        nt.ID,
		Kind:      nt.Kind,
		Channel:   nt.Channel,
		ChainID:   nt.ChainID,
		Status:    TaskStatusPending,
		Input:     nt.Input,
		CreatedAt: now,
	}, nil
}

func (s *Store) appendTransitionTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason, trace_id, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?);
	`, taskID, string(from), string(to), reason, shared.TraceID(ctx), at)
	if err != nil {
		return fmt.Errorf("insert task_transition: %w", err)
	}
	return nil
}

type transition struct {
	allowedFrom []TaskStatus
	to          TaskStatus
	reason      string
	result      *TaskResult
	taskErr     *TaskError
}

// transitionTask moves a task along the state machine. The UPDATE is
// conditional on the status read in the same transaction, so of two racing
// transitions exactly one wins and the other gets ErrInvalidTransition.
func (s *Store) transitionTask(ctx context.Context, taskID string, tr transition) (TaskStatus, error) {
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !slices.Contains(tr.allowedFrom, from) || !canTransition(from, tr.to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, tr.to)
		}

		now := time.Now().UTC()
		var resultJSON sql.NullString
		if tr.result != nil {
			b, err := json.Marshal(tr.result)
			if err != nil {
				return fmt.Errorf("encode task result: %w", err)
			}
			resultJSON = sql.NullString{String: string(b), Valid: true}
		}
		var class, message sql.NullString
		if tr.taskErr != nil {
			class = sql.NullString{String: string(tr.taskErr.Class), Valid: true}
			message = sql.NullString{String: tr.taskErr.Message, Valid: true}
		}
		started := sql.NullTime{}
		if tr.to == TaskStatusRunning {
			started = sql.NullTime{Time: now, Valid: true}
		}
		completed := sql.NullTime{}
		if tr.to.Terminal() {
			completed = sql.NullTime{Time: now, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result_json = COALESCE(?, result_json),
				error_class = COALESCE(?, error_class),
				error_message = COALESCE(?, error_message),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status = ?;
		`, tr.to, resultJSON, class, message, started, completed, taskID, from)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, taskID)
		}
		if err := s.appendTransitionTx(ctx, tx, taskID, from, tr.to, tr.reason, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	return from, err
}

// StartTask moves a PENDING task to RUNNING.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	_, err := s.transitionTask(ctx, taskID, transition{
		allowedFrom: []TaskStatus{TaskStatusPending},
		to:          TaskStatusRunning,
		reason:      "started",
	})
	return err
}

// CompleteTask moves a RUNNING task to COMPLETED with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result TaskResult) error {
	_, err := s.transitionTask(ctx, taskID, transition{
		allowedFrom: []TaskStatus{TaskStatusRunning},
		to:          TaskStatusCompleted,
		reason:      "succeeded",
		result:      &result,
	})
	return err
}

// FailTask moves a RUNNING task to FAILED with a classified error.
func (s *Store) FailTask(ctx context.Context, taskID string, taskErr TaskError) error {
	_, err := s.transitionTask(ctx, taskID, transition{
		allowedFrom: []TaskStatus{TaskStatusRunning},
		to:          TaskStatusFailed,
		reason:      "failed",
		taskErr:     &taskErr,
	})
	return err
}

// CancelTask moves a PENDING or RUNNING task to CANCELLED and returns the
// status it left.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (TaskStatus, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.transitionTask(ctx, taskID, transition{
		allowedFrom: []TaskStatus{TaskStatusPending, TaskStatusRunning},
		to:          TaskStatusCancelled,
		reason:      reason,
		taskErr:     &TaskError{Class: bus.ClassCancelled, Message: reason},
	})
}

// AbandonInFlightTasks cancels tasks left PENDING or RUNNING by a previous
// process. Their generation streams died with that process.
func (s *Store) AbandonInFlightTasks(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (?, ?);`, TaskStatusPending, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query in-flight tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan in-flight task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate in-flight tasks: %w", err)
	}

	var n int64
	for _, id := range ids {
		if _, err := s.CancelTask(ctx, id, "abandoned at startup"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// GetTask returns the task with the given id or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status  TaskStatus
	Kind    string
	ChainID string
	Limit   int
	Offset  int
}

// ListTasks returns a page of tasks, newest first, and the total match count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?;`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListTransitions returns a task's status history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string) ([]TaskTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, COALESCE(from_status, ''), to_status, reason, trace_id, created_at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TaskTransition
	for rows.Next() {
		var tr TaskTransition
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.From, &tr.To, &tr.Reason, &tr.TraceID, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// KindCounts returns the number of tasks per kind.
func (s *Store) KindCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM tasks GROUP BY kind;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by kind: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		out[k] = n
	}
	return out, rows.Err()
}
