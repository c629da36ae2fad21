package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskwatch/project/internal/contracts"
)

var ErrTaskNotFound = errors.New("task not found")

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  task_id text PRIMARY KEY,
  owner_user_id text NOT NULL,
  title text NOT NULL,
  status text NOT NULL DEFAULT 'open',
  due_at timestamptz,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  deleted_at timestamptz
)`

const createTasksOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_owner_idx ON tasks (owner_user_id) WHERE deleted_at IS NULL`

const insertTaskSQL = `
INSERT INTO tasks (task_id, owner_user_id, title, status, due_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`

const selectTaskSQL = `
SELECT task_id, owner_user_id, title, status, due_at, updated_at
FROM tasks
WHERE task_id = $1 AND deleted_at IS NULL
`

const updateTaskSQL = `
UPDATE tasks
SET title = $2, status = $3, due_at = $4, updated_at = $5
WHERE task_id = $1 AND deleted_at IS NULL
`

const deleteTaskSQL = `
UPDATE tasks
SET updated_at = $2, deleted_at = $2
WHERE task_id = $1 AND deleted_at IS NULL
`

// snapshotAllSQL is the scanner's single consistent read: one statement,
// one result set, so a tick never mixes task states from different moments.
const snapshotAllSQL = `
SELECT t.task_id, t.owner_user_id, t.title, t.status, t.due_at, t.updated_at, u.email
FROM tasks t
JOIN users u ON u.user_id = t.owner_user_id
WHERE t.deleted_at IS NULL
ORDER BY t.owner_user_id, t.task_id
`

const listOwnerTasksSQL = `
SELECT task_id, owner_user_id, title, status, due_at, updated_at
FROM tasks
WHERE owner_user_id = $1 AND deleted_at IS NULL
ORDER BY updated_at DESC
LIMIT $2
`

// OwnedSnapshot pairs a task snapshot with the owner's digest address.
type OwnedSnapshot struct {
	contracts.TaskSnapshot
	OwnerEmail string
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createTasksTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createTasksOwnerIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *Repository) Insert(ctx context.Context, snapshot contracts.TaskSnapshot, createdAt time.Time) error {
	_, err := r.Pool.Exec(ctx, insertTaskSQL,
		snapshot.TaskID,
		snapshot.OwnerUserID,
		snapshot.Title,
		snapshot.Status,
		snapshot.DueAt,
		createdAt,
	)
	return err
}

func (r *Repository) GetByID(ctx context.Context, taskID string) (contracts.TaskSnapshot, error) {
	row := r.Pool.QueryRow(ctx, selectTaskSQL, strings.TrimSpace(taskID))
	var snapshot contracts.TaskSnapshot
	err := row.Scan(
		&snapshot.TaskID,
		&snapshot.OwnerUserID,
		&snapshot.Title,
		&snapshot.Status,
		&snapshot.DueAt,
		&snapshot.LastModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return contracts.TaskSnapshot{}, ErrTaskNotFound
	}
	if err != nil {
		return contracts.TaskSnapshot{}, err
	}
	return snapshot, nil
}

func (r *Repository) Update(ctx context.Context, snapshot contracts.TaskSnapshot) error {
	tag, err := r.Pool.Exec(ctx, updateTaskSQL,
		snapshot.TaskID,
		snapshot.Title,
		snapshot.Status,
		snapshot.DueAt,
		snapshot.LastModified,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, taskID string, deletedAt time.Time) error {
	tag, err := r.Pool.Exec(ctx, deleteTaskSQL, strings.TrimSpace(taskID), deletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SnapshotAll returns every live task with its owner's email, captured in
// one statement. Used only by the scanner.
func (r *Repository) SnapshotAll(ctx context.Context) ([]OwnedSnapshot, error) {
	rows, err := r.Pool.Query(ctx, snapshotAllSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []OwnedSnapshot
	for rows.Next() {
		var s OwnedSnapshot
		if err := rows.Scan(
			&s.TaskID,
			&s.OwnerUserID,
			&s.Title,
			&s.Status,
			&s.DueAt,
			&s.LastModified,
			&s.OwnerEmail,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (r *Repository) ListOwnerTasks(ctx context.Context, ownerUserID string, limit int) ([]contracts.TaskSnapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx, listOwnerTasksSQL, ownerUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]contracts.TaskSnapshot, 0)
	for rows.Next() {
		var s contracts.TaskSnapshot
		if err := rows.Scan(&s.TaskID, &s.OwnerUserID, &s.Title, &s.Status, &s.DueAt, &s.LastModified); err != nil {
			return nil, err
		}
		tasks = append(tasks, s)
	}
	return tasks, rows.Err()
}
