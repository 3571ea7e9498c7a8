package task

import (
	"context"
	"database/sql"
	"time"

	"modelgate/internal/core/errkind"
)

// PostgresRepository is the durable record backend, following the
// teacher's internal/storage/postgres database/sql + lib/pq conventions
// (parameterized queries, explicit column lists, sql.ErrNoRows mapped to a
// typed NotFound).
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO async_tasks
			(id, type, state, created_at, updated_at, virtual_key_id, metadata_json,
			 progress_percent, retry_count, max_retries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Type, t.State, t.CreatedAt, t.UpdatedAt, t.VirtualKeyID, t.MetadataJSON,
		t.ProgressPercent, t.RetryCount, t.MaxRetries,
	)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "create task", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, state, created_at, updated_at, completed_at, virtual_key_id,
		       metadata_json, progress_percent, result_json, error, retry_count,
		       max_retries, next_retry_at, progress_message
		FROM async_tasks WHERE id = $1`, id)

	t := &Task{}
	var completedAt, nextRetryAt sql.NullTime
	var resultJSON, errStr, progressMsg sql.NullString

	err := row.Scan(&t.ID, &t.Type, &t.State, &t.CreatedAt, &t.UpdatedAt, &completedAt,
		&t.VirtualKeyID, &t.MetadataJSON, &t.ProgressPercent, &resultJSON, &errStr,
		&t.RetryCount, &t.MaxRetries, &nextRetryAt, &progressMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "get task", err)
	}

	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if nextRetryAt.Valid {
		t.NextRetryAt = &nextRetryAt.Time
	}
	t.ResultJSON = resultJSON.String
	t.Error = errStr.String
	t.ProgressMessage = progressMsg.String
	return t, nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *Task) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE async_tasks SET
			state=$2, updated_at=$3, completed_at=$4, progress_percent=$5,
			result_json=$6, error=$7, retry_count=$8, next_retry_at=$9, progress_message=$10
		WHERE id=$1`,
		t.ID, t.State, t.UpdatedAt, t.CompletedAt, t.ProgressPercent,
		t.ResultJSON, t.Error, t.RetryCount, t.NextRetryAt, t.ProgressMessage,
	)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "update task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM async_tasks WHERE id=$1`, id)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "delete task", err)
	}
	return nil
}

func (r *PostgresRepository) GetPending(ctx context.Context, taskType string, limit int) ([]*Task, error) {
	query := `SELECT id, type, state, created_at, updated_at, virtual_key_id, metadata_json,
	                 progress_percent, retry_count, max_retries, next_retry_at
	          FROM async_tasks WHERE state = $1`
	args := []any{StatePending}
	if taskType != "" {
		query += ` AND type = $2`
		args = append(args, taskType)
	}
	query += ` ORDER BY created_at ASC LIMIT ` + limitClause(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "get pending tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		var nextRetryAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Type, &t.State, &t.CreatedAt, &t.UpdatedAt, &t.VirtualKeyID,
			&t.MetadataJSON, &t.ProgressPercent, &t.RetryCount, &t.MaxRetries, &nextRetryAt); err != nil {
			return nil, errkind.Wrap(errkind.Storage, "scan pending task", err)
		}
		if nextRetryAt.Valid {
			t.NextRetryAt = &nextRetryAt.Time
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM async_tasks WHERE created_at < $1 AND state IN ('Completed','Failed','Cancelled','TimedOut')`, cutoff)
	if err != nil {
		return 0, errkind.Wrap(errkind.Storage, "cleanup tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		limit = 100
	}
	// Bounded, caller-controlled integer only: safe to inline, matching
	// the teacher's occasional constant-clause string building in
	// internal/storage/postgres for non-parameterizable SQL fragments.
	return itoa(limit)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
