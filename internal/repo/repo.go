package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"paceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrRunningExists reports a violation of the one-running-task-per-owner-and-type
// index at insert time.
var ErrRunningExists = errors.New("running task already exists")

const taskColumns = `id,contact_id,role,type,status,data_json,reminder_sent_at,started_at,updated_at,completed_at,stopped_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var reminderAt, completedAt, stoppedAt sql.NullString
	err := scan(&t.ID, &t.ContactID, &t.Role, &t.Type, &t.Status, &t.DataJSON,
		&reminderAt, &t.StartedAt, &t.UpdatedAt, &completedAt, &stoppedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if reminderAt.Valid {
		t.ReminderSentAt = &reminderAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if stoppedAt.Valid {
		t.StoppedAt = &stoppedAt.String
	}
	return t, nil
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ContactID, string(t.Role), t.Type, t.Status, t.DataJSON,
		nullablePtr(t.ReminderSentAt), t.StartedAt, t.UpdatedAt, nullablePtr(t.CompletedAt), nullablePtr(t.StoppedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.contact_id, tasks.role, tasks.type") {
		return ErrRunningExists
	}
	return err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ContactID, string(t.Role), t.Type, t.Status, t.DataJSON,
		nullablePtr(t.ReminderSentAt), t.StartedAt, t.UpdatedAt, nullablePtr(t.CompletedAt), nullablePtr(t.StoppedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.contact_id, tasks.role, tasks.type") {
		return ErrRunningExists
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// RunningTask returns the most recently started running task for the owner,
// any flow type.
func (r Repo) RunningTask(ctx context.Context, owner domain.Owner) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE contact_id=? AND role=? AND status=?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		owner.ContactID, string(owner.Role), domain.StatusRunning)
	return scanTask(row.Scan)
}

// ListRunningByRole returns every running task in a role namespace, optionally
// restricted to the given flow types. Used by the timeout sweep.
func (r Repo) ListRunningByRole(ctx context.Context, role domain.Role, types []string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE role=? AND status=?`
	args := []any{string(role), domain.StatusRunning}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	return r.queryTasks(ctx, query, args...)
}

// RecentCompleted returns the owner's completed tasks, newest completion first.
func (r Repo) RecentCompleted(ctx context.Context, owner domain.Owner, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE contact_id=? AND role=? AND status=?
		ORDER BY completed_at DESC, id DESC LIMIT ?`,
		owner.ContactID, string(owner.Role), domain.StatusCompleted, limit)
}

// ListAbandoned returns the owner's abandoned tasks, most recently updated
// first, optionally filtered by flow type.
func (r Repo) ListAbandoned(ctx context.Context, owner domain.Owner, taskType string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE contact_id=? AND role=? AND status=?`
	args := []any{owner.ContactID, string(owner.Role), domain.StatusAbandoned}
	if taskType != "" {
		query += ` AND type=?`
		args = append(args, taskType)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryTasks(ctx, query, args...)
}

// ListTasks returns tasks for an owner, newest first, optionally filtered by status.
func (r Repo) ListTasks(ctx context.Context, owner domain.Owner, status string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE contact_id=? AND role=?`
	args := []any{owner.ContactID, string(owner.Role)}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryTasks(ctx, query, args...)
}

// UpdateTask writes every mutable column of the task row.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
		SET status=?, data_json=?, reminder_sent_at=?, updated_at=?, completed_at=?, stopped_at=?
		WHERE id=?`,
		t.Status, t.DataJSON, nullablePtr(t.ReminderSentAt), t.UpdatedAt,
		nullablePtr(t.CompletedAt), nullablePtr(t.StoppedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
		SET status=?, data_json=?, reminder_sent_at=?, updated_at=?, completed_at=?, stopped_at=?
		WHERE id=?`,
		t.Status, t.DataJSON, nullablePtr(t.ReminderSentAt), t.UpdatedAt,
		nullablePtr(t.CompletedAt), nullablePtr(t.StoppedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskGuarded is UpdateTask with a compare-and-set on updated_at. It
// returns false when a concurrent writer got there first.
func (r Repo) UpdateTaskGuarded(ctx context.Context, t domain.Task, expectUpdatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
		SET status=?, data_json=?, reminder_sent_at=?, updated_at=?, completed_at=?, stopped_at=?
		WHERE id=? AND updated_at=?`,
		t.Status, t.DataJSON, nullablePtr(t.ReminderSentAt), t.UpdatedAt,
		nullablePtr(t.CompletedAt), nullablePtr(t.StoppedAt), t.ID, expectUpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StopAllRunning transitions every running task for the owner to stopped in a
// single statement and returns the number of rows it touched.
func (r Repo) StopAllRunning(ctx context.Context, owner domain.Owner, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
		SET status=?, stopped_at=?, updated_at=?
		WHERE contact_id=? AND role=? AND status=?`,
		domain.StatusStopped, now, now,
		owner.ContactID, string(owner.Role), domain.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountTasksByStatus returns task counts per status, across all owners when
// owner is the zero value.
func (r Repo) CountTasksByStatus(ctx context.Context, owner domain.Owner) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if owner.ContactID != "" {
		query += ` WHERE contact_id=? AND role=?`
		args = append(args, owner.ContactID, string(owner.Role))
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// EventsAfter returns up to limit events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(contact_id,''),COALESCE(role,''),COALESCE(task_id,''),payload_json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ContactID, &e.Role, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TaskEvents returns the event trail of one task, oldest first.
func (r Repo) TaskEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(contact_id,''),COALESCE(role,''),COALESCE(task_id,''),payload_json
		FROM events WHERE task_id=? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ContactID, &e.Role, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
