package engine

import (
	"context"
	"fmt"

	"paceline/internal/domain"
	"paceline/internal/events"
)

// ensureTaskTransition is the explicit status state machine. A status only
// moves forward: running ends in completed, stopped, or abandoned, and only an
// abandoned task can be marked resumed.
func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusRunning:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusStopped || newStatus == domain.StatusAbandoned {
			return nil
		}
	case domain.StatusAbandoned:
		if newStatus == domain.StatusResumed {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// TaskUpdateOptions encapsulates allowed updates. A non-nil Data replaces the
// stored payload wholesale; Status, when set, must be a valid transition.
type TaskUpdateOptions struct {
	ID     string
	Data   *domain.TaskData
	Status string
}

// UpdateTask refreshes the task's payload and/or status, always stamping
// updated_at. Completed and stopped transitions additionally stamp their
// terminal timestamps.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	fromStatus := t.Status
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
	}
	now := e.timestamp()
	if opts.Data != nil {
		dataJSON, err := marshalData(opts.Data)
		if err != nil {
			return t, err
		}
		t.DataJSON = dataJSON
	}
	if opts.Status != "" && opts.Status != t.Status {
		t.Status = opts.Status
		switch opts.Status {
		case domain.StatusCompleted:
			t.CompletedAt = &now
		case domain.StatusStopped:
			t.StoppedAt = &now
		}
	}
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		e.Log.Error().Err(err).Str("task", t.ID).Msg("task update failed")
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.Owner(), t.ID, events.EventPayload{
		"from_status": fromStatus,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask marks the task completed.
func (e Engine) CompleteTask(ctx context.Context, id string) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: domain.StatusCompleted})
}

// StopTask marks the task stopped.
func (e Engine) StopTask(ctx context.Context, id string) (domain.Task, error) {
	return e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: domain.StatusStopped})
}

// StopAllRunning stops every running task for the owner in one atomic
// statement and returns how many were stopped. Calling it again is a no-op.
func (e Engine) StopAllRunning(ctx context.Context, owner domain.Owner) (int64, error) {
	now := e.timestamp()
	n, err := e.Repo.StopAllRunning(ctx, owner, now)
	if err != nil {
		e.Log.Error().Err(err).Str("contact", owner.ContactID).Msg("bulk stop failed")
		return 0, err
	}
	if n > 0 {
		if err := e.Events.AppendDirect(ctx, "task.stopped_all", owner, "", events.EventPayload{"count": n}); err != nil {
			e.Log.Warn().Err(err).Msg("bulk stop event append failed")
		}
	}
	return n, nil
}
