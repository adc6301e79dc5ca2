package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paceline/internal/domain"
	"paceline/internal/events"
	"paceline/internal/notify"
	"paceline/internal/repo"
)

// SweepResult aggregates one pass of the timeout monitor.
type SweepResult struct {
	RemindersSent int      `json:"reminders_sent"`
	TasksCleaned  int      `json:"tasks_cleaned"`
	Errors        []string `json:"errors,omitempty"`
}

// Sweep scans every running, monitored task across both role namespaces and
// applies the reminder/cleanup policy. Per-task failures are collected, never
// fatal: one broken task must not shield the rest from processing.
func (e Engine) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	for _, role := range domain.Roles() {
		tasks, err := e.Repo.ListRunningByRole(ctx, role, e.Config.Monitor.TaskTypes)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("list running %s tasks: %v", role, err))
			continue
		}
		for _, t := range tasks {
			cleaned, reminded, err := e.processTimeout(ctx, t)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("task %s: %v", t.ID, err))
				continue
			}
			if cleaned {
				res.TasksCleaned++
			}
			if reminded {
				res.RemindersSent++
			}
		}
	}
	e.Log.Info().
		Int("reminders", res.RemindersSent).
		Int("cleaned", res.TasksCleaned).
		Int("errors", len(res.Errors)).
		Msg("timeout sweep done")
	return res
}

func (e Engine) processTimeout(ctx context.Context, t domain.Task) (cleaned, reminded bool, err error) {
	data, err := t.Data()
	if err != nil {
		return false, false, fmt.Errorf("decode task data: %w", err)
	}
	last := e.lastActivity(t, data)
	inactive := e.now().Sub(last)
	switch {
	case inactive >= e.Config.CleanupTimeout():
		cleaned, err = e.abandonTask(ctx, t, data, last)
	case inactive >= e.Config.ReminderTimeout() && !data.ReminderSent:
		reminded, err = e.remindTask(ctx, t, data, last)
	}
	return cleaned, reminded, err
}

// lastActivity picks the freshest signal of user presence: the explicit
// activity stamp when the handler set one, else the row's update time, else
// its start time.
func (e Engine) lastActivity(t domain.Task, data domain.TaskData) time.Time {
	if data.LastActivity != nil {
		if ts, ok := parseTime(*data.LastActivity); ok {
			return ts
		}
	}
	if ts, ok := parseTime(t.UpdatedAt); ok {
		return ts
	}
	if ts, ok := parseTime(t.StartedAt); ok {
		return ts
	}
	return time.Time{}
}

// abandonTask archives a silent task. The original payload is preserved under
// an envelope for later resumption, an analytics event records where the user
// dropped off, and the write is guarded so an overlapping sweep cannot
// double-process the row. Nothing here messages the user.
func (e Engine) abandonTask(ctx context.Context, t domain.Task, data domain.TaskData, last time.Time) (bool, error) {
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)

	step := data.Step
	if step == "" {
		step = "unknown"
	}
	minutesActive := 0
	if startedAt, ok := parseTime(t.StartedAt); ok {
		minutesActive = int(now.Sub(startedAt) / time.Minute)
	}
	collected := make([]string, 0, len(data.CollectedData))
	for k := range data.CollectedData {
		collected = append(collected, k)
	}
	e.track(ctx, "task_abandoned", t.Owner(), map[string]any{
		"task_id":          t.ID,
		"task_type":        t.Type,
		"context":          e.Config.Phrase(t.Type),
		"step":             step,
		"field_index":      data.CurrentFieldIndex,
		"reminder_sent":    data.ReminderSent,
		"minutes_active":   minutesActive,
		"collected_fields": collected,
	})

	archive := domain.Archive{
		TaskData:          data,
		AbandonedAt:       ts,
		AbandonmentReason: "timeout",
		TaskType:          t.Type,
	}
	archiveJSON, err := marshalArchive(archive)
	if err != nil {
		return false, err
	}
	prevUpdatedAt := t.UpdatedAt
	t.DataJSON = archiveJSON
	t.Status = domain.StatusAbandoned
	t.CompletedAt = &ts
	t.UpdatedAt = ts
	ok, err := e.Repo.UpdateTaskGuarded(ctx, t, prevUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("archive task: %w", err)
	}
	if !ok {
		// A concurrent writer (the user came back, or another sweep) won.
		e.Log.Debug().Str("task", t.ID).Msg("abandon skipped, row changed underneath")
		return false, nil
	}
	e.Log.Info().Str("task", t.ID).Str("type", t.Type).Time("last_activity", last).Msg("task abandoned after inactivity")
	return true, nil
}

// remindTask delivers the single nudge. Delivery failure leaves the task
// untouched so the next sweep retries; only a confirmed send sets the
// reminder flag.
func (e Engine) remindTask(ctx context.Context, t domain.Task, data domain.TaskData, last time.Time) (bool, error) {
	msg := fmt.Sprintf("Looks like you stepped away while %s. Want to pick up where you left off?", e.Config.Phrase(t.Type))
	choices := []notify.Choice{
		{ID: "continue", Label: "Continue"},
		{ID: "start_over", Label: "Start Over"},
	}
	if err := e.Notifier.SendChoice(ctx, t.Owner(), msg, choices); err != nil {
		return false, fmt.Errorf("send reminder: %w", err)
	}

	ts := e.timestamp()
	data.ReminderSent = true
	data.ReminderSentAt = &ts
	if data.LastActivity == nil {
		// Stamping the reminder refreshes updated_at; pin the real activity
		// time so the cleanup clock keeps running from the user's silence.
		lastTS := last.UTC().Format(time.RFC3339)
		data.LastActivity = &lastTS
	}
	dataJSON, err := marshalData(&data)
	if err != nil {
		return false, err
	}
	prevUpdatedAt := t.UpdatedAt
	t.DataJSON = dataJSON
	t.ReminderSentAt = &ts
	t.UpdatedAt = ts
	ok, err := e.Repo.UpdateTaskGuarded(ctx, t, prevUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("persist reminder flag: %w", err)
	}
	if !ok {
		e.Log.Debug().Str("task", t.ID).Msg("reminder flag skipped, row changed underneath")
		return false, nil
	}
	if err := e.Events.AppendDirect(ctx, "task.reminder_sent", t.Owner(), t.ID, events.EventPayload{"type": t.Type}); err != nil {
		e.Log.Warn().Err(err).Msg("reminder event append failed")
	}
	return true, nil
}

// ResumableTask returns the owner's most recently abandoned task still inside
// the resume window, optionally filtered by flow type. Older abandonments are
// permanent history.
func (e Engine) ResumableTask(ctx context.Context, owner domain.Owner, taskType string) (domain.Task, error) {
	tasks, err := e.Repo.ListAbandoned(ctx, owner, taskType, 10)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	for _, t := range tasks {
		archive, err := t.ArchiveData()
		if err != nil {
			continue
		}
		abandonedAt, ok := parseTime(archive.AbandonedAt)
		if !ok {
			continue
		}
		if now.Sub(abandonedAt) <= e.Config.ResumeWindow() {
			return t, nil
		}
	}
	return domain.Task{}, repo.ErrNotFound
}

// ResumeTask revives an abandoned flow: a fresh running task is seeded from
// the archived payload with the reminder clock reset, and the old row is
// retired as resumed. The old row is never flipped back to running.
func (e Engine) ResumeTask(ctx context.Context, abandoned domain.Task) (domain.Task, error) {
	if abandoned.Status != domain.StatusAbandoned {
		return domain.Task{}, fmt.Errorf("task %s is %s, only abandoned tasks can be resumed", abandoned.ID, abandoned.Status)
	}
	archive, err := abandoned.ArchiveData()
	if err != nil {
		return domain.Task{}, fmt.Errorf("decode archive: %w", err)
	}
	ts := e.timestamp()
	data := archive.TaskData
	data.ReminderSent = false
	data.ReminderSentAt = nil
	data.Resumed = true
	data.ResumedAt = &ts
	data.OriginalTaskID = abandoned.ID
	data.LastActivity = &ts
	dataJSON, err := marshalData(&data)
	if err != nil {
		return domain.Task{}, err
	}

	fresh := domain.Task{
		ID:        newTaskID(),
		ContactID: abandoned.ContactID,
		Role:      abandoned.Role,
		Type:      abandoned.Type,
		Status:    domain.StatusRunning,
		DataJSON:  dataJSON,
		StartedAt: ts,
		UpdatedAt: ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, fresh); err != nil {
		if errors.Is(err, repo.ErrRunningExists) {
			return domain.Task{}, fmt.Errorf("%w: finish or stop the current %s flow first", err, fresh.Type)
		}
		return domain.Task{}, fmt.Errorf("insert resumed task: %w", err)
	}
	abandoned.Status = domain.StatusResumed
	abandoned.UpdatedAt = ts
	if err := e.Repo.UpdateTaskTx(ctx, tx, abandoned); err != nil {
		return domain.Task{}, fmt.Errorf("retire abandoned task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.resumed", fresh.Owner(), fresh.ID, events.EventPayload{
		"original_task_id": abandoned.ID,
		"type":             fresh.Type,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info().Str("task", fresh.ID).Str("original", abandoned.ID).Msg("abandoned task resumed")
	return fresh, nil
}

// RefreshActivity stamps the task's payload with the current time so an
// actively chatting user is never swept. Call it from the message handler on
// every step of a monitored flow.
func (e Engine) RefreshActivity(ctx context.Context, id string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusRunning {
		return nil
	}
	data, err := t.Data()
	if err != nil {
		return fmt.Errorf("decode task data: %w", err)
	}
	ts := e.timestamp()
	data.LastActivity = &ts
	dataJSON, err := marshalData(&data)
	if err != nil {
		return err
	}
	t.DataJSON = dataJSON
	t.UpdatedAt = ts
	return e.Repo.UpdateTask(ctx, t)
}
