package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paceline/internal/config"
	"paceline/internal/domain"
	"paceline/internal/events"
	"paceline/internal/notify"
	"paceline/internal/repo"
)

// AnalyticsSink records abandonment and usage analytics. Implementations must
// never block a lifecycle operation on failure; absence is tolerated.
type AnalyticsSink interface {
	Track(ctx context.Context, eventType string, owner domain.Owner, meta map[string]any)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Notifier  notify.Notifier
	Analytics AnalyticsSink
	Log       zerolog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	log := zerolog.Nop()
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Notifier:  notify.LogNotifier{Log: log},
		Analytics: events.Sink{Writer: events.Writer{DB: db}, Log: log},
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func newTaskID() string {
	return uuid.New().String()
}

func marshalArchive(a domain.Archive) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}
	return string(b), nil
}

func marshalData(d *domain.TaskData) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal task data: %w", err)
	}
	return string(b), nil
}

// CreateTask starts a new multi-step flow for the owner. The one-running-task
// invariant per (owner, type) is enforced by the store; a second creator gets
// repo.ErrRunningExists.
func (e Engine) CreateTask(ctx context.Context, owner domain.Owner, taskType string, data *domain.TaskData) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if owner.ContactID == "" {
		return domain.Task{}, errors.New("contact id is required")
	}
	if !domain.ValidRole(owner.Role) {
		return domain.Task{}, fmt.Errorf("invalid role %q", owner.Role)
	}
	if taskType == "" {
		return domain.Task{}, errors.New("task type is required")
	}
	dataJSON, err := marshalData(data)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		ID:        newTaskID(),
		ContactID: owner.ContactID,
		Role:      owner.Role,
		Type:      taskType,
		Status:    domain.StatusRunning,
		DataJSON:  dataJSON,
		StartedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrRunningExists) {
			return domain.Task{}, fmt.Errorf("%w: a %s flow is already running for %s", err, taskType, owner.ContactID)
		}
		e.Log.Error().Err(err).Str("type", taskType).Msg("task insert failed")
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", owner, t.ID, events.EventPayload{"type": taskType}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RunningTask returns the owner's most recently started running task, or
// repo.ErrNotFound when no flow is in progress.
func (e Engine) RunningTask(ctx context.Context, owner domain.Owner) (domain.Task, error) {
	return e.Repo.RunningTask(ctx, owner)
}

func (e Engine) TaskByID(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// RecentCompleted returns the owner's completed flows, newest first.
func (e Engine) RecentCompleted(ctx context.Context, owner domain.Owner, limit int) ([]domain.Task, error) {
	return e.Repo.RecentCompleted(ctx, owner, limit)
}

func (e Engine) track(ctx context.Context, eventType string, owner domain.Owner, meta map[string]any) {
	if e.Analytics == nil {
		return
	}
	e.Analytics.Track(ctx, eventType, owner, meta)
}
