package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"paceline/internal/config"
	"paceline/internal/db"
	"paceline/internal/domain"
	"paceline/internal/engine"
	"paceline/internal/migrate"
	"paceline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), clock: &now}
	env.Engine = engine.New(conn, config.Default())
	env.Engine.Now = func() time.Time { return *env.clock }
	return env
}

func (env *testEnv) Advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

var trainer = domain.Owner{ContactID: "contact-1", Role: domain.RoleTrainer}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", &domain.TaskData{Step: "name"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", task.Status)
	}
	if task.StartedAt != "2024-01-01T12:00:00Z" || task.UpdatedAt != task.StartedAt {
		t.Fatalf("timestamps: started=%s updated=%s", task.StartedAt, task.UpdatedAt)
	}
	data, err := task.Data()
	if err != nil || data.Step != "name" {
		t.Fatalf("data step = %q (%v), want name", data.Step, err)
	}
	events, err := env.Engine.Repo.TaskEvents(env.Ctx, task.ID, 10)
	if err != nil || len(events) != 1 || events[0].Type != "task.created" {
		t.Fatalf("events = %v (%v), want one task.created", events, err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, domain.Owner{Role: domain.RoleClient}, "profile_edit", nil); err == nil {
		t.Fatal("expected error for missing contact id")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, domain.Owner{ContactID: "c", Role: "ghost"}, "profile_edit", nil); err == nil {
		t.Fatal("expected error for invalid role")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, trainer, "", nil); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestOneRunningTaskPerOwnerAndType(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil)
	if !errors.Is(err, repo.ErrRunningExists) {
		t.Fatalf("second create err = %v, want ErrRunningExists", err)
	}
	// A different flow type for the same owner is fine.
	if _, err := env.Engine.CreateTask(env.Ctx, trainer, "profile_edit", nil); err != nil {
		t.Fatalf("different type: %v", err)
	}
	// Same contact under the other role namespace is fine too.
	asClient := domain.Owner{ContactID: trainer.ContactID, Role: domain.RoleClient}
	if _, err := env.Engine.CreateTask(env.Ctx, asClient, "client_registration", nil); err != nil {
		t.Fatalf("other role: %v", err)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, trainer, "workout_plan_setup", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err = env.Engine.CompleteTask(env.Ctx, task.ID)
	if err != nil || task.Status != domain.StatusCompleted {
		t.Fatalf("complete: status=%s err=%v", task.Status, err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	// Terminal states reject further transitions.
	if _, err := env.Engine.StopTask(env.Ctx, task.ID); err == nil {
		t.Fatal("expected transition error completed -> stopped")
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: domain.StatusRunning}); err == nil {
		t.Fatal("expected transition error completed -> running")
	}
}

func TestStopTaskStampsStoppedAt(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, trainer, "profile_edit", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Advance(2 * time.Minute)
	task, err = env.Engine.StopTask(env.Ctx, task.ID)
	if err != nil || task.Status != domain.StatusStopped {
		t.Fatalf("stop: status=%s err=%v", task.Status, err)
	}
	if task.StoppedAt == nil || *task.StoppedAt != "2024-01-01T12:02:00Z" {
		t.Fatalf("stopped_at = %v", task.StoppedAt)
	}
}

func TestUpdateTaskReplacesData(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", &domain.TaskData{Step: "name"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID,
		Data: &domain.TaskData{
			Step:              "phone",
			CurrentFieldIndex: 1,
			CollectedData:     map[string]string{"name": "Alex"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	data, err := updated.Data()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Step != "phone" || data.CurrentFieldIndex != 1 || data.CollectedData["name"] != "Alex" {
		t.Fatalf("data = %+v", data)
	}
	if updated.Status != domain.StatusRunning {
		t.Fatalf("data update must not change status, got %s", updated.Status)
	}
}

func TestStopAllRunning(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, trainer, "profile_edit", nil); err != nil {
		t.Fatal(err)
	}
	other := domain.Owner{ContactID: "contact-2", Role: domain.RoleTrainer}
	if _, err := env.Engine.CreateTask(env.Ctx, other, "client_registration", nil); err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.StopAllRunning(env.Ctx, trainer)
	if err != nil || n != 2 {
		t.Fatalf("stop all: n=%d err=%v, want 2", n, err)
	}
	// Idempotent: nothing left to stop.
	n, err = env.Engine.StopAllRunning(env.Ctx, trainer)
	if err != nil || n != 0 {
		t.Fatalf("second stop all: n=%d err=%v, want 0", n, err)
	}
	// The other owner is untouched.
	if _, err := env.Engine.RunningTask(env.Ctx, other); err != nil {
		t.Fatalf("other owner's task gone: %v", err)
	}
}

func TestRunningTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RunningTask(env.Ctx, trainer); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRefreshActivity(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Advance(3 * time.Minute)
	if err := env.Engine.RefreshActivity(env.Ctx, task.ID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, err := env.Engine.TaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := got.Data()
	if data.LastActivity == nil || *data.LastActivity != "2024-01-01T12:03:00Z" {
		t.Fatalf("last_activity = %v", data.LastActivity)
	}

	// No-op on finished tasks.
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := env.Engine.TaskByID(env.Ctx, task.ID)
	env.Advance(time.Minute)
	if err := env.Engine.RefreshActivity(env.Ctx, task.ID); err != nil {
		t.Fatalf("refresh completed: %v", err)
	}
	after, _ := env.Engine.TaskByID(env.Ctx, task.ID)
	if after.UpdatedAt != before.UpdatedAt {
		t.Fatal("refresh must not touch a completed task")
	}
}

func TestRecentCompleted(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Minute)
	second, err := env.Engine.CreateTask(env.Ctx, trainer, "client_registration", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	tasks, err := env.Engine.RecentCompleted(env.Ctx, trainer, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != second.ID {
		t.Fatalf("recent completed: got %d tasks, newest=%s", len(tasks), tasks[0].ID)
	}
}
