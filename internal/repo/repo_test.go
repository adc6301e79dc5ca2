package repo_test

import (
	"context"
	"errors"
	"testing"

	"paceline/internal/db"
	"paceline/internal/domain"
	"paceline/internal/migrate"
	"paceline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func runningTask(id, contact string, role domain.Role, taskType, startedAt string) domain.Task {
	return domain.Task{
		ID:        id,
		ContactID: contact,
		Role:      role,
		Type:      taskType,
		Status:    domain.StatusRunning,
		DataJSON:  "{}",
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
}

func TestOneRunningIndexScope(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := runningTask("t1", "c1", domain.RoleTrainer, "client_registration", "2024-01-01T12:00:00Z")
	if err := r.InsertTask(ctx, base); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := base
	dup.ID = "t2"
	if err := r.InsertTask(ctx, dup); !errors.Is(err, repo.ErrRunningExists) {
		t.Fatalf("duplicate running err = %v, want ErrRunningExists", err)
	}

	// The index only guards running rows: finished history does not collide.
	done := base
	done.ID = "t3"
	done.Status = domain.StatusCompleted
	if err := r.InsertTask(ctx, done); err != nil {
		t.Fatalf("completed insert: %v", err)
	}

	// Other type, other role, other contact all pass.
	for _, tk := range []domain.Task{
		runningTask("t4", "c1", domain.RoleTrainer, "profile_edit", "2024-01-01T12:00:00Z"),
		runningTask("t5", "c1", domain.RoleClient, "client_registration", "2024-01-01T12:00:00Z"),
		runningTask("t6", "c2", domain.RoleTrainer, "client_registration", "2024-01-01T12:00:00Z"),
	} {
		if err := r.InsertTask(ctx, tk); err != nil {
			t.Fatalf("insert %s: %v", tk.ID, err)
		}
	}
}

func TestUpdateTaskGuarded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	task := runningTask("t1", "c1", domain.RoleClient, "profile_edit", "2024-01-01T12:00:00Z")
	if err := r.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	task.Status = domain.StatusAbandoned
	task.UpdatedAt = "2024-01-01T12:16:00Z"
	ok, err := r.UpdateTaskGuarded(ctx, task, "2024-01-01T12:00:00Z")
	if err != nil || !ok {
		t.Fatalf("guarded update: ok=%v err=%v", ok, err)
	}

	// A write racing on a stale snapshot loses.
	stale := task
	stale.Status = domain.StatusResumed
	ok, err = r.UpdateTaskGuarded(ctx, stale, "2024-01-01T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale guarded update should not apply")
	}
	got, err := r.GetTask(ctx, "t1")
	if err != nil || got.Status != domain.StatusAbandoned {
		t.Fatalf("status = %s err=%v, want abandoned", got.Status, err)
	}
}

func TestListRunningByRoleFiltersTypes(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, tk := range []domain.Task{
		runningTask("t1", "c1", domain.RoleTrainer, "client_registration", "2024-01-01T12:00:00Z"),
		runningTask("t2", "c2", domain.RoleTrainer, "free_chat", "2024-01-01T12:00:00Z"),
		runningTask("t3", "c3", domain.RoleClient, "client_registration", "2024-01-01T12:00:00Z"),
	} {
		if err := r.InsertTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := r.ListRunningByRole(ctx, domain.RoleTrainer, []string{"client_registration", "profile_edit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestStopAllRunning(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	owner := domain.Owner{ContactID: "c1", Role: domain.RoleTrainer}
	for _, tk := range []domain.Task{
		runningTask("t1", "c1", domain.RoleTrainer, "client_registration", "2024-01-01T12:00:00Z"),
		runningTask("t2", "c1", domain.RoleTrainer, "profile_edit", "2024-01-01T12:00:00Z"),
		runningTask("t3", "c1", domain.RoleClient, "client_registration", "2024-01-01T12:00:00Z"),
	} {
		if err := r.InsertTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.StopAllRunning(ctx, owner, "2024-01-01T12:05:00Z")
	if err != nil || n != 2 {
		t.Fatalf("stop all: n=%d err=%v", n, err)
	}
	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusStopped || got.StoppedAt == nil || *got.StoppedAt != "2024-01-01T12:05:00Z" {
		t.Fatalf("t1 = %+v", got)
	}
	// The client-role task is out of scope.
	other, _ := r.GetTask(ctx, "t3")
	if other.Status != domain.StatusRunning {
		t.Fatalf("t3 status = %s", other.Status)
	}
}

func TestListAbandonedOrderAndFilter(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	owner := domain.Owner{ContactID: "c1", Role: domain.RoleClient}
	mk := func(id, taskType, updatedAt string) domain.Task {
		tk := runningTask(id, owner.ContactID, owner.Role, taskType, "2024-01-01T12:00:00Z")
		tk.Status = domain.StatusAbandoned
		tk.UpdatedAt = updatedAt
		return tk
	}
	for _, tk := range []domain.Task{
		mk("old", "client_registration", "2024-01-01T12:20:00Z"),
		mk("new", "client_registration", "2024-01-01T13:20:00Z"),
		mk("other", "profile_edit", "2024-01-01T14:20:00Z"),
	} {
		if err := r.InsertTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := r.ListAbandoned(ctx, owner, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 || tasks[0].ID != "other" || tasks[1].ID != "new" {
		t.Fatalf("order = %v", taskIDs(tasks))
	}
	tasks, err = r.ListAbandoned(ctx, owner, "client_registration", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "new" {
		t.Fatalf("filtered = %v", taskIDs(tasks))
	}
}

func taskIDs(tasks []domain.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
