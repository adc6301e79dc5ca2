package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paceline/internal/config"
	"paceline/internal/db"
	"paceline/internal/domain"
	"paceline/internal/engine"
	"paceline/internal/migrate"
	"paceline/internal/scheduler"
)

func TestRunSweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }

	owner := domain.Owner{ContactID: "c1", Role: domain.RoleClient}
	task, err := eng.CreateTask(context.Background(), owner, "profile_edit", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(16 * time.Minute)

	// A canceled context still allows exactly one pass.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scheduler.New(eng, time.Hour, zerolog.Nop()).Run(ctx)

	got, err := eng.TaskByID(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}
}
