package app

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"paceline/internal/config"
	"paceline/internal/db"
	"paceline/internal/engine"
	"paceline/internal/events"
	"paceline/internal/migrate"
	"paceline/internal/notify"
)

// Open bootstraps a workspace: database opened and migrated, config loaded,
// engine wired with the configured notifier and analytics sink. The caller
// owns closing the returned connection.
func Open(workspace string, log zerolog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	e.Log = log
	e.Analytics = events.Sink{Writer: events.Writer{DB: conn}, Log: log}
	if cfg.Notifier.URL != "" {
		e.Notifier = notify.NewHTTP(notify.HTTPConfig{
			URL:     cfg.Notifier.URL,
			Secret:  cfg.Notifier.Secret,
			Timeout: cfg.NotifierTimeout(),
			Log:     log,
		})
	} else {
		log.Warn().Msg("no notifier url configured, reminders go to the log")
		e.Notifier = notify.LogNotifier{Log: log}
	}
	return e, conn, nil
}
