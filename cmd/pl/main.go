package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paceline/internal/app"
	"paceline/internal/config"
	"paceline/internal/db"
	"paceline/internal/domain"
	"paceline/internal/engine"
	"paceline/internal/repo"
	"paceline/internal/scheduler"
	"paceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Paceline CLI",
	Long: `Paceline keeps conversational coaching flows from stalling.
Core concepts:
- Workspace: your .paceline directory holding the database; config lives in paceline.yml next to it.
- Owner: a contact plus their role (trainer or client). An owner runs at most one flow at a time.
- Task: one in-flight multi-step flow (client registration, workout plan setup, ...) with its collected answers.
- Statuses: running -> completed / stopped / abandoned; an abandoned task can be resumed as a fresh task.
- Sweep: the timeout monitor pass that reminds idle owners and archives flows nobody came back to.
- Event log: diary of lifecycle changes, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("contact", "", "contact identifier")
	rootCmd.PersistentFlags().String("role", "client", "owner role (trainer or client)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("contact", rootCmd.PersistentFlags().Lookup("contact"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func ownerFromFlags() (domain.Owner, error) {
	owner := domain.Owner{
		ContactID: strings.TrimSpace(viper.GetString("contact")),
		Role:      domain.Role(viper.GetString("role")),
	}
	if owner.ContactID == "" {
		return owner, fmt.Errorf("--contact is required")
	}
	if !domain.ValidRole(owner.Role) {
		return owner, fmt.Errorf("--role must be trainer or client")
	}
	return owner, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default paceline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Task counts and monitored flow types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx, domain.Owner{})
				if err != nil {
					return err
				}
				out := map[string]any{
					"assistant":       e.Config.Assistant.Name,
					"tasks_by_status": counts,
					"monitored_types": e.Config.Monitor.TaskTypes,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Assistant: %s\n", e.Config.Assistant.Name)
				fmt.Printf("Monitored types: %s\n", strings.Join(e.Config.Monitor.TaskTypes, ", "))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage flow tasks",
		Long:  "Tasks are in-flight conversation flows. An owner has at most one running at a time; idle ones get a reminder and eventually move to abandoned, from where they can be resumed.",
	}
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRunningCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskStopCmd())
	task.AddCommand(taskStopAllCmd())
	task.AddCommand(taskTouchCmd())
	task.AddCommand(taskResumableCmd())
	task.AddCommand(taskResumeCmd())
	return task
}

func taskStartCmd() *cobra.Command {
	var taskType, step string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a flow for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var data *domain.TaskData
				if step != "" {
					data = &domain.TaskData{Step: step}
				}
				t, err := e.CreateTask(ctx, owner, taskType, data)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "flow type (e.g. client_registration)")
	cmd.Flags().StringVar(&step, "step", "", "initial step name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, owner, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Started", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.StartedAt, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.TaskByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRunningCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "running",
		Short: "Show the owner's running flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RunningTask(ctx, owner)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("no running task")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a running task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StopTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStopAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running flow for the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.StopAllRunning(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Printf("stopped %d task(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func taskTouchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "touch <id>",
		Short: "Record user activity on a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RefreshActivity(cmd.Context(), args[0])
			})
		},
	}
	return cmd
}

func taskResumableCmd() *cobra.Command {
	var taskType string
	cmd := &cobra.Command{
		Use:   "resumable",
		Short: "Show the owner's most recent resumable flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerFromFlags()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResumableTask(cmd.Context(), owner, taskType)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("nothing to resume")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "only consider this flow type")
	return cmd
}

func taskResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume an abandoned flow as a fresh task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				abandoned, err := e.TaskByID(ctx, args[0])
				if err != nil {
					return err
				}
				fresh, err := e.ResumeTask(ctx, abandoned)
				if err != nil {
					return err
				}
				return printJSONOrTable(fresh)
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the timeout monitor",
		Long:  "Runs one monitor pass: idle running flows get a reminder, flows idle past the cleanup timeout are archived as abandoned. With --watch, keeps sweeping on the configured interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if watch {
					scheduler.New(e, e.Config.SweepInterval(), e.Log).Run(ctx)
					return nil
				}
				res := e.Sweep(ctx)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("reminders sent: %d\n", res.RemindersSent)
				fmt.Printf("tasks cleaned:  %d\n", res.TasksCleaned)
				for _, msg := range res.Errors {
					fmt.Println("error:", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on the configured interval")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task starts, reminders, abandonments, resumes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Event
				var err error
				if taskID != "" {
					items, err = e.Repo.TaskEvents(ctx, taskID, n)
				} else {
					items, err = e.Repo.EventsAfter(ctx, n, after)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Contact", "Task"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ContactID, ev.TaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	cmd.Flags().StringVar(&taskID, "task", "", "only events of this task")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and timeout scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			e, conn, err := app.Open(viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PACELINE_JWT_SECRET"), Log: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PACELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noSweeper {
				go scheduler.New(e, e.Config.SweepInterval(), log).Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Paceline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "serve the API without the background sweeper")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("id:     %s\n", key.ID)
				fmt.Printf("secret: %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key belongs to")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API (dev helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PACELINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("PACELINE_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, actor, []string{"operator"}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "local-user", "subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
