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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"overseer/internal/app"
	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/engine"
	"overseer/internal/repo"
	"overseer/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ovs",
	Short: "Overseer CLI",
	Long: `Overseer supervises automation pipelines that need a human in the loop.
Core concepts:
- Workspace: the .overseer directory holding the database and lock files.
- Session: one task's durable state machine; it pauses at checkpoints and
  resumes when an operator approves or rejects.
- HITL request: the inbox row for a paused session (ovs hitl list).
- Retry budget: quality-gate failures are counted; once the budget is spent
  the session waits for a human (USER_INTERVENTION_REQUIRED).
- Graded documents: IMMUTABLE paths need approval, MUTABLE paths pass a
  content policy, FEATURE paths write freely; every outcome lands in the
  hash-chained changelog (ovs changelog verify).
- Kill switch: a durable halt that survives restarts until an operator
  records recovery (ovs killswitch recover).`,
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
	viper.SetEnvPrefix("OVERSEER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(hitlCmd())
	rootCmd.AddCommand(changelogCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(killswitchCmd())
	rootCmd.AddCommand(securityCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage task sessions"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskHistoryCmd())
	cmd.AddCommand(taskApproveCmd())
	cmd.AddCommand(taskRejectCmd())
	cmd.AddCommand(taskRerunCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var id, sourceRef string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s, err := svc.Engine.CreateSession(ctx, id, sourceRef, nil, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&sourceRef, "source-ref", "", "source reference")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var active bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.ListSessions(ctx, repo.SessionFilters{
					Status:     status,
					ActiveOnly: active,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "Phase", "Checkpoint", "Retries", "Updated"})
				for _, s := range items {
					phase, checkpoint := "", ""
					if s.CurrentPhase != nil {
						phase = *s.CurrentPhase
					}
					if s.CurrentCheckpoint != nil {
						checkpoint = *s.CurrentCheckpoint
					}
					tw.AppendRow(table.Row{s.TaskID, s.Status, phase, checkpoint,
						fmt.Sprintf("%d/%d", s.RetryCount, s.MaxRetries), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&active, "active", false, "only non-terminal sessions")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s, err := svc.Engine.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				entries, err := svc.Repo.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Event", "Time"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Seq, e.Event, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s, err := svc.Engine.Approve(ctx, args[0], comment, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s, err := svc.Engine.Reject(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskRerunCmd() *cobra.Command {
	var fromPhase string
	var reset bool
	cmd := &cobra.Command{
		Use:   "rerun <task-id>",
		Short: "Request a rerun",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s, err := svc.Engine.RequestRerun(ctx, args[0], engine.RerunOptions{
					FromPhase: fromPhase,
					Reset:     reset,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&fromPhase, "from-phase", "", "phase to rerun from")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset an exhausted retry budget")
	return cmd
}

func hitlCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hitl", Short: "Human-in-the-loop queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending HITL requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListPendingHITL(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Checkpoint", "Paused"})
				for _, req := range items {
					tw.AppendRow(table.Row{req.TaskID, req.Checkpoint, req.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func changelogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "changelog", Short: "Document changelog"}
	cmd.AddCommand(changelogListCmd())
	cmd.AddCommand(changelogVerifyCmd())
	return cmd
}

func changelogListCmd() *cobra.Command {
	var filePath, result string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List changelog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.ListChangelog(ctx, repo.ChangelogFilters{
					FilePath: filePath,
					Result:   result,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Result", "Grade", "Path", "Time"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Result, e.Grade, e.FilePath, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "path", "", "file path filter")
	cmd.Flags().StringVar(&result, "result", "", "result filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func changelogVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the changelog hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Guard.VerifyChain(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("changelog chain is broken")
				}
				return nil
			})
		},
	}
	return cmd
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lock", Short: "Document locks"}
	cmd.AddCommand(lockShowCmd())
	cmd.AddCommand(lockForceReleaseCmd())
	return cmd
}

func lockShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <file-path>",
		Short: "Show the lock on a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				lock, err := svc.Locks.Holder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(lock)
			})
		},
	}
	return cmd
}

func lockForceReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-release <file-path>",
		Short: "Force release a lock (logged as a security event)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				evicted, err := svc.Guard.ForceRelease(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(evicted)
			})
		},
	}
	return cmd
}

func killswitchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "killswitch", Short: "Kill switch status and recovery"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show kill switch status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				halt, err := svc.Kill.Active(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("not halted")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(halt)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Mark the kill switch recovered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Kill.MarkRecovered(ctx, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("recovered")
				return nil
			})
		},
	})
	return cmd
}

func securityCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{Use: "security", Short: "Security events"}
	events := &cobra.Command{
		Use:   "events",
		Short: "List recent security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Monitor.Recent(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Severity"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.Severity})
				}
				tw.Render()
				return nil
			})
		},
	}
	events.Flags().IntVar(&limit, "limit", 20, "max results")
	cmd.AddCommand(events)
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
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				created, err := svc.Engine.CreateAPIKey(ctx, actorID, name, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "raw key value (stored hashed)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var pipelineID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default overseer.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(pipelineID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "default", "pipeline id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate overseer.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("config ok (pipeline %s)\n", cfg.Pipeline.ID)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				events, err := svc.Repo.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer svc.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("OVERSEER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OVERSEER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Services: svc, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Overseer API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	svc, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
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
