package main

import (
	"bufio"
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

	"mavline/internal/app"
	"mavline/internal/config"
	"mavline/internal/db"
	"mavline/internal/domain"
	"mavline/internal/engine"
	"mavline/internal/repo"
	"mavline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mvl",
	Short: "Mavline CLI",
	Long: `Mavline runs durable maintenance workflows against Maven project checkouts.
Core concepts:
- Workspace: the directory holding .mavline with the session database.
- Session: one run of a workflow against one project checkout; it survives
  restarts and resumes from its checkpoint.
- Workflow: an ordered list of steps (scan, analyze, apply, test, report).
  Steps that change the project are tagged and can require confirmation.
- Project lock: one session per project path at a time; locks carry a TTL so
  a crashed run never blocks the project forever.
- Event log: the append-only audit trail; view it with 'mvl log tail'.`,
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
	viper.SetEnvPrefix("MAVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("yes", false, "auto-approve confirmation checkpoints")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("yes", rootCmd.PersistentFlags().Lookup("yes"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default mavline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Session counts by status plus the live project locks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountSessionsByStatus(ctx)
				if err != nil {
					return err
				}
				live, err := e.Locks.List(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"session_counts": counts,
					"active_locks":   live,
					"workflows":      e.Registry.Names(),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("Sessions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Active locks: %d\n", len(live))
				for _, l := range live {
					fmt.Printf("  %s held by %s until %s\n", l.ProjectPath, l.SessionID, l.ExpiresAt)
				}
				return nil
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Workflow catalog"}
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Registry.Names())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Step", "Position", "Mutating", "Confirm"})
				for _, name := range e.Registry.Names() {
					def, err := e.Registry.Lookup(name)
					if err != nil {
						return err
					}
					for _, sd := range def.Ordered() {
						tw.AppendRow(table.Row{def.Type, sd.Code, sd.Position, sd.Mutating, sd.Confirm})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	return wf
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage workflow sessions",
		Long:  "Sessions run workflows against a project checkout. They move pending -> running -> completed/failed/cancelled and can pause and resume at a checkpoint.",
	}
	session.AddCommand(sessionCreateCmd())
	session.AddCommand(sessionListCmd())
	session.AddCommand(sessionShowCmd())
	session.AddCommand(sessionRunCmd())
	session.AddCommand(sessionPauseCmd())
	session.AddCommand(sessionResumeCmd())
	session.AddCommand(sessionCancelCmd())
	session.AddCommand(sessionConfirmCmd())
	session.AddCommand(sessionStepsCmd())
	session.AddCommand(sessionArtifactsCmd())
	return session
}

func sessionCreateCmd() *cobra.Command {
	var projectPath, workflowType, mode, configJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectPath == "" {
				return fmt.Errorf("--project-path required")
			}
			var cfg map[string]any
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
					return fmt.Errorf("invalid --config JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
					ProjectPath:  projectPath,
					WorkflowType: workflowType,
					Mode:         mode,
					Config:       cfg,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&projectPath, "project-path", "", "project checkout path")
	cmd.Flags().StringVar(&workflowType, "workflow", "", "workflow type (default from config)")
	cmd.Flags().StringVar(&mode, "mode", domain.ModeInteractive, "execution mode")
	cmd.Flags().StringVar(&configJSON, "config", "", "session config as JSON")
	_ = cmd.MarkFlagRequired("project-path")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status, workflowType, projectPath string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, pg, err := e.ListSessions(ctx, repo.SessionFilters{
					Status:       status,
					WorkflowType: workflowType,
					ProjectPath:  projectPath,
					Page:         page,
					PerPage:      perPage,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "pagination": pg})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Workflow", "Mode", "Status", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ProjectPath, s.WorkflowType, s.Mode, s.Status, s.CreatedAt})
				}
				tw.Render()
				fmt.Printf("page %d/%d (%d total)\n", pg.Page, pg.TotalPages, pg.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&workflowType, "workflow", "", "workflow type filter")
	cmd.Flags().StringVar(&projectPath, "project-path", "", "project path filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "items per page")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <session-id>",
		Short: "Run a session to completion",
		Long:  "Acquires the project lock and drives the workflow. Interactive confirmation checkpoints prompt on the terminal; pass --yes to approve them all.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.Confirmer = terminalConfirmer{autoApprove: viper.GetBool("yes")}
				s, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				switch s.Status {
				case domain.SessionPending:
					s, err = e.Run(ctx, s.ID)
				case domain.SessionPaused:
					if s, err = e.Resume(ctx, s.ID, nil); err == nil {
						s, err = e.Execute(ctx, s.ID)
					}
				default:
					return fmt.Errorf("session %s is %s; only pending or paused sessions can run", s.ID, s.Status)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionPauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Pause(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the session is being paused")
	return cmd
}

func sessionResumeCmd() *cobra.Command {
	var checkpoint int
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.Confirmer = terminalConfirmer{autoApprove: viper.GetBool("yes")}
				var cp *int
				if cmd.Flags().Changed("checkpoint") {
					cp = &checkpoint
				}
				s, err := e.Resume(ctx, args[0], cp)
				if err != nil {
					return err
				}
				s, err = e.Execute(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&checkpoint, "checkpoint", 0, "re-run from this completed position")
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <session-id>",
		Short: "Approve the pending confirmation checkpoint and continue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Confirm(ctx, args[0])
				if err != nil {
					return err
				}
				s, err = e.Execute(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <session-id>",
		Short: "List a session's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Position", "Code", "Status", "Started", "Completed"})
				for _, st := range steps {
					tw.AppendRow(table.Row{st.Position, st.Code, st.Status, deref(st.StartedAt), deref(st.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionArtifactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <session-id>",
		Short: "List a session's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arts, err := e.ListArtifacts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(arts)
			})
		},
	}
}

func lockCmd() *cobra.Command {
	lock := &cobra.Command{Use: "lock", Short: "Project locks"}
	lock.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				live, err := e.Locks.List(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(live)
			})
		},
	})
	lock.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Locks.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("swept %d expired locks\n", n)
				return nil
			})
		},
	})
	return lock
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of everything a session did: status changes, retries, lock churn, artifacts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var sessionID, evtType, since string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, pg, err := e.QueryEvents(ctx, engine.EventQuery{
					SessionID: sessionID,
					Type:      evtType,
					Since:     since,
					Page:      page,
					PerPage:   perPage,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": events, "pagination": pg})
				}
				for _, evt := range events {
					fmt.Printf("%s  %-22s %s\n", evt.TS, evt.Type, evt.Message)
				}
				fmt.Printf("page %d/%d (%d total)\n", pg.Page, pg.TotalPages, pg.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&since, "since", "", "only events after this ISO-8601 timestamp")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "items per page")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("MAVLINE_JWT_SECRET"),
				AllowAnonymous: allowAnonymous,
			}
			if authCfg.JWTSecret == "" && !allowAnonymous {
				return fmt.Errorf("MAVLINE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Mavline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve without authentication")
	return cmd
}

// terminalConfirmer prompts on stdin for confirmation-tagged steps.
type terminalConfirmer struct {
	autoApprove bool
}

func (c terminalConfirmer) Confirm(ctx context.Context, s domain.Session, st domain.Step) (bool, error) {
	if c.autoApprove {
		fmt.Printf("auto-approving step %s (%s)\n", st.Code, st.Name)
		return true, nil
	}
	fmt.Printf("Step %s (%s) will modify %s. Proceed? [y/N] ", st.Code, st.Name, s.ProjectPath)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closer, err := app.NewEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closer()
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
