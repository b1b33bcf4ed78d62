package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/lifecycle"
	"cadence/internal/migrate"
	"cadence/internal/policy"
	"cadence/internal/repo"
	"cadence/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "cad",
	Short: "Cadence discipline kernel CLI",
	Long: `Cadence schedules recurring actions, detects missed ones, scores adherence and
locks users out when a policy says so.
Core concepts:
- Action definition: a recurring commitment (start time, duration, weekdays).
- Instance: one dated occurrence of a definition; PENDING until logged or missed.
- Cycle: one kernel pass for a user (materialize today, mark expired instances missed,
  emit violations, rescore). Run it directly with 'cad cycle run' or queue it with
  'cad cycle enqueue'.
- Policy: enforcement mode (NONE, SOFT, HARD) plus rules (max_misses, score_threshold,
  lockout_hours). A user's own policy wins over their role's.
- Lockout: HARD users who exceed max_misses in the window are locked until an operator
  unlocks them or the lockout expires; they must acknowledge it afterwards.
- Event log: every kernel event is journaled; view it with 'cad log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(ackCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create cadence.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error { return nil })
			if err != nil {
				return err
			}
			fmt.Printf("Initialized cadence workspace in %s\n", workspace)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing cadence.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			cur, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"version": cur})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect cadence.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cadence.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage enforcement policies"}
	p.AddCommand(policyCreateCmd())
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Scope", "Mode", "Rules"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Scope, it.EnforcementMode, it.RulesJSON})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func policyCreateCmd() *cobra.Command {
	var id, scope, mode, rules string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or replace a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			m, ok := policy.ParseMode(mode)
			if !ok {
				return fmt.Errorf("--mode must be NONE, SOFT or HARD, got %q", mode)
			}
			if rules != "" {
				if _, err := policy.ParseRules([]byte(rules)); err != nil {
					return fmt.Errorf("--rules: %w", err)
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.Policy{ID: id, Scope: scope, EnforcementMode: m, RulesJSON: rules}
				if err := r.UpsertPolicy(ctx, p); err != nil {
					return err
				}
				stored, err := r.GetPolicy(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy id")
	cmd.Flags().StringVar(&scope, "scope", "role", "system, role or user")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeNone), "enforcement mode")
	cmd.Flags().StringVar(&rules, "rules", "", `rules JSON, e.g. {"max_misses":3,"score_threshold":50,"lockout_hours":24}`)
	return cmd
}

func roleCmd() *cobra.Command {
	var id, name, policyID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if name == "" {
				name = id
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				role := domain.Role{ID: id, Name: name, PolicyID: policyID}
				if err := r.InsertRole(ctx, role); err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "role id")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&policyID, "policy", "", "policy applied to members")
	role := &cobra.Command{Use: "role", Short: "Manage roles"}
	role.AddCommand(create)
	return role
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userSetPolicyCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var id, email, roleID, policyID, mode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			m, err := optionalMode(mode)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertUser(ctx, domain.User{ID: id, Email: email, RoleID: roleID, PolicyID: policyID, EnforcementMode: m}); err != nil {
					return err
				}
				u, err := r.GetUser(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	cmd.Flags().StringVar(&policyID, "policy", "", "user-specific policy id")
	cmd.Flags().StringVar(&mode, "mode", "", "enforcement mode override")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Role", "Policy", "Score", "Class", "Locked Until"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.RoleID, u.PolicyID, fmt.Sprintf("%.1f", u.Score), u.Classification, formatOptTime(u.LockedUntil)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a stored user row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userSetPolicyCmd() *cobra.Command {
	var policyID, mode string
	cmd := &cobra.Command{
		Use:   "set-policy <user-id>",
		Short: "Set or clear a user's own policy and mode override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := optionalMode(mode)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateUserPolicy(ctx, args[0], policyID, m); err != nil {
					return err
				}
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&policyID, "policy", "", "policy id (empty clears)")
	cmd.Flags().StringVar(&mode, "mode", "", "mode override (empty clears)")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{Use: "action", Short: "Manage recurring action definitions"}
	a.AddCommand(actionCreateCmd())
	a.AddCommand(actionListCmd())
	a.AddCommand(actionSetActiveCmd("deactivate", false))
	a.AddCommand(actionSetActiveCmd("activate", true))
	return a
}

func actionCreateCmd() *cobra.Command {
	var def domain.ActionDefinition
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a recurring action",
		RunE: func(cmd *cobra.Command, args []string) error {
			if def.UserID == "" || def.Title == "" {
				return fmt.Errorf("--user and --title required")
			}
			if _, err := time.Parse("15:04", def.StartTime); err != nil {
				return fmt.Errorf("--start must be HH:MM: %w", err)
			}
			if def.DurationMinutes <= 0 {
				return fmt.Errorf("--duration must be positive")
			}
			if _, err := lifecycle.ParseFrequency(def.Frequency); err != nil {
				return err
			}
			if def.ID == "" {
				def.ID = uuid.NewString()
			}
			def.Active = true
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, def.UserID); err != nil {
					return fmt.Errorf("user %s: %w", def.UserID, err)
				}
				if err := r.InsertAction(ctx, def); err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().StringVar(&def.ID, "id", "", "action id (default random)")
	cmd.Flags().StringVar(&def.UserID, "user", "", "owning user id")
	cmd.Flags().StringVar(&def.Title, "title", "", "title")
	cmd.Flags().StringVar(&def.StartTime, "start", "09:00", "local start time HH:MM")
	cmd.Flags().IntVar(&def.DurationMinutes, "duration", 60, "window length in minutes")
	cmd.Flags().StringVar(&def.Frequency, "frequency", "daily", "daily, weekdays, weekends or mon,wed,fri")
	cmd.Flags().BoolVar(&def.Strict, "strict", false, "mark as strict")
	return cmd
}

func actionListCmd() *cobra.Command {
	var userID string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's action definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActions(ctx, userID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Start", "Minutes", "Frequency", "Active"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.StartTime, a.DurationMinutes, a.Frequency, a.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&all, "all", false, "include deactivated definitions")
	return cmd
}

func actionSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <action-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an action definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetActionActive(ctx, args[0], active); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": args[0], "active": active})
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	in := &cobra.Command{Use: "instance", Short: "Inspect and log action instances"}
	in.AddCommand(instanceListCmd())
	in.AddCommand(instanceLogCmd())
	return in
}

func instanceListCmd() *cobra.Command {
	var f repo.InstanceFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.InstanceStatus(strings.ToUpper(status))
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Action", "Date", "Start", "End", "Status", "Executed"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ActionID, it.ScheduledDate, formatTime(it.ScheduledStart), formatTime(it.ScheduledEnd), it.Status, formatOptTime(it.ExecutedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&f.FromDate, "from", "", "first scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.ToDate, "to", "", "last scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "PENDING, COMPLETED, LATE or MISSED")
	return cmd
}

func instanceLogCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "log <instance-id>",
		Short: "Record that an instance was performed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			executed := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				executed = t
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.LogExecution(ctx, args[0], executed)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "execution time, RFC3339 (default now)")
	return cmd
}

func exceptionCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exception", Short: "Manage discipline exceptions"}
	ex.AddCommand(exceptionCreateCmd())
	ex.AddCommand(&cobra.Command{
		Use:   "approve <exception-id>",
		Short: "Approve an exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.ApproveException(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": args[0], "approved": true})
			})
		},
	})
	ex.AddCommand(exceptionListCmd())
	return ex
}

func exceptionCreateCmd() *cobra.Command {
	var userID, reason, from, until string
	var approved bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an exception that suspends lockout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || from == "" || until == "" {
				return fmt.Errorf("--user, --from and --until required")
			}
			vf, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			vu, err := time.Parse(time.RFC3339, until)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if vu.Before(vf) {
				return fmt.Errorf("--until must not be before --from")
			}
			e := domain.DisciplineException{ID: uuid.NewString(), UserID: userID, Reason: reason, Approved: approved, ValidFrom: vf, ValidUntil: vu}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertException(ctx, e); err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&from, "from", "", "valid from, RFC3339")
	cmd.Flags().StringVar(&until, "until", "", "valid until, RFC3339")
	cmd.Flags().BoolVar(&approved, "approved", false, "create already approved")
	return cmd
}

func exceptionListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExceptions(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Run or queue kernel cycles"}
	c.AddCommand(&cobra.Command{
		Use:   "run <user-id>",
		Short: "Run one cycle synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Kernel.RunCycle(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "enqueue <user-id>",
		Short: "Queue a cycle for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetUser(ctx, args[0]); err != nil {
					return fmt.Errorf("user %s: %w", args[0], err)
				}
				job, err := a.Queue.Enqueue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	})
	return c
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <user-id>",
		Short: "Show score, drift and lockout state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.State(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("user %s  score %.1f (stored %.1f, weighted %.1f)  %s\n", st.UserID, st.Score, st.StoredScore, st.WeightedScore, st.Classification)
				fmt.Printf("mode %s  locked %t until %s  ack required %t\n", st.EnforcementMode, st.Locked, formatOptTime(st.LockedUntil), st.AcknowledgmentRequired)
				fmt.Printf("completed %d  late %d  missed %d  pressure %.1f\n", st.Tally.Completed, st.Tally.Late, st.Tally.Missed, st.Pressure)
				if len(st.Drift) > 0 {
					tw := newTable(table.Row{"Action", "Negative", "Positive"})
					for _, d := range st.Drift {
						tw.AppendRow(table.Row{d.ActionID, d.Negative, d.Positive})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <user-id>",
		Short: "Clear an active lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Enforcement.Unlock(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user_id": args[0], "unlocked": true})
			})
		},
	}
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <user-id>",
		Short: "Acknowledge a lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Enforcement.Acknowledge(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user_id": args[0], "acknowledged": true})
			})
		},
	}
}

func logCmd() *cobra.Command {
	var n int
	var userID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail journaled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Journal.Tail(ctx, n, userID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "User", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.UserID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&userID, "user", "", "user filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every event the kernel emits: materialized instances, violations, score changes and cycle timings.",
	}
	log.AddCommand(tail)
	return log
}

func jobsCmd() *cobra.Command {
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued cycle jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.List(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "User", "Status", "Attempts", "Run After", "Last Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.UserID, j.Status, j.Attempts, j.RunAfter, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "queued, running, done or dead")
	list.Flags().IntVar(&limit, "limit", 50, "max jobs")
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect the cycle queue"}
	jobs.AddCommand(list)
	return jobs
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API bearer token (CADENCE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles...)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "user id the token acts as")
	issue.Flags().StringSliceVar(&roles, "role", nil, "roles claim (repeatable), e.g. admin")
	token := &cobra.Command{Use: "token", Short: "API tokens"}
	token.AddCommand(issue)
	return token
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func optionalMode(s string) (domain.EnforcementMode, error) {
	if s == "" {
		return "", nil
	}
	m, ok := policy.ParseMode(s)
	if !ok {
		return "", fmt.Errorf("--mode must be NONE, SOFT or HARD, got %q", s)
	}
	return m, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
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
