package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"upnext/backend"
	"upnext/backend/postgres"
	"upnext/backend/sqlite"
	"upnext/internal/config"
	"upnext/internal/credentials"
	"upnext/internal/shutdown"
	"upnext/internal/utils"
	"upnext/queue"
)

// Version is set at build time
var Version = "dev"

// Config holds CLI-level overrides, mostly for testing.
type Config struct {
	ConfigPath string
	Owner      string
	Backend    string
	Verbose    bool
	DBPath     string // Path to database file (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewUpNext(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewUpNext creates the root command with injectable IO
func NewUpNext(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "upnext",
		Short:   "A strictly ordered personal task queue",
		Long:    "upnext keeps your active tasks in a dense 1..N order, synchronized across devices.",
		Version: Version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Bare invocation shows the queue, like 'upnext next'.
			return runNext(cmd, cfg, stdout)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Path to config file")
	cmd.PersistentFlags().StringVarP(&cfg.Owner, "owner", "o", cfg.Owner, "Owner id (overrides config)")
	cmd.PersistentFlags().StringVarP(&cfg.Backend, "backend", "b", cfg.Backend, "Backend to use (sqlite or postgres)")
	cmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "V", cfg.Verbose, "Enable verbose/debug output")

	cmd.AddCommand(newNextCmd(stdout, cfg))
	cmd.AddCommand(newAddCmd(stdout, cfg))
	cmd.AddCommand(newDoneCmd(stdout, cfg))
	cmd.AddCommand(newRmCmd(stdout, cfg))
	cmd.AddCommand(newDeferCmd(stdout, cfg))
	cmd.AddCommand(newMoveCmd(stdout, cfg))
	cmd.AddCommand(newWatchCmd(stdout, cfg))
	cmd.AddCommand(newSetupCmd(stdout, stderr, cfg))

	return cmd
}

// env bundles the wired store, feed, and controller for one command
// invocation.
type env struct {
	appCfg *config.Config
	store  backend.Store
	feed   backend.Feed
	ctrl   *queue.Controller
	owner  string
}

func (e *env) close() {
	_ = e.ctrl.Close()
	_ = e.store.Close()
}

// newEnv loads configuration, connects the selected backend, and
// starts a controller bound to the owner. requireOwner rejects
// ownerless invocations for mutating commands.
func newEnv(ctx context.Context, cfg *Config, requireOwner bool) (*env, error) {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath != "" {
		appCfg.DefaultBackend = "sqlite"
		appCfg.Backends.SQLite.Enabled = true
		appCfg.Backends.SQLite.Path = cfg.DBPath
	}
	if cfg.Backend != "" {
		appCfg.DefaultBackend = cfg.Backend
	}
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}

	utils.SetVerboseMode(cfg.Verbose || appCfg.IsVerbose())

	owner := cfg.Owner
	if owner == "" {
		owner = appCfg.OwnerID
	}
	if owner == "" && requireOwner {
		return nil, utils.ErrNoOwnerConfigured()
	}

	var store backend.Store
	var feed backend.Feed
	switch appCfg.DefaultBackend {
	case "sqlite":
		s, err := sqlite.New(appCfg.GetDatabasePath(), sqlite.WithRetryPolicy(appCfg.RetryPolicy()))
		if err != nil {
			return nil, err
		}
		store, feed = s, s.Bus()
	case "postgres":
		dsn, err := postgresDSN(ctx, appCfg)
		if err != nil {
			return nil, err
		}
		s, err := postgres.New(ctx, dsn, postgres.WithRetryPolicy(appCfg.RetryPolicy()))
		if err != nil {
			return nil, utils.ErrBackendOffline("postgres", err.Error())
		}
		if err := s.EnsureSchema(ctx); err != nil {
			utils.Debugf("schema setup skipped: %v", err)
		}
		store, feed = s, s.Feed()
	default:
		return nil, utils.ErrBackendNotConfigured(appCfg.DefaultBackend)
	}

	ctrl := queue.New(store, feed, owner, queue.WithWindow(appCfg.GetWindow()))
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		_ = store.Close()
		if appCfg.DefaultBackend == "postgres" {
			return nil, utils.ErrBackendOffline("postgres", err.Error())
		}
		return nil, err
	}

	return &env{appCfg: appCfg, store: store, feed: feed, ctrl: ctrl, owner: owner}, nil
}

// postgresDSN resolves the connection string, injecting credentials
// from the keyring or environment when a user is configured.
func postgresDSN(ctx context.Context, appCfg *config.Config) (string, error) {
	pg := appCfg.Backends.Postgres
	if pg.User == "" {
		return pg.DSN, nil
	}

	mgr := credentials.NewManager()
	info, err := mgr.Get(ctx, "postgres", pg.User)
	if err != nil {
		return "", err
	}
	if !info.Found {
		return "", utils.ErrCredentialsNotFound("postgres", pg.User)
	}

	u, err := url.Parse(pg.DSN)
	if err != nil {
		return "", fmt.Errorf("invalid postgres dsn: %w", err)
	}
	u.User = url.UserPassword(pg.User, info.Password)
	return u.String(), nil
}

// printWindow renders the visible window, one task per line.
func printWindow(w io.Writer, ctrl *queue.Controller) {
	window := ctrl.Window()
	if len(window) == 0 {
		_, _ = fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, t := range window {
		line := fmt.Sprintf("%d. %s", t.Position, t.Title)
		if t.Priority != backend.PriorityMedium && t.Priority != "" {
			line += fmt.Sprintf(" [%s]", t.Priority)
		}
		if t.Due != nil {
			line += fmt.Sprintf(" (due %s)", t.Due.Format("2006-01-02"))
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if rest := ctrl.Len() - len(window); rest > 0 {
		_, _ = fmt.Fprintf(w, "... and %d more\n", rest)
	}
}

// newNextCmd creates the 'next' subcommand showing the visible window.
func newNextCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the visible window of the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNext(cmd, cfg, stdout)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func runNext(cmd *cobra.Command, cfg *Config, stdout io.Writer) error {
	e, err := newEnv(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer e.close()

	printWindow(stdout, e.ctrl)
	return e.ctrl.Err()
}

// newAddCmd creates the 'add' subcommand enqueueing one draft per
// argument.
func newAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	var desc, priority, state, due string

	cmd := &cobra.Command{
		Use:   "add <title> [title...]",
		Short: "Enqueue tasks at the tail of the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer e.close()

			var p backend.Priority
			if priority != "" {
				if p, err = utils.ValidatePriority(priority); err != nil {
					return err
				}
			}
			var st backend.TaskState
			if state != "" {
				if st, err = utils.ValidateState(state); err != nil {
					return err
				}
			}
			dueAt, err := utils.ParseDateFlag(due)
			if err != nil {
				return err
			}

			drafts := make([]backend.TaskDraft, len(args))
			for i, title := range args {
				drafts[i] = backend.TaskDraft{
					Title:       title,
					Description: desc,
					Priority:    p,
					State:       st,
					Due:         dueAt,
				}
			}

			inserted, err := e.ctrl.Enqueue(cmd.Context(), drafts)
			if err != nil {
				return err
			}
			if len(inserted) == 0 {
				return utils.ErrEmptyTitle()
			}
			for _, t := range inserted {
				_, _ = fmt.Fprintf(stdout, "Added %q at position %d\n", t.Title, t.Position)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&desc, "desc", "d", "", "Task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Task priority (low, medium, high, urgent)")
	cmd.Flags().StringVarP(&state, "state", "s", "", "Initial state (backlog, todo, in_progress, blocked)")
	cmd.Flags().StringVar(&due, "due", "", "Due date (YYYY-MM-DD, today, tomorrow, +7d, ...)")
	return cmd
}

// resolveTask finds the task named by an id or a position number in
// the active queue.
func resolveTask(ctrl *queue.Controller, arg string) (*backend.Task, error) {
	tasks := ctrl.Tasks()
	if t := backend.FindTaskByID(tasks, arg); t != nil {
		return t, nil
	}
	if pos, err := strconv.Atoi(arg); err == nil {
		for i := range tasks {
			if tasks[i].Position == pos {
				return &tasks[i], nil
			}
		}
	}
	return nil, utils.ErrTaskNotFound(arg)
}

// newDoneCmd creates the 'done' subcommand.
func newDoneCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id|position>",
		Short: "Complete a task and close its position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer e.close()

			t, err := resolveTask(e.ctrl, args[0])
			if err != nil {
				return err
			}
			if err := e.ctrl.Complete(cmd.Context(), t.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Done: %s\n", t.Title)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newRmCmd creates the 'rm' subcommand.
func newRmCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id|position>",
		Short: "Delete a task from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer e.close()

			t, err := resolveTask(e.ctrl, args[0])
			if err != nil {
				return err
			}
			if err := e.ctrl.Delete(cmd.Context(), t.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Removed: %s\n", t.Title)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newDeferCmd creates the 'defer' subcommand.
func newDeferCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "defer <id|position>",
		Short: "Send a task to the tail of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer e.close()

			t, err := resolveTask(e.ctrl, args[0])
			if err != nil {
				return err
			}
			if err := e.ctrl.Deprioritize(cmd.Context(), t.ID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Deferred: %s\n", t.Title)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newMoveCmd creates the 'move' subcommand.
func newMoveCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id|position> <to-position>",
		Short: "Move a task to a new position in the queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer e.close()

			t, err := resolveTask(e.ctrl, args[0])
			if err != nil {
				return err
			}
			toPos, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position: %s", args[1])
			}

			// Positions are 1-based for the user; the move index is
			// zero-based and clamped.
			move := backend.QueueMove{TaskID: t.ID, ToIndex: toPos - 1}
			if err := e.ctrl.Move(cmd.Context(), move); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Moved %q to position %d\n", t.Title, toPos)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newWatchCmd creates the 'watch' subcommand: a live view that
// re-renders the window as feed events arrive, until interrupted.
func newWatchCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the queue live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}

			mgr := shutdown.NewManager()
			mgr.ListenSignals()
			mgr.RegisterCleanup("queue", func(ctx context.Context) error {
				e.close()
				return nil
			})

			printWindow(stdout, e.ctrl)

			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()

			last := renderWindow(e.ctrl)
			for {
				select {
				case <-mgr.Context().Done():
					waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return mgr.Wait(waitCtx)
				case <-ticker.C:
					if current := renderWindow(e.ctrl); current != last {
						last = current
						_, _ = fmt.Fprintln(stdout)
						printWindow(stdout, e.ctrl)
					}
				}
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// renderWindow produces a comparable rendering of the current window.
func renderWindow(ctrl *queue.Controller) string {
	out := ""
	for _, t := range ctrl.Window() {
		out += fmt.Sprintf("%d:%s:%s\n", t.Position, t.ID, t.Title)
	}
	return out
}

// newSetupCmd creates the 'setup' subcommand for storing backend
// credentials in the system keyring.
func newSetupCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "setup <backend>",
		Short: "Store backend credentials in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if name != "postgres" {
				return utils.ErrBackendNotConfigured(name)
			}

			appCfg, err := config.Load(cfg.ConfigPath)
			if err != nil {
				return err
			}
			user := appCfg.Backends.Postgres.User
			if user == "" {
				return utils.ErrBackendNotConfigured("postgres")
			}

			password, err := credentials.PromptPassword(os.Stdin, stderr, name, user)
			if err != nil {
				return err
			}

			mgr := credentials.NewManager()
			if err := mgr.Set(cmd.Context(), name, user, password); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Stored credentials for %s user %s\n", name, user)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
