package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/merge"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/taskgraph"
	"github.com/loomhq/loom/internal/tui"
	"github.com/loomhq/loom/internal/workspace"
)

func newRunCmd(loadConfig configLoader) *cobra.Command {
	var (
		noTUI     bool
		verbose   bool
		maxAgents int
	)

	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Execute a task graph with parallel agents and merge the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxAgents > 0 {
				cfg.Run.MaxAgents = maxAgents
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger, closeLog, err := logging.Init(logging.Options{
				Level:   level,
				LogFile: cfg.LogFile,
				Quiet:   !noTUI,
			})
			if err != nil {
				return err
			}
			defer closeLog()

			return runTasks(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], logger, noTUI)
		},
	}

	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Disable the status monitor; log to stderr instead")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "Override the concurrent agent limit")

	return cmd
}

func runTasks(ctx context.Context, out io.Writer, cfg *config.LoomConfig, tasksPath string, logger *slog.Logger, noTUI bool) error {
	defs, err := config.LoadTasks(tasksPath)
	if err != nil {
		return err
	}
	// Cycles and unresolved dependencies are fatal before any dispatch.
	graph, err := taskgraph.Load(config.Tasks(defs))
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := uuid.NewString()
	mem := memory.NewStore(store.Journal(runID), logger)

	mgr := workspace.NewManager(workspace.Config{
		BaseDir:     cfg.Workspace.BaseDir,
		WorktreeDir: cfg.Workspace.WorktreeDir,
		RepoPath:    cfg.Workspace.RepoPath,
		BaseBranch:  cfg.Workspace.BaseBranch,
	}, logger)

	bus := events.NewBus()
	engine := merge.NewEngine(mgr, bus, logger)
	breakers := agent.NewBreakerRegistry(logger)
	retry := agent.DefaultRetryPolicy()

	invokerKeys := make(map[string]string, len(defs))
	for _, def := range defs {
		invokerKeys[def.Task.ID] = def.Invoker
	}
	factory := func(task *taskgraph.Task) (*agent.Unit, error) {
		key := invokerKeys[task.ID]
		if key == "" {
			key = cfg.DefaultInvoker
		}
		ic, ok := cfg.Invokers[key]
		if !ok {
			return nil, fmt.Errorf("unknown invoker %q for task %q", key, task.ID)
		}
		inv := &agent.CommandInvoker{Command: ic.Command, Args: ic.Args}
		return agent.NewUnit(inv, mem, bus, breakers.Get(key), retry, logger), nil
	}

	coord := coordinator.New(coordinator.Config{
		RunID:        runID,
		MaxAgents:    cfg.Run.MaxAgents,
		PollInterval: time.Duration(cfg.Run.PollInterval),
		IdleTimeout:  time.Duration(cfg.Run.IdleTimeout),
	}, graph, mgr, engine, bus, factory, logger)

	var prog *tea.Program
	monitorDone := make(chan struct{})
	if !noTUI {
		prog = tea.NewProgram(tui.New(bus), tea.WithContext(ctx))
		go func() {
			defer close(monitorDone)
			if _, err := prog.Run(); err != nil {
				logger.Warn("status monitor exited", "error", err)
			}
		}()
	} else {
		close(monitorDone)
	}

	report, runErr := coord.Schedule(ctx)

	bus.Close()
	if prog != nil {
		prog.Quit()
		<-monitorDone
	}

	// Persist the report even for cancelled or failed runs.
	if err := store.SaveRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Error("saving run report", "error", err)
	}

	printReport(out, report)

	if runErr != nil {
		return runErr
	}
	if !report.Success() {
		if report.Failed == 0 && report.Blocked == 0 {
			return fmt.Errorf("run %s finished with merge conflicts requiring manual resolution", report.RunID)
		}
		return fmt.Errorf("run %s finished with %d failed, %d blocked tasks", report.RunID, report.Failed, report.Blocked)
	}
	return nil
}
