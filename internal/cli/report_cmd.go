package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/coordinator"
	"github.com/loomhq/loom/internal/merge"
	"github.com/loomhq/loom/internal/persistence"
)

func newReportCmd(loadConfig configLoader) *cobra.Command {
	var (
		runID       string
		asJSON      bool
		discoveries bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the latest run report, or a specific run by ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var report *coordinator.RunReport
			if runID != "" {
				report, err = store.GetRun(ctx, runID)
			} else {
				report, err = store.LatestRun(ctx)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}

			if discoveries {
				entries, err := store.Discoveries(ctx, report.RunID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\ndiscoveries (%d):\n", len(entries))
				for _, d := range entries {
					fmt.Fprintf(out, "  %s  %-24s by %s\n", d.Timestamp.Format("15:04:05"), d.Key, d.AgentID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run ID to show (default: latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")
	cmd.Flags().BoolVar(&discoveries, "discoveries", false, "Include the shared-memory audit trail")

	return cmd
}

// printReport writes the human-readable run summary.
func printReport(out io.Writer, report *coordinator.RunReport) {
	fmt.Fprintf(out, "run %s (%s)\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(10*time.Millisecond))
	for _, tr := range report.Tasks {
		line := fmt.Sprintf("  %-10s %s", tr.State, tr.ID)
		switch {
		case tr.BlockedBy != "":
			line += "  (blocked by " + tr.BlockedBy + ")"
		case tr.Error != "":
			line += "  (" + tr.Error + ")"
		case len(tr.Artifacts) > 0:
			line += fmt.Sprintf("  (%d files)", len(tr.Artifacts))
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "%d completed, %d failed, %d blocked\n", report.Completed, report.Failed, report.Blocked)

	if report.Merge == nil || len(report.Merge.Results) == 0 {
		return
	}
	fmt.Fprintf(out, "merge: %d clean, %d conflicted\n", report.Merge.Clean, report.Merge.Conflicted)
	for _, res := range report.Merge.Results {
		if res.Outcome != merge.OutcomeConflict {
			continue
		}
		paths := make([]string, len(res.Conflicts))
		for i, c := range res.Conflicts {
			paths[i] = c.Path
		}
		fmt.Fprintf(out, "  conflict %s: %s\n", res.TaskID, strings.Join(paths, ", "))
	}
	if report.Merge.NeedsManualResolution {
		fmt.Fprintln(out, "manual resolution required before the merged tree can be applied")
	}
}
