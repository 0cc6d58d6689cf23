package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/taskgraph"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tasks.yaml>",
		Short: "Check a task file for cycles, unresolved dependencies, and malformed entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := config.LoadTasks(args[0])
			if err != nil {
				return err
			}
			graph, err := taskgraph.Load(config.Tasks(defs))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, group := range graph.Groups() {
				ids := make([]string, len(group))
				for j, task := range group {
					ids[j] = task.ID
				}
				fmt.Fprintf(out, "group %d: %s\n", i+1, strings.Join(ids, ", "))
			}
			fmt.Fprintf(out, "ok: %d tasks, %d dispatch groups\n", graph.Len(), len(graph.Groups()))
			return nil
		},
	}
}
