// Package cli wires configuration, persistence, and the coordinator into
// the loom command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
)

// NewRootCmd builds the loom command tree.
func NewRootCmd(version string) *cobra.Command {
	var globalConfigPath, projectConfigPath string

	cmd := &cobra.Command{
		Use:          "loom",
		Short:        "loom: parallel agent coordination over a task graph",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&globalConfigPath, "global-config", "", "Override global config path (default: ~/.loom/config.json)")
	cmd.PersistentFlags().StringVar(&projectConfigPath, "project-config", "", "Override project config path (default: .loom/config.json)")

	loadConfig := func() (*config.LoomConfig, error) {
		if globalConfigPath == "" && projectConfigPath == "" {
			return config.LoadDefault()
		}
		return config.Load(globalConfigPath, projectConfigPath)
	}

	cmd.AddCommand(newRunCmd(loadConfig))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newReportCmd(loadConfig))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

type configLoader func() (*config.LoomConfig, error)
