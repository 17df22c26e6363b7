package cmd

import (
	"fmt"

	"github.com/greenday-app/leafdx/internal/version"
	"github.com/spf13/cobra"
)

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, commit, date := version.Info()
		fmt.Fprintf(cmd.OutOrStdout(), "leafdx %s (commit: %s, built: %s)\n", v, commit, date)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
