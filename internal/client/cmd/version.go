package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"signage-core/internal/version"
)

// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Show detailed version information including build time and git commit.

Example:
  signage-display version`,
	Run: runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Signage Display %s\n", version.GetVersion())
	fmt.Fprintf(out, "User-Agent: %s\n", version.UserAgent("display"))
	fmt.Fprintln(out)
}
