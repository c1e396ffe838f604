package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "spiralmem %s (commit: %s, built: %s, %s)\n",
			Version, Commit, BuildDate, runtime.Version())
	},
}

// VersionString is the short version reported by the health endpoint.
func VersionString() string {
	return Version + " (" + Commit + ")"
}
