package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build information. Populated at build-time via -ldflags.
var (
	BuildVersion = "dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

var shortVersion bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		if shortVersion {
			fmt.Println(BuildVersion)
			return
		}
		fmt.Printf("ferry version %s\n", BuildVersion)
		fmt.Printf("  commit: %s\n", BuildCommit)
		fmt.Printf("  built:  %s\n", BuildDate)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&shortVersion, "short", false, "print only the version number")
	rootCmd.AddCommand(versionCmd)
}
