package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "homepage360",
	Short: "Homepage360 is a self-hosted dashboard with network monitoring",
	Long: `A self-hosted start page that shows the reachability of devices on your
network. The server authenticates dashboard users with sessions and accepts
signed status reports from one or more monitoring agents.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
