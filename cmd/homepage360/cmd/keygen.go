package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/homepage360/internal/util"
)

var keygenBytes int

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random agent API key",
	Long: `Prints a random hex key for MONITOR_API_KEY on the server and
AGENT_API_KEY on the agent. The same key authenticates and signs reports.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenBytes < 16 {
			return fmt.Errorf("--bytes must be at least 16, got %d", keygenBytes)
		}
		key, err := util.RandomHex(keygenBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntVar(&keygenBytes, "bytes", 32, "Number of random bytes")
}
