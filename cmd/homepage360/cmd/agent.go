package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/homepage360/agent"
)

var (
	agentConfigPath string
	agentOnce       bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the network monitoring agent",
	Long: `Probes the configured targets and reports their status to the server's
/api/status endpoint, signed with the shared API key. The key may be set in
the config file or via AGENT_API_KEY.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.json"
	}
	agentCmd.Flags().StringVarP(&agentConfigPath, "config", "c", defaultPath, "Path to the agent config (.yaml, .yml or .json)")
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "Run a single check and exit")
}

func runAgent(cmd *cobra.Command, args []string) error {
	defer memguard.Purge()

	cfg, err := agent.LoadConfig(agentConfigPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := agent.New(cfg, agent.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if agentOnce {
		_, err := a.CheckOnce(ctx)
		return err
	}
	printBanner(os.Stdout, "Network Agent")
	return a.Run(ctx)
}
