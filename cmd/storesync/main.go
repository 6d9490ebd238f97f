package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appejv/storesync/internal/config"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "storesync",
		Short:         "Offline write queue and optimistic update daemon",
		Long:          `storesync keeps storefront writes made without connectivity and replays them, oldest first, once the data API is reachable again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to config file (.json, .yaml or .toml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newQueueCmd(&configPath))
	root.AddCommand(newTokenCmd(&configPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storesync v%s (built %s)\n", version, buildTime)
		},
	}
}
