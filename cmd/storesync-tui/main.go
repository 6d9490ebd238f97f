package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		apiURL   string
		token    string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:          "storesync-tui",
		Short:        "Terminal monitor for a running storesync daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			if token == "" {
				token = os.Getenv("STORESYNC_TOKEN")
			}
			p := tea.NewProgram(newModel(newAPIClient(apiURL, token), interval), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8430", "storesync API URL")
	cmd.Flags().StringVar(&token, "token", "", "API token (defaults to $STORESYNC_TOKEN)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
