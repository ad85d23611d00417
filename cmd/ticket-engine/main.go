package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:           "ticket-engine",
		Short:         "Ticket issuing and real-time dispatch engine",
		Long:          `ticket-engine issues numbered service tickets, dispatches them to counters and streams every change to displays.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional config file; environment variables take precedence")

	rootCmd.AddCommand(
		newServeCommand(&configFile),
		newMigrateCommand(&configFile),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
