package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "genqueue",
	Short: "genqueue queues image and video generation jobs on fal.ai",
	Long: `genqueue accepts image and video generation tasks, runs a bounded number
of them at a time against the fal.ai queue API and tracks each one until the
backend reports a result. Without a subcommand it runs the HTTP server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
}
