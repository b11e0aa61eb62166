package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mediaqd",
		Short:         "Job scheduling and queue orchestration daemon",
		Long:          "mediaqd runs named job queues with bounded concurrency, priority ordering, retries, timeouts, crash-recoverable persistence and deferred scheduling.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to YAML config file")
	root.PersistentFlags().String("log.level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("server.addr", "", "listen address for the HTTP API")

	root.AddCommand(newServeCmd())
	return root
}
