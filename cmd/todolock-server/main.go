package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-todolock/v1/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "todolock-server",
		Short: "Todo API with per-item edit leases",
		Long: `todolock-server serves a todo list where editing an item grants the
session a time-bounded exclusive lease. Lock transitions and item changes
are streamed to clients over SSE or WebSocket and, optionally, relayed to
peer nodes over NATS, Redis or Kafka.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); TODOLOCK_* variables override it")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", *cfg)
			return nil
		},
	})
	return root
}
