package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker loop",
	Long:  "Polls for eligible documents, claims each under its execution lock, and runs the ingestion workflow until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("worker starting", zap.String("store", cfg.Store.Driver))
		return env.scheduler.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
