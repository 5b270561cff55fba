package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <document-id>",
	Short: "Run the ingestion workflow for a single document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		docID := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		token, err := env.locks.Acquire(ctx, docID, cfg.Scheduler.LockTTL())
		if err != nil {
			return eris.Wrapf(err, "acquire lock for %s", docID)
		}
		defer func() {
			if err := env.locks.Release(ctx, docID, token); err != nil {
				zap.L().Warn("release lock", zap.Error(err))
			}
		}()

		executionID := uuid.New().String()
		if err := env.store.MarkInProgress(ctx, docID, executionID); err != nil {
			return eris.Wrapf(err, "claim document %s", docID)
		}

		doc, err := env.store.GetDocument(ctx, docID)
		if err != nil {
			return eris.Wrapf(err, "load document %s", docID)
		}

		if err := env.orch.Execute(ctx, doc, executionID); err != nil {
			return err
		}

		final, err := env.store.GetDocument(ctx, docID)
		if err != nil {
			return eris.Wrapf(err, "reload document %s", docID)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
