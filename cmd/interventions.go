package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/model"
)

var interventionsLimit int

var interventionsCmd = &cobra.Command{
	Use:   "interventions",
	Short: "Inspect and resolve paused documents",
}

var interventionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents paused for human review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		docs, err := st.ListByStatus(ctx, model.StatusPausedIntervention, interventionsLimit)
		if err != nil {
			return eris.Wrap(err, "list interventions")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	},
}

var interventionsResolveCmd = &cobra.Command{
	Use:   "resolve <document-id> <provider-id>",
	Short: "Link a paused document to a provider and re-queue it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		docID, providerID := args[0], args[1]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.GetProvider(ctx, providerID); err != nil {
			return eris.Wrapf(err, "provider %s", providerID)
		}
		if err := st.ResolveIntervention(ctx, docID, providerID); err != nil {
			return eris.Wrapf(err, "resolve intervention %s", docID)
		}

		zap.L().Info("intervention resolved",
			zap.String("document_id", docID),
			zap.String("provider_id", providerID),
		)
		return nil
	},
}

var interventionsRequeueCmd = &cobra.Command{
	Use:   "requeue <document-id>",
	Short: "Re-queue a failed or paused document without linking a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		docID := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := requeueDocument(ctx, st, docID); err != nil {
			return eris.Wrapf(err, "requeue %s", docID)
		}

		zap.L().Info("document requeued", zap.String("document_id", docID))
		return nil
	},
}

func init() {
	interventionsListCmd.Flags().IntVar(&interventionsLimit, "limit", 100, "maximum rows to list")
	interventionsCmd.AddCommand(interventionsListCmd)
	interventionsCmd.AddCommand(interventionsResolveCmd)
	interventionsCmd.AddCommand(interventionsRequeueCmd)
	rootCmd.AddCommand(interventionsCmd)
}
