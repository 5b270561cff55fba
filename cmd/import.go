package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/model"
)

var importFilePath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import scraped documents from a JSONL file",
	Long:  "Reads one document per line (source, source_url, raw_content, scraped_at) and inserts them as pending work.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(importFilePath)
		if err != nil {
			return eris.Wrap(err, "open import file")
		}
		defer f.Close()

		var docs []model.ScrapedDocument
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var doc model.ScrapedDocument
			if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
				return eris.Wrapf(err, "parse line %d", line)
			}
			if doc.Source == "" {
				return eris.Errorf("line %d: source is required", line)
			}
			docs = append(docs, doc)
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "read import file")
		}
		if len(docs) == 0 {
			return eris.New("no documents in import file")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		n, err := st.BulkInsertDocuments(ctx, docs)
		if err != nil {
			return eris.Wrap(err, "bulk insert")
		}

		zap.L().Info("import complete",
			zap.Int64("inserted", n),
			zap.String("file", importFilePath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFilePath, "file", "", "path to JSONL file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
