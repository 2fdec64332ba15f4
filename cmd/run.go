package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
)

var (
	runID   string
	runText string
	runYes  bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Extract fields from a single document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		doc, err := singleDocument(args)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		var confirmer cost.Confirmer = promptConfirmer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
		if runYes {
			confirmer = autoConfirm
		}
		if _, err := env.Batch.Preflight(ctx, 1, confirmer); err != nil {
			return eris.Wrap(err, "preflight")
		}

		result, err := env.Pipeline.Run(ctx, doc)
		if err != nil {
			return eris.Wrap(err, "run pipeline")
		}
		return writeResult(cmd.OutOrStdout(), result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runID, "id", "", "document id (default: file stem)")
	runCmd.Flags().StringVar(&runText, "text", "", "document text, instead of a file")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "skip the cost confirmation prompt")
	rootCmd.AddCommand(runCmd)
}

func singleDocument(args []string) (model.Document, error) {
	var doc model.Document
	switch {
	case runText != "":
		doc = model.Document{ID: "inline", Text: runText}
	case len(args) == 1:
		docs, err := loadDocuments(args[0])
		if err != nil {
			return doc, err
		}
		if len(docs) != 1 {
			return doc, eris.Errorf("%s holds %d documents; use batch", args[0], len(docs))
		}
		doc = docs[0]
	default:
		return doc, eris.New("a document file or --text is required")
	}
	if runID != "" {
		doc.ID = runID
	}
	return doc, nil
}

func writeResult(w io.Writer, result *model.PipelineResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return eris.Wrap(err, "encode result")
	}
	statusColor(result.Status).Fprintf(os.Stderr, "%s: %s in %d iteration(s), $%.4f\n", //nolint:errcheck
		result.DocumentID, result.Status, len(result.IterationHistory), result.TotalCost)
	if len(result.UnresolvedFields) > 0 {
		fmt.Fprintf(os.Stderr, "unresolved: %v\n", result.UnresolvedFields)
	}
	return nil
}
