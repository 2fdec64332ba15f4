package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-cli/internal/audit"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/pipeline"
	"github.com/sells-group/extract-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List, show and correct persisted extraction runs",
}

var (
	runsStatus   string
	runsDocument string
	runsLimit    int
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:     model.Status(runsStatus),
			DocumentID: runsDocument,
			Limit:      runsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list runs")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOCUMENT\tSTATUS\tCOST\tUPDATED")
		for _, r := range runs {
			var costUSD float64
			if r.Result != nil {
				costUSD = r.Result.TotalCost
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\n", r.ID, r.DocumentID, r.Status, costUSD, r.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run's result and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get run")
		}
		records, err := st.ListAuditRecords(ctx, run.DocumentID, 500)
		if err != nil {
			return eris.Wrap(err, "list audit records")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Run   *model.Run          `json:"run"`
			Audit []model.AuditRecord `json:"audit"`
		}{run, records})
	},
}

var (
	correctField  string
	correctValue  string
	correctReason string
)

var runsCorrectCmd = &cobra.Command{
	Use:   "correct <run-id>",
	Short: "Manually correct a field of a finished run",
	Long:  "Replaces a field value, including a locked one, and records a manual_correction audit record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if correctField == "" {
			return eris.New("--field is required")
		}
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get run")
		}
		if run.Result == nil {
			return eris.Errorf("run %s has no result", run.ID)
		}

		sink := audit.NewStoreSink(st, 1)
		merger := pipeline.NewMerger(run.DocumentID, audit.Multi{audit.LogSink{}, sink})
		result := *run.Result
		result.FieldValues = merger.ApplyCorrection(ctx, result.FieldValues, correctField, correctValue, correctReason)

		if err := st.UpdateRunResult(ctx, run.ID, &result); err != nil {
			return eris.Wrap(err, "save corrected run")
		}
		if err := sink.Flush(ctx); err != nil {
			return eris.Wrap(err, "write correction audit record")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s = %q\n", run.ID, correctField, correctValue)
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (SUCCESS, PARTIAL, FAILED, BUDGET_EXCEEDED)")
	runsListCmd.Flags().StringVar(&runsDocument, "document", "", "filter by document id")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "max runs to list")
	runsCorrectCmd.Flags().StringVar(&correctField, "field", "", "field to correct")
	runsCorrectCmd.Flags().StringVar(&correctValue, "value", "", "corrected value")
	runsCorrectCmd.Flags().StringVar(&correctReason, "reason", "", "reason recorded in the audit log")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCorrectCmd)
	rootCmd.AddCommand(runsCmd)
}
