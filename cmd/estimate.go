package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/registry"
)

var (
	estimateCount int
	estimateJSON  bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate [path]",
	Short: "Estimate the cost of a batch without running it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("estimate"); err != nil {
			return err
		}

		n := estimateCount
		if len(args) == 1 {
			docs, err := loadDocuments(args[0])
			if err != nil {
				return err
			}
			n = len(docs)
		}
		if n <= 0 {
			return eris.New("a document path or --count > 0 is required")
		}

		fields, err := registry.LoadSchemaFile(cfg.Schema.Path)
		if err != nil {
			return eris.Wrap(err, "load schema")
		}
		est := cost.EstimateBatch(n, fields, cost.TableFromConfig(cfg.Pricing.Tiers), cfg.Cost.EscalationProbability)

		if estimateJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(est)
		}
		printEstimate(cmd.OutOrStdout(), est)
		return nil
	},
}

func init() {
	estimateCmd.Flags().IntVar(&estimateCount, "count", 0, "number of documents to estimate for")
	estimateCmd.Flags().BoolVar(&estimateJSON, "json", false, "print the estimate as JSON")
	rootCmd.AddCommand(estimateCmd)
}
