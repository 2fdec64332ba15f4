package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/model"
	"github.com/sells-group/extract-cli/internal/pipeline"
	"github.com/sells-group/extract-cli/internal/resilience"
)

var (
	batchLimit       int
	batchOut         string
	batchYes         bool
	batchRetryFailed bool
	batchErrorType   string
)

var batchCmd = &cobra.Command{
	Use:   "batch <path>",
	Short: "Extract fields from a directory, JSON or JSONL file of documents",
	Long: `Extract fields from a directory, JSON or JSONL file of documents.

Documents that end FAILED or BUDGET_EXCEEDED are kept in a dead letter
queue. With --retry-failed no path is read; due dead-lettered documents are
run again instead.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if batchRetryFailed {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if batchRetryFailed {
			return retryFailed(ctx, cmd)
		}

		docs, err := loadDocuments(args[0])
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(docs) > batchLimit {
			docs = docs[:batchLimit]
		}
		if len(docs) == 0 {
			zap.L().Info("no documents found", zap.String("path", args[0]))
			return nil
		}

		env, err := initPipeline(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		var confirmer cost.Confirmer = promptConfirmer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
		if batchYes {
			confirmer = autoConfirm
		}
		est, err := env.Batch.Preflight(ctx, len(docs), confirmer)
		if err != nil {
			return eris.Wrap(err, "preflight")
		}
		zap.L().Info("batch estimate",
			zap.Int("documents", est.BatchSize),
			zap.Float64("estimated_usd", est.Total),
		)

		results := env.Batch.Run(ctx, docs)
		if err := writeResults(batchOut, results); err != nil {
			return err
		}

		finishBatch(ctx, cmd, env, results)
		return nil
	},
}

func retryFailed(ctx context.Context, cmd *cobra.Command) error {
	switch batchErrorType {
	case "", resilience.ErrorTransient, resilience.ErrorPermanent, resilience.ErrorBudget:
	default:
		return eris.Errorf("unknown --error-type %q", batchErrorType)
	}

	env, err := initPipeline(ctx, "batch")
	if err != nil {
		return err
	}
	defer env.Close()

	var confirmer cost.Confirmer = promptConfirmer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
	if batchYes {
		confirmer = autoConfirm
	}
	results, err := env.Batch.RetryDeadLetters(ctx, resilience.DLQFilter{ErrorType: batchErrorType, Limit: batchLimit}, confirmer)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no dead-lettered documents are due")
		return nil
	}
	if err := writeResults(batchOut, results); err != nil {
		return err
	}
	finishBatch(ctx, cmd, env, results)
	return nil
}

func finishBatch(ctx context.Context, cmd *cobra.Command, env *pipelineEnv, results []*model.PipelineResult) {
	printSummary(cmd.ErrOrStderr(), pipeline.Summarize(results))
	depth, err := env.Store.CountDLQ(context.WithoutCancel(ctx))
	if err != nil {
		zap.L().Warn("count dead letters", zap.Error(err))
		return
	}
	if depth > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d documents in the dead letter queue; rerun with --retry-failed\n", depth)
	}
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	batchCmd.Flags().StringVar(&batchOut, "out", "", "write results as JSONL to this file (default stdout)")
	batchCmd.Flags().BoolVar(&batchYes, "yes", false, "skip the cost confirmation prompt")
	batchCmd.Flags().BoolVar(&batchRetryFailed, "retry-failed", false, "rerun due documents from the dead letter queue instead of reading a path")
	batchCmd.Flags().StringVar(&batchErrorType, "error-type", "", "with --retry-failed, only retry transient, permanent or budget failures")
	rootCmd.AddCommand(batchCmd)
}

func writeResults(path string, results []*model.PipelineResult) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "create %s", path)
		}
		defer f.Close() //nolint:errcheck
		out = f
	}
	enc := json.NewEncoder(out)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "encode result")
		}
	}
	return nil
}

func printSummary(w io.Writer, s pipeline.Summary) {
	fmt.Fprintf(w, "%s %s %s %s total $%.4f\n",
		statusColor(model.StatusSuccess).Sprintf("%d succeeded", s.Succeeded),
		statusColor(model.StatusPartial).Sprintf("%d partial", s.Partial),
		statusColor(model.StatusFailed).Sprintf("%d failed", s.Failed),
		statusColor(model.StatusBudgetExceeded).Sprintf("%d skipped", s.Skipped),
		s.TotalCost,
	)
}
