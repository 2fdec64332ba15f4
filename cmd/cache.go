package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/registry"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the persisted field cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts by tier and schema version",
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

		stats, err := st.CacheStats(ctx)
		if err != nil {
			return eris.Wrap(err, "cache stats")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var (
	purgeSchemaVersion int
	purgePolicyVersion int
)

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cache entries from other schema or policy versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}

		schemaVersion, policyVersion := purgeSchemaVersion, purgePolicyVersion
		if schemaVersion <= 0 {
			fields, err := registry.LoadSchemaFile(cfg.Schema.Path)
			if err != nil {
				return eris.Wrap(err, "load schema (or pass --schema-version)")
			}
			schemaVersion = fields.Version
			if !cmd.Flags().Changed("policy-version") {
				policyVersion = fields.PolicyVersion
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.PurgeStaleCache(ctx, schemaVersion, policyVersion)
		if err != nil {
			return eris.Wrap(err, "purge cache")
		}
		zap.L().Info("cache purged",
			zap.Int("deleted", n),
			zap.Int("schema_version", schemaVersion),
			zap.Int("policy_version", policyVersion),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d stale entries\n", n)
		return nil
	},
}

func init() {
	cachePurgeCmd.Flags().IntVar(&purgeSchemaVersion, "schema-version", 0, "schema version to keep (default: from schema file)")
	cachePurgeCmd.Flags().IntVar(&purgePolicyVersion, "policy-version", 0, "policy version to keep (default: from schema file)")
	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
