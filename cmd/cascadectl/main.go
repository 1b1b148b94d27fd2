// Command cascadectl is the operator-facing entrypoint: sync schema, sync
// pipeline, validate fk, and search, wired with cobra the way the rest of
// this retrieval pack's CLIs (steveyegge-beads, theRebelliousNerd-codenerd)
// structure a multi-verb command tree, rather than the teacher's own
// single-purpose service binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cascadeql/sync-engine/internal/cascade"
	"github.com/cascadeql/sync-engine/internal/config"
	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/logging"
	"github.com/cascadeql/sync-engine/internal/query"
	"github.com/cascadeql/sync-engine/internal/validator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cascadectl: load config: %v\n", err)
		return cqerrors.ExitInternal
	}
	log := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix,
	})

	app, err := wireApp(cfg, log.Component("cascadectl"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cascadectl: %v\n", err)
		return cqerrors.ExitInternal
	}

	root := &cobra.Command{
		Use:   "cascadectl",
		Short: "metadata-aware ERP-to-vector synchronization and query engine",
	}
	root.AddCommand(newSyncCmd(app), newValidateCmd(app), newSearchCmd(app))

	if err := root.Execute(); err != nil {
		if ce, ok := cqerrors.As(err); ok {
			return ce.ExitCode()
		}
		return cqerrors.ExitInternal
	}
	return cqerrors.ExitOK
}

func newSyncCmd(app *application) *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "run the cascade sync core"}

	var full bool
	var recordIDs []int64
	pipeline := &cobra.Command{
		Use:   "pipeline <model>",
		Short: "sync a model and cascade into its FK targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			syncType := cascade.SyncIncremental
			if full {
				syncType = cascade.SyncFull
			}
			result, err := app.coordinator.SyncModel(context.Background(), args[0], syncType, recordIDs)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	pipeline.Flags().BoolVar(&full, "full", false, "run a full resync instead of incremental")
	pipeline.Flags().Int64SliceVar(&recordIDs, "record-ids", nil, "restrict the origin sync to these record ids")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "print the currently loaded schema registry",
		RunE: func(c *cobra.Command, args []string) error {
			return printJSON(app.registry.ModelNames())
		},
	}

	cmd.AddCommand(pipeline, schemaCmd)
	return cmd
}

func newValidateCmd(app *application) *cobra.Command {
	cmd := &cobra.Command{Use: "validate", Short: "run the FK validation and reconciliation core"}

	var fix, storeOrphans, bidirectional, extractPatterns, trackHistory, autoSync bool
	fk := &cobra.Command{
		Use:   "fk <model>",
		Short: "validate FK consistency for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			report, err := app.validator.ValidateModel(context.Background(), args[0], validator.Options{
				Fix:             fix,
				StoreOrphans:    storeOrphans,
				Bidirectional:   bidirectional,
				ExtractPatterns: extractPatterns,
				TrackHistory:    trackHistory,
				AutoSync:        autoSync,
			})
			if err != nil {
				return err
			}
			if report.Classification != validator.ClassificationConsistent {
				defer func() { os.Exit(cqerrors.ExitValidationFail) }()
			}
			return printJSON(report)
		},
	}
	fk.Flags().BoolVar(&fix, "fix", false, "auto-heal drifted graph edges")
	fk.Flags().BoolVar(&storeOrphans, "store-orphans", false, "persist orphan count, integrity score, and samples onto the edge")
	fk.Flags().BoolVar(&bidirectional, "bidirectional", false, "check forward (graph-vs-actual) and reverse (orphan) consistency")
	fk.Flags().BoolVar(&extractPatterns, "extract-patterns", false, "refresh cardinality classification from observed references")
	fk.Flags().BoolVar(&trackHistory, "track-history", false, "append this run's integrity score to the edge's rolling history")
	fk.Flags().BoolVar(&autoSync, "auto-sync", false, "cascade-sync orphaned FK targets instead of only reporting them")
	cmd.AddCommand(fk)
	return cmd
}

func newSearchCmd(app *application) *cobra.Command {
	var filterField, filterValue, link string
	var limit int
	var export bool

	cmd := &cobra.Command{
		Use:   "search <model>",
		Short: "run the exact query core against the vector index",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			req := query.Request{Model: args[0], Limit: limit, Link: link, ExportToFile: export}
			if filterField != "" {
				req.Filters = []query.FilterCondition{{Field: filterField, Op: query.OpEq, Value: filterValue}}
			}
			resp, err := app.queryEngine.Run(context.Background(), req)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&filterField, "filter-field", "", "field to filter on (equality only)")
	cmd.Flags().StringVar(&filterValue, "filter-value", "", "value to filter for")
	cmd.Flags().StringVar(&link, "link", "", "dot-notated FK field to resolve one hop")
	cmd.Flags().IntVar(&limit, "limit", 100, "max records to return")
	cmd.Flags().BoolVar(&export, "export", false, "write the result to the export store instead of printing it inline")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
