package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/facet/internal/record"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Database string
	Prefix   string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <facet> <index> <value>",
		Short: "Look up instances through a secondary index",
		Long: `Look up records in a secondary index group.

Example:
  facet query account owner alice@example.com --db ./facet.db`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only records whose key starts with this prefix")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runQuery(opts *QueryOptions, facet, index, value string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	gw, closeStore, err := openGateway(opts.Database, facet)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	var records []record.Record
	if opts.Prefix != "" {
		records, err = gw.QueryRecordsByIndexPrefix(cmd.Context(), index, value, opts.Prefix)
	} else {
		records, err = gw.QueryRecordsByIndex(cmd.Context(), index, value)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query index", err)
	}

	formatter.VerboseLog("found %d record(s) in %s", len(records), record.IndexGroupID(facet, index, value))
	return printRecords(formatter, records)
}
