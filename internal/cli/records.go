package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/facet/internal/record"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Database string
	Prefix   string
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records <facet> <id>",
		Short: "Dump all records of a facet instance",
		Long: `Dump every record in a facet instance's group: the state record,
the inbound event log and the outbound emissions, in key order.

Example:
  facet records account alice --db ./facet.db
  facet records account alice --db ./facet.db --prefix INBOUND/`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only records whose key starts with this prefix")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRecords(opts *RecordsOptions, facet, id string, cmd *cobra.Command) error {
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
		records, err = gw.QueryRecordsByPrefix(cmd.Context(), id, opts.Prefix)
	} else {
		records, err = gw.QueryRecords(cmd.Context(), id)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query records", err)
	}

	formatter.VerboseLog("found %d record(s) in %s", len(records), record.GroupID(facet, id))
	return printRecords(formatter, records)
}

func printRecords(formatter *OutputFormatter, records []record.Record) error {
	if formatter.Format == "json" {
		return formatter.Success(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(formatter.Writer, "no records")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(formatter.Writer, "%-40s seq=%-6d type=%-24s %s\n", r.Key, r.Seq, r.Type, string(r.Item))
	}
	return nil
}
