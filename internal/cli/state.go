package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/facet/internal/record"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	Database string
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state <facet> <id>",
		Short: "Read the current state of a facet instance",
		Long: `Read the current state record of a facet instance.

Example:
  facet state account alice --db ./facet.db
  facet state account alice --db ./facet.db --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runState(opts *StateOptions, facet, id string, cmd *cobra.Command) error {
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

	st, err := gw.GetState(cmd.Context(), id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}
	if st == nil {
		_ = formatter.Error("NOT_FOUND", fmt.Sprintf("no state for %s/%s", facet, id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("no state for %s/%s", facet, id))
	}

	if formatter.Format == "json" {
		return formatter.Success(st)
	}

	fmt.Fprintf(formatter.Writer, "%s seq=%d date=%s\n", record.GroupID(facet, id), st.Seq, st.Date)
	item, err := json.MarshalIndent(st.Item, "", "  ")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode state item", err)
	}
	fmt.Fprintln(formatter.Writer, string(item))
	return nil
}
