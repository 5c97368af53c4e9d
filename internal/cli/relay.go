package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/facet/internal/backend/sqlite"
	"github.com/roach88/facet/internal/relay"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Database string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the outbound change relay",
		Long: `Run the outbound relay against a store's change feed.

The relay tails the store's record feed, publishes outbound records to
the target bus and checkpoints its position after each published batch.
Configuration comes from the environment:

  FACET_EVENT_SOURCE  source identifier stamped on published events (required)
  FACET_TARGET_BUS    bus to publish to (required)
  FACET_RELAY_BATCH   feed records per poll (default 100)
  FACET_RELAY_POLL    sleep between polls when caught up (default 1s)

Example:
  FACET_EVENT_SOURCE=accounts FACET_TARGET_BUS=local facet relay --db ./facet.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := relay.ParseConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid relay configuration", err)
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := sqlite.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	r, err := relay.New(cfg, st, &relay.LogBus{Log: log}, relay.WithLogger(log))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create relay", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("relay starting", "db", opts.Database, "bus", cfg.TargetBus, "source", cfg.EventSource)
	fmt.Fprintln(cmd.OutOrStdout(), "Relay started. Press Ctrl-C to stop.")

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "relay error", err)
	}

	slog.Info("relay stopped gracefully")
	return nil
}
