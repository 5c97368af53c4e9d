package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/facet/internal/gateway"
	"github.com/roach88/facet/internal/record"
	"github.com/roach88/facet/internal/schema"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Database string
	Events   string
	Schema   string
}

// eventFile is one entry of an --events YAML file.
type eventFile struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// AppendResult is the success payload of the append command.
type AppendResult struct {
	Group    string `json:"group"`
	Seq      int64  `json:"seq"`
	Appended int    `json:"appended"`
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <facet> <id>",
		Short: "Append events to a facet instance",
		Long: `Append inbound events from a YAML file to a facet instance's log.

The state item is carried over unchanged; reduction happens in the
application embedding the store, not here. With --schema, payloads are
validated against a CUE facet definition before anything is written.

Events file format:
  - type: deposited
    payload:
      amount: 200
  - type: withdrawn
    payload:
      amount: 300

Example:
  facet append account alice --db ./facet.db --events ./events.yaml
  facet append account alice --db ./facet.db --events ./events.yaml --schema ./account.cue`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Events, "events", "", "path to YAML events file (required)")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "path to CUE facet definition for payload validation")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

func runAppend(opts *AppendOptions, facet, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	events, err := loadEvents(opts.Events)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load events", err)
	}
	if len(events) == 0 {
		return NewExitError(ExitCommandError, "events file contains no events")
	}

	if opts.Schema != "" {
		if err := validateEvents(opts.Schema, facet, events, formatter); err != nil {
			_ = formatter.Error("VALIDATION_FAILED", err.Error(), nil)
			return WrapExitError(ExitFailure, "event validation failed", err)
		}
	}

	gw, closeStore, err := openGateway(opts.Database, facet)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	prior, err := gw.GetState(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}

	prevSeq := int64(0)
	item := json.RawMessage(`{}`)
	if prior != nil {
		prevSeq = prior.Seq
		item = prior.Item
	}

	now := time.Now().UTC()
	inbound := make([]record.Record, len(events))
	for i, ev := range events {
		payload, err := encodePayload(ev)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to encode payload for %q", ev.Type), err)
		}
		inbound[i] = record.NewInbound(facet, id, prevSeq+int64(i)+1, ev.Type, payload, now)
	}
	newSeq := prevSeq + int64(len(events))
	state := record.NewState(facet, id, newSeq, item, now)

	if err := gw.PutState(ctx, state, prevSeq, inbound, nil, nil); err != nil {
		if gateway.IsConflict(err) {
			_ = formatter.Error("CONCURRENCY_CONFLICT", "instance changed concurrently, retry the append", nil)
			return WrapExitError(ExitFailure, "append conflicted", err)
		}
		return WrapExitError(ExitCommandError, "failed to write records", err)
	}

	result := AppendResult{
		Group:    record.GroupID(facet, id),
		Seq:      newSeq,
		Appended: len(events),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "appended %d event(s) to %s, seq=%d\n", result.Appended, result.Group, result.Seq)
	return nil
}

// loadEvents parses an --events YAML file. Unknown fields are rejected so
// typos fail loudly instead of silently dropping payload data.
func loadEvents(path string) ([]eventFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []eventFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, ev := range events {
		if ev.Type == "" {
			return nil, fmt.Errorf("parse %s: event %d has no type", path, i)
		}
	}
	return events, nil
}

// encodePayload renders an event's payload as JSON. An absent payload
// becomes an empty object, never null.
func encodePayload(ev eventFile) (json.RawMessage, error) {
	if ev.Payload == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(ev.Payload)
}

func validateEvents(schemaPath, facet string, events []eventFile, formatter *OutputFormatter) error {
	def, err := schema.Load(schemaPath)
	if err != nil {
		return err
	}
	if def.Facet() != facet {
		return fmt.Errorf("definition is for facet %q, not %q", def.Facet(), facet)
	}
	for i, ev := range events {
		payload, err := encodePayload(ev)
		if err != nil {
			return fmt.Errorf("event %d: encode payload: %w", i, err)
		}
		if err := def.Validate(ev.Type, payload); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
		}
		formatter.VerboseLog("event %d (%s) valid", i, ev.Type)
	}
	return nil
}
