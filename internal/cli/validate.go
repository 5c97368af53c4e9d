package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/facet/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Events string
}

// ValidationIssue is one failed check.
type ValidationIssue struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Facet  string            `json:"facet,omitempty"`
	Events []string          `json:"events,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <definition.cue>",
		Short: "Validate a CUE facet definition",
		Long: `Compile a CUE facet definition and report the event types it declares.

With --events, every payload in the YAML file is additionally checked
against the definition's event schemas.

Example:
  facet validate ./account.cue
  facet validate ./account.cue --events ./events.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateCmd(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Events, "events", "", "path to YAML events file to check against the definition")

	return cmd
}

func runValidateCmd(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	def, err := schema.Load(path)
	if err != nil {
		_ = formatter.Error("INVALID_DEFINITION", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to compile definition", err)
	}
	formatter.VerboseLog("compiled definition for facet %q with %d event type(s)", def.Facet(), len(def.EventTypes()))

	var issues []ValidationIssue
	if opts.Events != "" {
		events, err := loadEvents(opts.Events)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load events", err)
		}
		for i, ev := range events {
			payload, err := encodePayload(ev)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to encode payload for event %d", i), err)
			}
			if err := def.Validate(ev.Type, payload); err != nil {
				issues = append(issues, ValidationIssue{Event: ev.Type, Message: err.Error()})
			}
		}
	}

	result := ValidationResult{
		Valid:  len(issues) == 0,
		Facet:  def.Facet(),
		Events: def.EventTypes(),
		Errors: issues,
	}

	if len(issues) > 0 {
		return outputValidationFailure(formatter, result)
	}
	return outputValidationSuccess(formatter, result)
}

func outputValidationSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "facet %q valid, event types: %v\n", result.Facet, result.Events)
	return nil
}

func outputValidationFailure(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		enc := json.NewEncoder(formatter.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(Response{
			Status: "error",
			Data:   result,
			Error:  &ResponseError{Code: "VALIDATION_FAILED", Message: result.Errors[0].Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}

	fmt.Fprintln(formatter.Writer, "validation failed")
	for _, issue := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Event, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
