package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Assertion types understood by Check.
const (
	AssertFinalState        = "final_state"
	AssertStateSeq          = "state_seq"
	AssertOutboundTypes     = "outbound_types"
	AssertPastOutboundTypes = "past_outbound_types"
)

// Scenario defines a conformance test scenario for one facet instance.
type Scenario struct {
	// Name uniquely identifies this scenario; golden files are stored
	// under it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Instance is the facet instance id the scenario operates on.
	Instance string `yaml:"instance"`

	// Flow contains the event batches to append, one Append call each.
	Flow []Step `yaml:"flow"`

	// Recalculate, when true, finishes the flow with a full replay.
	Recalculate bool `yaml:"recalculate,omitempty"`

	// Assertions validate the final state and trace.
	// Supported types: final_state, state_seq, outbound_types,
	// past_outbound_types.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one Append call: a batch of events committed atomically.
type Step struct {
	Events []EventStep `yaml:"events"`
}

// EventStep is one inbound event of a batch.
type EventStep struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Assertion validates one aspect of the scenario outcome.
type Assertion struct {
	// Type selects the check.
	Type string `yaml:"type"`

	// State is the expected final state (final_state).
	State map[string]any `yaml:"state,omitempty"`

	// Seq is the expected final sequence (state_seq).
	Seq int64 `yaml:"seq,omitempty"`

	// Types are the expected outbound event types in order
	// (outbound_types across all steps, past_outbound_types for the
	// recalculation).
	Types []string `yaml:"types,omitempty"`
}

// LoadScenario reads and parses a scenario file. Unknown YAML fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must contain at least one step")
	}
	for i, step := range s.Flow {
		if len(step.Events) == 0 {
			return fmt.Errorf("flow step %d has no events", i)
		}
		for j, ev := range step.Events {
			if ev.Type == "" {
				return fmt.Errorf("flow step %d event %d has no type", i, j)
			}
		}
	}
	for _, a := range s.Assertions {
		switch a.Type {
		case AssertFinalState, AssertStateSeq, AssertOutboundTypes, AssertPastOutboundTypes:
		default:
			return fmt.Errorf("unknown assertion type %q", a.Type)
		}
	}
	return nil
}
