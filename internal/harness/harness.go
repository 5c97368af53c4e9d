package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/roach88/facet/internal/aggregate"
	"github.com/roach88/facet/internal/reduce"
)

// Trace captures everything a scenario run produced, in execution order.
type Trace struct {
	Scenario string `json:"scenario"`

	// Steps holds one entry per Append call.
	Steps []StepTrace `json:"steps"`

	// Recalculate holds the final replay's outcome, when the scenario
	// asked for one.
	Recalculate *RecalcTrace `json:"recalculate,omitempty"`

	// FinalState is the committed state payload after the whole flow.
	FinalState json.RawMessage `json:"final_state"`

	// FinalSeq is the committed sequence after the whole flow.
	FinalSeq int64 `json:"final_seq"`

	// RecordKeys lists the discriminant keys of every record in the
	// group, sorted, as a structural fingerprint of the commit history.
	RecordKeys []string `json:"record_keys"`
}

// StepTrace is the outcome of one Append call.
type StepTrace struct {
	Seq      int64    `json:"seq"`
	Outbound []string `json:"outbound"`
}

// RecalcTrace is the outcome of the final replay.
type RecalcTrace struct {
	Seq          int64    `json:"seq"`
	PastOutbound []string `json:"past_outbound"`
	NewOutbound  []string `json:"new_outbound"`
}

// Run executes a scenario against the given aggregate and returns the
// trace. The aggregate's backing store should be empty; the scenario owns
// the instance it names.
func Run[S any](t *testing.T, agg *aggregate.Aggregate[S], sc *Scenario) *Trace {
	t.Helper()
	ctx := context.Background()

	trace := &Trace{Scenario: sc.Name}

	for i, step := range sc.Flow {
		events, err := buildEvents(step.Events)
		if err != nil {
			t.Fatalf("scenario %s step %d: %v", sc.Name, i, err)
		}

		res, err := agg.Append(ctx, sc.Instance, events...)
		if err != nil {
			t.Fatalf("scenario %s step %d: append failed: %v", sc.Name, i, err)
		}
		trace.Steps = append(trace.Steps, StepTrace{
			Seq:      res.Seq,
			Outbound: outboundTypes(res.NewOutbound),
		})
	}

	if sc.Recalculate {
		res, err := agg.Recalculate(ctx, sc.Instance)
		if err != nil {
			t.Fatalf("scenario %s: recalculate failed: %v", sc.Name, err)
		}
		trace.Recalculate = &RecalcTrace{
			Seq:          res.Seq,
			PastOutbound: outboundTypes(res.PastOutbound),
			NewOutbound:  outboundTypes(res.NewOutbound),
		}
	}

	state, seq, err := agg.Get(ctx, sc.Instance)
	if err != nil {
		t.Fatalf("scenario %s: get failed: %v", sc.Name, err)
	}
	if state != nil {
		item, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("scenario %s: encode final state: %v", sc.Name, err)
		}
		trace.FinalState = item
	}
	trace.FinalSeq = seq

	entries, err := agg.QueryByRange(ctx, sc.Instance, "")
	if err != nil {
		t.Fatalf("scenario %s: query records: %v", sc.Name, err)
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Envelope.Key
	}
	trace.RecordKeys = keys

	return trace
}

func buildEvents(steps []EventStep) ([]reduce.Event, error) {
	events := make([]reduce.Event, len(steps))
	for i, s := range steps {
		payload, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %q: encode payload: %w", s.Type, err)
		}
		events[i] = reduce.Event{Type: s.Type, Payload: payload}
	}
	return events, nil
}

func outboundTypes(events []reduce.OutboundEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}
