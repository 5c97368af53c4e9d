package harness

import (
	"encoding/json"
	"reflect"
	"testing"
)

// Check verifies every assertion in the scenario against the trace.
func Check(t *testing.T, sc *Scenario, trace *Trace) {
	t.Helper()

	for i, a := range sc.Assertions {
		switch a.Type {
		case AssertFinalState:
			checkFinalState(t, i, a, trace)
		case AssertStateSeq:
			if trace.FinalSeq != a.Seq {
				t.Errorf("assertion %d: state seq = %d, want %d", i, trace.FinalSeq, a.Seq)
			}
		case AssertOutboundTypes:
			var got []string
			for _, step := range trace.Steps {
				got = append(got, step.Outbound...)
			}
			if trace.Recalculate != nil {
				got = append(got, trace.Recalculate.NewOutbound...)
			}
			if !equalTypes(got, a.Types) {
				t.Errorf("assertion %d: outbound types = %v, want %v", i, got, a.Types)
			}
		case AssertPastOutboundTypes:
			if trace.Recalculate == nil {
				t.Errorf("assertion %d: past_outbound_types requires recalculate: true", i)
				continue
			}
			if !equalTypes(trace.Recalculate.PastOutbound, a.Types) {
				t.Errorf("assertion %d: past outbound types = %v, want %v",
					i, trace.Recalculate.PastOutbound, a.Types)
			}
		}
	}
}

func checkFinalState(t *testing.T, i int, a Assertion, trace *Trace) {
	t.Helper()

	if trace.FinalState == nil {
		t.Errorf("assertion %d: no final state committed", i)
		return
	}
	var got map[string]any
	if err := json.Unmarshal(trace.FinalState, &got); err != nil {
		t.Errorf("assertion %d: decode final state: %v", i, err)
		return
	}
	// Compare only the fields the assertion names so state structs can
	// grow without breaking existing scenarios.
	for field, want := range a.State {
		if !reflect.DeepEqual(normalize(got[field]), normalize(want)) {
			t.Errorf("assertion %d: state.%s = %v, want %v", i, field, got[field], want)
		}
	}
}

func equalTypes(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// normalize maps numbers from both json and yaml decoding onto float64 so
// 200 in a scenario file compares equal to 200.0 from the state payload.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return v
	}
}
