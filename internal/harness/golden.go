package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Golden compares the trace against a golden fixture named after the
// scenario. Traces contain only deterministic fields, so fixtures stay
// stable across runs and machines.
func Golden(t *testing.T, trace *Trace) {
	t.Helper()

	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		t.Fatalf("encode trace: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, trace.Scenario, data)
}
