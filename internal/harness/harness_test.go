package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/facet/internal/aggregate"
	"github.com/roach88/facet/internal/backend/memory"
	"github.com/roach88/facet/internal/gateway"
	"github.com/roach88/facet/internal/reduce"
	"github.com/roach88/facet/internal/testutil"
)

type account struct {
	Balance int64    `json:"balance"`
	Intents []string `json:"intents,omitempty"`
}

type amountPayload struct {
	Amount int64 `json:"amount"`
}

type paymentPayload struct {
	Intent string `json:"intent"`
	Amount int64  `json:"amount"`
}

func accountReducer() *reduce.Reducer[account] {
	return reduce.New(
		reduce.WithInitializer(func() account { return account{} }),
		reduce.WithRule("deposited", reduce.Typed(func(s account, p amountPayload) (account, []reduce.OutboundEvent, error) {
			s.Balance += p.Amount
			return s, nil, nil
		})),
		reduce.WithRule("withdrawn", reduce.Typed(func(s account, p amountPayload) (account, []reduce.OutboundEvent, error) {
			before := s.Balance
			s.Balance -= p.Amount
			var emitted []reduce.OutboundEvent
			if before >= 0 && s.Balance < 0 {
				payload, _ := json.Marshal(map[string]int64{"balance": s.Balance})
				emitted = append(emitted, reduce.OutboundEvent{Type: "overdrawn", Payload: payload})
			}
			return s, emitted, nil
		})),
		reduce.WithRule("payment_completed", reduce.Typed(func(s account, p paymentPayload) (account, []reduce.OutboundEvent, error) {
			for _, seen := range s.Intents {
				if seen == p.Intent {
					return s, nil, nil
				}
			}
			s.Intents = append(s.Intents, p.Intent)
			s.Balance += p.Amount
			payload, _ := json.Marshal(map[string]string{"intent": p.Intent})
			return s, []reduce.OutboundEvent{{Type: "payment_recorded", Payload: payload}}, nil
		})),
	)
}

func newScenarioAggregate() *aggregate.Aggregate[account] {
	gw := gateway.New(memory.New(), "account")
	clock := testutil.NewFixedClock(time.UnixMilli(1700000000000).UTC())
	return aggregate.New(gw, accountReducer(), aggregate.WithClock[account](clock.Now))
}

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		sc, err := LoadScenario(file)
		require.NoError(t, err, file)

		t.Run(sc.Name, func(t *testing.T) {
			trace := Run(t, newScenarioAggregate(), sc)
			Check(t, sc, trace)
			Golden(t, trace)
		})
	}
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `
name: typo
instance: alice
flwo:
  - events:
      - type: deposited
`)
	_, err := LoadScenario(path)
	assert.Error(t, err)
}

func TestLoadScenario_RejectsUnknownAssertionType(t *testing.T) {
	path := writeScenario(t, `
name: bad-assertion
instance: alice
flow:
  - events:
      - type: deposited
        payload:
          amount: 10
assertions:
  - type: eventually_consistent
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown assertion type")
}

func TestLoadScenario_RequiresFlow(t *testing.T) {
	path := writeScenario(t, `
name: empty
instance: alice
flow: []
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow")
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRun_InlineScenario(t *testing.T) {
	sc := &Scenario{
		Name:     "inline",
		Instance: "alice",
		Flow: []Step{
			{Events: []EventStep{{Type: "deposited", Payload: map[string]any{"amount": 100}}}},
		},
		Assertions: []Assertion{
			{Type: AssertStateSeq, Seq: 1},
			{Type: AssertFinalState, State: map[string]any{"balance": 100}},
		},
	}

	trace := Run(t, newScenarioAggregate(), sc)
	Check(t, sc, trace)

	require.Len(t, trace.Steps, 1)
	assert.Equal(t, int64(1), trace.Steps[0].Seq)
	assert.Empty(t, trace.Steps[0].Outbound)
	assert.Equal(t, []string{"INBOUND/deposited/1", "STATE"}, trace.RecordKeys)
}
