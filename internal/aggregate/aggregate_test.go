package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/facet/internal/backend"
	"github.com/roach88/facet/internal/backend/memory"
	"github.com/roach88/facet/internal/gateway"
	"github.com/roach88/facet/internal/record"
	"github.com/roach88/facet/internal/reduce"
	"github.com/roach88/facet/internal/testutil"
)

const minBalance = -1000

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
			if s.Balance-p.Amount < minBalance {
				return s, nil, fmt.Errorf("withdrawal of %d breaches minimum balance", p.Amount)
			}
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

func deposit(amount int64) reduce.Event {
	payload, _ := json.Marshal(amountPayload{Amount: amount})
	return reduce.Event{Type: "deposited", Payload: payload}
}

func withdraw(amount int64) reduce.Event {
	payload, _ := json.Marshal(amountPayload{Amount: amount})
	return reduce.Event{Type: "withdrawn", Payload: payload}
}

func payment(intent string, amount int64) reduce.Event {
	payload, _ := json.Marshal(paymentPayload{Intent: intent, Amount: amount})
	return reduce.Event{Type: "payment_completed", Payload: payload}
}

func newTestAggregate(opts ...Option[account]) (*Aggregate[account], backend.Backend) {
	b := memory.New()
	gw := gateway.New(b, "account")
	clock := testutil.NewFixedClock(time.UnixMilli(1700000000000).UTC())
	opts = append([]Option[account]{WithClock[account](clock.Now)}, opts...)
	return New(gw, accountReducer(), opts...), b
}

func TestGet_Absent(t *testing.T) {
	a, _ := newTestAggregate()

	state, seq, err := a.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Equal(t, int64(0), seq, "an empty group starts at sequence 0")
}

func TestAppend_CreatesGroup(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	res, err := a.Append(ctx, "alice", deposit(200))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Seq)
	assert.Equal(t, int64(200), res.State.Balance)
	assert.Empty(t, res.NewOutbound)
	assert.Empty(t, res.PastOutbound)

	state, seq, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(200), state.Balance)
	assert.Equal(t, int64(1), seq)
}

func TestAppend_SequenceMonotonicity(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(1), deposit(2))
	require.NoError(t, err)
	res, err := a.Append(ctx, "alice", deposit(3), deposit(4), deposit(5))
	require.NoError(t, err)

	// After k events on top of sequence s, the state sits at s+k and
	// inbound records occupy s+1…s+k with no gaps.
	assert.Equal(t, int64(5), res.Seq)

	entries, err := a.QueryByRange(ctx, "alice", record.PrefixInbound)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	seen := make(map[int64]bool)
	for _, e := range entries {
		seen[e.Envelope.Seq] = true
	}
	for want := int64(1); want <= 5; want++ {
		assert.True(t, seen[want], "missing inbound seq %d", want)
	}
}

func TestAppendTo_ConflictDetection(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.NoError(t, err)

	state, seq, err := a.Get(ctx, "alice")
	require.NoError(t, err)

	// Two writers hold the same snapshot; exactly one wins.
	_, err = a.AppendTo(ctx, "alice", state, seq, deposit(10))
	require.NoError(t, err)

	_, err = a.AppendTo(ctx, "alice", state, seq, withdraw(10))
	require.Error(t, err)
	assert.True(t, gateway.IsConflict(err), "got %v", err)

	// Storage reflects only the winner.
	got, gotSeq, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(110), got.Balance)
	assert.Equal(t, int64(2), gotSeq)

	entries, err := a.QueryByRange(ctx, "alice", record.PrefixInbound)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAppendTo_RetryAfterConflict(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.NoError(t, err)

	state, seq, err := a.Get(ctx, "alice")
	require.NoError(t, err)

	_, err = a.Append(ctx, "alice", deposit(50))
	require.NoError(t, err)

	_, err = a.AppendTo(ctx, "alice", state, seq, withdraw(30))
	require.True(t, gateway.IsConflict(err))

	// The documented recovery: re-read, recompute, retry.
	state, seq, err = a.Get(ctx, "alice")
	require.NoError(t, err)
	res, err := a.AppendTo(ctx, "alice", state, seq, withdraw(30))
	require.NoError(t, err)
	assert.Equal(t, int64(120), res.State.Balance)
	assert.Equal(t, int64(3), res.Seq)
}

func TestAppend_OutboundStamping(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	// Both intents complete in one call; two outbound records share the
	// final sequence and differ only in index.
	res, err := a.Append(ctx, "alice", payment("x", 10), payment("y", 20))
	require.NoError(t, err)
	require.Len(t, res.NewOutbound, 2)

	entries, err := a.QueryByRange(ctx, "alice", record.PrefixOutbound)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	keys := map[string]bool{}
	for _, e := range entries {
		assert.Equal(t, int64(2), e.Envelope.Seq, "outbound records carry the last applied sequence")
		keys[e.Envelope.Key] = true
	}
	assert.True(t, keys["OUTBOUND/payment_recorded/2/0"])
	assert.True(t, keys["OUTBOUND/payment_recorded/2/1"])
}

func TestAppend_RuleErrorCommitsNothing(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100), withdraw(5000))
	require.Error(t, err)
	assert.True(t, reduce.IsRuleError(err), "got %v", err)

	// The deposit preceding the failing withdrawal must not be committed.
	state, seq, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Equal(t, int64(0), seq)

	entries, err := a.QueryByRange(ctx, "alice", record.PrefixInbound)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppend_UnknownEventIsRecorded(t *testing.T) {
	a, _ := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.NoError(t, err)

	res, err := a.Append(ctx, "alice", reduce.Event{Type: "audited", Payload: json.RawMessage(`{"by":"bot"}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.State.Balance, "unknown event is a no-op on state")
	assert.Equal(t, int64(2), res.Seq, "but still counts as accepted input")

	entries, err := a.QueryByRange(ctx, "alice", record.PrefixInbound)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIndexer_MaintainedWithState(t *testing.T) {
	owner := func(id string, s account) *IndexEntry {
		return &IndexEntry{Index: "owner", Value: id + "@example.com"}
	}
	a, _ := newTestAggregate(WithIndexer[account](owner))
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.NoError(t, err)
	_, err = a.Append(ctx, "alice", deposit(50))
	require.NoError(t, err)

	entries, err := a.Query(ctx, "owner", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, entries, 1, "index projections are replaced, not accumulated")
	assert.Equal(t, int64(2), entries[0].Envelope.Seq)
	assert.Nil(t, entries[0].Envelope.Item, "queries project the payload out of the envelope")
	assert.JSONEq(t, `{"balance":150}`, string(entries[0].Item))
}

func TestIndexer_NilSuppresses(t *testing.T) {
	conditional := func(id string, s account) *IndexEntry {
		if s.Balance >= 0 {
			return nil
		}
		return &IndexEntry{Index: "overdrawn", Value: id}
	}
	a, _ := newTestAggregate(WithIndexer[account](conditional))
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.NoError(t, err)

	entries, err := a.Query(ctx, "overdrawn", "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = a.Append(ctx, "alice", withdraw(150))
	require.NoError(t, err)

	entries, err = a.Query(ctx, "overdrawn", "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type rejectAll struct{}

func (rejectAll) Validate(eventType string, payload json.RawMessage) error {
	return errors.New("rejected")
}

func TestValidator_BlocksAppend(t *testing.T) {
	a, _ := newTestAggregate(WithValidator[account](rejectAll{}))
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100))
	require.Error(t, err)

	state, _, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, state, "nothing committed when validation rejects")
}

func TestRecalculate_SelfHealing(t *testing.T) {
	a, b := newTestAggregate()
	ctx := context.Background()

	_, err := a.Append(ctx, "alice", deposit(100), deposit(50))
	require.NoError(t, err)

	// Corrupt the stored state out of band; the history stays intact.
	bogus := record.NewState("account", "alice", 2, json.RawMessage(`{"balance":999999}`), time.UnixMilli(1700000000000).UTC())
	require.NoError(t, b.TransactWrite(ctx, []backend.Put{{Record: bogus, Guard: backend.GuardNone}}))

	corrupted, _, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(999999), corrupted.Balance)

	res, err := a.Recalculate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.State.Balance, "state is recomputed from history, not trusted")
	assert.Equal(t, int64(2), res.Seq)

	healed, _, err := a.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), healed.Balance)
}
