// Package aggregate exposes the facet store to application code. It
// orchestrates read-compute-write per public operation: read state (or
// accept the caller's), reduce deterministically, assemble the new record
// group, and delegate the atomic commit to the storage gateway.
//
// The facade adds no retry logic. Conflict and transport errors pass
// through unchanged so callers can apply domain-specific retry policy,
// which usually means re-reading state and re-validating business rules
// before trying again.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/facet/internal/gateway"
	"github.com/roach88/facet/internal/record"
	"github.com/roach88/facet/internal/reduce"
)

// PayloadValidator checks a fresh inbound event's payload before it is
// applied. Implemented by schema.Definition.
type PayloadValidator interface {
	Validate(eventType string, payload json.RawMessage) error
}

// IndexEntry is the product of one indexer: the alternate key a state
// projection is stored under. A nil Item reuses the state record's payload.
type IndexEntry struct {
	Index string
	Value string
	Item  json.RawMessage
}

// Indexer derives a secondary-index projection from a freshly computed
// state. Return nil to suppress indexing for this transition. Indexers
// must be pure: they run on every state transition, replay included.
type Indexer[S any] func(id string, state S) *IndexEntry

// Aggregate is the facade over one facet: its reducer, its gateway, and
// its secondary indexes. Immutable after construction and safe for
// concurrent use.
type Aggregate[S any] struct {
	gw        *gateway.Gateway
	facet     string
	reducer   *reduce.Reducer[S]
	indexers  []Indexer[S]
	validator PayloadValidator
	now       func() time.Time
}

// Option configures an Aggregate.
type Option[S any] func(*Aggregate[S])

// WithIndexer adds a secondary-index projection. Indexers run in
// registration order; all non-nil results join the state's atomic commit.
func WithIndexer[S any](ix Indexer[S]) Option[S] {
	return func(a *Aggregate[S]) {
		a.indexers = append(a.indexers, ix)
	}
}

// WithValidator sets a payload validator applied to every fresh inbound
// event before reduction.
func WithValidator[S any](v PayloadValidator) Option[S] {
	return func(a *Aggregate[S]) {
		a.validator = v
	}
}

// WithClock overrides the wall clock used to stamp records. Tests use a
// testutil.FixedClock for deterministic envelopes.
func WithClock[S any](now func() time.Time) Option[S] {
	return func(a *Aggregate[S]) {
		a.now = now
	}
}

// New creates the facade for one facet.
func New[S any](gw *gateway.Gateway, reducer *reduce.Reducer[S], opts ...Option[S]) *Aggregate[S] {
	a := &Aggregate[S]{
		gw:      gw,
		facet:   gw.Facet(),
		reducer: reducer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of a successful append or recalculate.
type Result[S any] struct {
	// State is the newly committed state.
	State S

	// Seq is the committed state's sequence number.
	Seq int64

	// PastOutbound holds emissions re-derived from history. Only
	// Recalculate produces them; they were committed long ago and are
	// returned for inspection, never re-persisted.
	PastOutbound []reduce.OutboundEvent

	// NewOutbound holds the emissions committed by this call.
	NewOutbound []reduce.OutboundEvent
}

// Entry is one (envelope, payload) pair returned by queries. The envelope
// carries the key metadata with its payload projected away.
type Entry struct {
	Envelope record.Record
	Item     json.RawMessage
}

// Get reads the current state of a facet instance. A group that does not
// exist yet returns (nil, 0, nil); sequence 0 is the valid starting point
// for AppendTo.
func (a *Aggregate[S]) Get(ctx context.Context, id string) (*S, int64, error) {
	rec, err := a.gw.GetState(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, nil
	}

	state := new(S)
	if len(rec.Item) > 0 {
		if err := json.Unmarshal(rec.Item, state); err != nil {
			return nil, 0, fmt.Errorf("decode state %s: %w", rec.Group, err)
		}
	}
	return state, rec.Seq, nil
}

// Append reads the current state and appends events on top of it. Two
// round trips; use AppendTo when the caller already holds fresh state.
func (a *Aggregate[S]) Append(ctx context.Context, id string, events ...reduce.Event) (*Result[S], error) {
	state, seq, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.AppendTo(ctx, id, state, seq, events...)
}

// AppendTo appends events on top of caller-supplied state, trusting that
// state and seq were read together and are still fresh. The k events get
// sequences seq+1…seq+k, the new state lands at seq+k, and the commit is
// conditioned on the stored sequence still being seq. On conflict the
// caller re-reads and retries; AppendTo never retries on its own.
func (a *Aggregate[S]) AppendTo(ctx context.Context, id string, state *S, seq int64, events ...reduce.Event) (*Result[S], error) {
	fresh, err := a.stamp(seq, events)
	if err != nil {
		return nil, err
	}

	res, err := a.reducer.Process(state, nil, fresh)
	if err != nil {
		return nil, err
	}
	return a.commit(ctx, id, seq, fresh, res)
}

// Recalculate rebuilds state from the full event history instead of
// trusting the stored state, then appends any new events on top. It is the
// expensive, self-healing path for constructing a new projection or
// repairing a suspect group, and the only path that reports PastOutbound.
func (a *Aggregate[S]) Recalculate(ctx context.Context, id string, events ...reduce.Event) (*Result[S], error) {
	recs, err := a.gw.QueryRecords(ctx, id)
	if err != nil {
		return nil, err
	}

	var seq int64
	var past []reduce.Event
	for _, r := range recs {
		switch {
		case r.IsState():
			seq = r.Seq
		case r.IsInbound():
			past = append(past, reduce.Event{Type: r.Type, Payload: r.Item, Seq: r.Seq})
			// A group missing its state record can still be rebuilt;
			// resume sequencing after the last accepted event.
			if r.Seq > seq {
				seq = r.Seq
			}
		}
	}
	sort.SliceStable(past, func(i, j int) bool { return past[i].Seq < past[j].Seq })

	fresh, err := a.stamp(seq, events)
	if err != nil {
		return nil, err
	}

	res, err := a.reducer.Process(nil, past, fresh)
	if err != nil {
		return nil, err
	}
	return a.commit(ctx, id, seq, fresh, res)
}

// Query returns the records of a secondary-index group as (envelope,
// payload) pairs.
func (a *Aggregate[S]) Query(ctx context.Context, index, value string) ([]Entry, error) {
	recs, err := a.gw.QueryRecordsByIndex(ctx, index, value)
	if err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

// QueryByRange returns the group's records whose discriminant key starts
// with prefix, e.g. record.PrefixOutbound for only emitted notifications.
func (a *Aggregate[S]) QueryByRange(ctx context.Context, id, prefix string) ([]Entry, error) {
	recs, err := a.gw.QueryRecordsByPrefix(ctx, id, prefix)
	if err != nil {
		return nil, err
	}
	return toEntries(recs), nil
}

// stamp validates fresh events and assigns them sequences seq+1…seq+k.
func (a *Aggregate[S]) stamp(seq int64, events []reduce.Event) ([]reduce.Event, error) {
	fresh := make([]reduce.Event, len(events))
	for i, ev := range events {
		if a.validator != nil {
			if err := a.validator.Validate(ev.Type, ev.Payload); err != nil {
				return nil, fmt.Errorf("validate event %q: %w", ev.Type, err)
			}
		}
		ev.Seq = seq + int64(i) + 1
		fresh[i] = ev
	}
	return fresh, nil
}

// commit assembles the new record group and writes it atomically.
func (a *Aggregate[S]) commit(ctx context.Context, id string, prevSeq int64, fresh []reduce.Event, res *reduce.Result[S]) (*Result[S], error) {
	newSeq := prevSeq + int64(len(fresh))
	now := a.now()

	item, err := json.Marshal(res.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	state := record.NewState(a.facet, id, newSeq, item, now)

	inbound := make([]record.Record, len(fresh))
	for i, ev := range fresh {
		inbound[i] = record.NewInbound(a.facet, id, ev.Seq, ev.Type, ev.Payload, now)
	}

	// Outbound records are stamped with the sequence of the last applied
	// event; the per-record index keeps their keys unique.
	outbound := make([]record.Record, len(res.NewOutbound))
	for i, ev := range res.NewOutbound {
		outbound[i] = record.NewOutbound(a.facet, id, newSeq, i, ev.Type, ev.Payload, now)
	}

	var index []record.Record
	for _, ix := range a.indexers {
		entry := ix(id, res.State)
		if entry == nil {
			continue
		}
		projected := entry.Item
		if projected == nil {
			projected = item
		}
		index = append(index, record.NewIndex(a.facet, entry.Index, entry.Value, newSeq, projected, now))
	}

	if err := a.gw.PutState(ctx, state, prevSeq, inbound, outbound, index); err != nil {
		return nil, err
	}

	return &Result[S]{
		State:        res.State,
		Seq:          newSeq,
		PastOutbound: res.PastOutbound,
		NewOutbound:  res.NewOutbound,
	}, nil
}

func toEntries(recs []record.Record) []Entry {
	entries := make([]Entry, len(recs))
	for i, r := range recs {
		item := r.Item
		r.Item = nil
		entries[i] = Entry{Envelope: r, Item: item}
	}
	return entries
}
