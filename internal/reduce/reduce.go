// Package reduce implements the deterministic replay engine: a pure,
// backend-agnostic reduction of an event history into state plus the
// outbound events newly emitted along the way.
//
// Rules are registered per event-type tag and return their emissions
// explicitly; there is no shared mutable sink, so a reducer is trivially
// testable in isolation and safe to invoke twice for the same logical
// transition (which happens when a caller retries after a commit
// conflict). A rule must be a pure function of its inputs: no I/O, no
// clock reads, no randomness. Determinism here is required for
// correctness, not style.
package reduce

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Event is one event in a group's history: a type tag, a JSON payload,
// and the sequence number of the transition it was (or will be) applied
// at. Fresh events get their sequence assigned by the caller before
// processing.
type Event struct {
	Type    string
	Payload json.RawMessage
	Seq     int64
}

// OutboundEvent is a notification a rule schedules for external delivery.
// The reducer only collects them; persistence and delivery belong to the
// caller.
type OutboundEvent struct {
	Type    string
	Payload json.RawMessage
}

// Rule computes the transition for one event type. It receives the current
// state and the raw event payload and returns the new state plus any
// outbound events emitted by this transition.
type Rule[S any] func(state S, payload json.RawMessage) (S, []OutboundEvent, error)

// Typed adapts a rule over a concrete payload type P: the raw payload is
// decoded into P before the rule runs. This is the closed-variant dispatch
// point: one typed function per event tag.
func Typed[S, P any](fn func(state S, payload P) (S, []OutboundEvent, error)) Rule[S] {
	return func(state S, payload json.RawMessage) (S, []OutboundEvent, error) {
		var p P
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return state, nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		return fn(state, p)
	}
}

// UnknownPolicy decides what happens when an event's type has no
// registered rule.
type UnknownPolicy int

const (
	// UnknownIgnore treats the event as a no-op on state. It is still
	// recorded as accepted input by the caller. This is the default.
	UnknownIgnore UnknownPolicy = iota

	// UnknownFail rejects the whole Process call with an UnknownEventError.
	UnknownFail
)

// Reducer replays event histories for one facet. Construct with New,
// register one rule per event type, then call Process. A Reducer is
// immutable after construction and safe for concurrent use.
type Reducer[S any] struct {
	rules   map[string]Rule[S]
	init    func() S
	unknown UnknownPolicy
}

// Option configures a Reducer.
type Option[S any] func(*Reducer[S])

// WithRule registers the update rule for one event type.
func WithRule[S any](eventType string, rule Rule[S]) Option[S] {
	return func(r *Reducer[S]) {
		r.rules[eventType] = rule
	}
}

// WithInitializer sets the starting state used when a group has no prior
// state. Without it the zero value of S is used.
func WithInitializer[S any](init func() S) Option[S] {
	return func(r *Reducer[S]) {
		r.init = init
	}
}

// WithUnknownPolicy sets the policy for events whose type has no
// registered rule.
func WithUnknownPolicy[S any](p UnknownPolicy) Option[S] {
	return func(r *Reducer[S]) {
		r.unknown = p
	}
}

// New creates a Reducer from the given options.
func New[S any](opts ...Option[S]) *Reducer[S] {
	r := &Reducer[S]{rules: make(map[string]Rule[S])}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the outcome of one Process call.
type Result[S any] struct {
	// State is the reduced state after every event has been applied.
	State S

	// PastOutbound holds the outbound events re-derived while replaying
	// history. They were durably emitted by earlier commits and must never
	// be persisted or delivered again.
	PastOutbound []OutboundEvent

	// NewOutbound holds the outbound events emitted by the fresh events of
	// this call. These are the only emissions the caller commits.
	NewOutbound []OutboundEvent
}

// Process replays past events in ascending sequence order, then applies
// fresh events in the order given, and returns the resulting state
// together with past and new emissions kept strictly apart.
//
// prior supplies the starting state; nil means no prior state exists and
// the initializer (or zero value) is used. The first rule error aborts the
// whole call; no partial result is returned, matching the all-or-nothing
// commit downstream.
func (r *Reducer[S]) Process(prior *S, past, fresh []Event) (*Result[S], error) {
	var state S
	switch {
	case prior != nil:
		state = *prior
	case r.init != nil:
		state = r.init()
	}

	// Replay strictly by ascending sequence. Sequences are unique per
	// group by construction, so a stable sort fully determines the order.
	ordered := make([]Event, len(past))
	copy(ordered, past)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	res := &Result[S]{}
	for _, ev := range ordered {
		next, emitted, err := r.apply(state, ev)
		if err != nil {
			return nil, err
		}
		state = next
		res.PastOutbound = append(res.PastOutbound, emitted...)
	}

	for _, ev := range fresh {
		next, emitted, err := r.apply(state, ev)
		if err != nil {
			return nil, err
		}
		state = next
		res.NewOutbound = append(res.NewOutbound, emitted...)
	}

	res.State = state
	return res, nil
}

func (r *Reducer[S]) apply(state S, ev Event) (S, []OutboundEvent, error) {
	rule, ok := r.rules[ev.Type]
	if !ok {
		if r.unknown == UnknownFail {
			return state, nil, &UnknownEventError{Type: ev.Type, Seq: ev.Seq}
		}
		return state, nil, nil
	}

	next, emitted, err := rule(state, ev.Payload)
	if err != nil {
		return state, nil, &RuleError{EventType: ev.Type, Seq: ev.Seq, Err: err}
	}
	return next, emitted, nil
}
