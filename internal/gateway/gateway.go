// Package gateway is the only component that talks to persistent storage.
// It enforces the commit protocol's integrity rules (record shape, facet
// ownership, the transaction-size bound, and sequence-based optimistic
// concurrency) before any write reaches the backend.
//
// The gateway never retries. Every failure surfaces as a distinct kind so
// the caller can decide whether to retry (conflict), back off (transport),
// or abort (validation).
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/facet/internal/backend"
	"github.com/roach88/facet/internal/record"
)

// Gateway executes reads, queries, and the atomic multi-record commit for
// one facet. It holds no mutable state beyond configuration and is safe
// for concurrent use whenever its backend is.
type Gateway struct {
	backend backend.Backend
	facet   string
}

// New creates a gateway bound to one facet.
func New(b backend.Backend, facet string) *Gateway {
	return &Gateway{backend: b, facet: facet}
}

// Facet returns the facet this gateway is bound to.
func (g *Gateway) Facet() string { return g.facet }

// GetState reads the state record of a group, strongly consistent.
// Absence is not an error: it returns (nil, nil).
func (g *Gateway) GetState(ctx context.Context, id string) (*record.Record, error) {
	r, ok, err := g.backend.Get(ctx, record.GroupID(g.facet, id), record.KeyState)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// PutState commits the state record plus all supplied inbound, outbound,
// and index records in one atomic transaction.
//
// Validation happens entirely before I/O:
//   - state must classify as a state record and belong to this facet
//   - every inbound/outbound record must classify correctly and belong to
//     this facet
//   - the total item count must not exceed backend.MaxTransactItems
//
// The transaction guards each inbound/outbound record against key reuse
// and the state record against a sequence mismatch (no prior state, or
// stored seq == prevSeq). Index records are derived, so they write
// unconditionally. Any guard violation rejects the whole transaction and
// surfaces as a CONCURRENCY_CONFLICT error.
func (g *Gateway) PutState(ctx context.Context, state record.Record, prevSeq int64, inbound, outbound, index []record.Record) error {
	if !state.IsState() {
		return newValidationError(state.Group, state.Key, "not a state record")
	}
	if state.Facet != g.facet {
		return newValidationError(state.Group, state.Key,
			fmt.Sprintf("facet %q does not belong to %q", state.Facet, g.facet))
	}
	for _, r := range inbound {
		if !r.IsInbound() {
			return newValidationError(r.Group, r.Key, "not an inbound record")
		}
		if r.Facet != g.facet {
			return newValidationError(r.Group, r.Key,
				fmt.Sprintf("facet %q does not belong to %q", r.Facet, g.facet))
		}
	}
	for _, r := range outbound {
		if !r.IsOutbound() {
			return newValidationError(r.Group, r.Key, "not an outbound record")
		}
		if r.Facet != g.facet {
			return newValidationError(r.Group, r.Key,
				fmt.Sprintf("facet %q does not belong to %q", r.Facet, g.facet))
		}
	}

	total := 1 + len(inbound) + len(outbound) + len(index)
	if total > backend.MaxTransactItems {
		return &StoreError{
			Code:    ErrCodeTransactionTooLarge,
			Message: fmt.Sprintf("%d records exceed the transaction limit of %d", total, backend.MaxTransactItems),
			Group:   state.Group,
		}
	}

	puts := make([]backend.Put, 0, total)
	for _, r := range inbound {
		puts = append(puts, backend.Put{Record: r, Guard: backend.GuardKeyAbsent})
	}
	for _, r := range outbound {
		puts = append(puts, backend.Put{Record: r, Guard: backend.GuardKeyAbsent})
	}
	for _, r := range index {
		puts = append(puts, backend.Put{Record: r, Guard: backend.GuardNone})
	}
	puts = append(puts, backend.Put{Record: state, Guard: backend.GuardStateSeq, PrevSeq: prevSeq})

	if err := g.backend.TransactWrite(ctx, puts); err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return &StoreError{
				Code:    ErrCodeConcurrencyConflict,
				Message: fmt.Sprintf("state changed since sequence %d", prevSeq),
				Group:   state.Group,
				Err:     err,
			}
		}
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// QueryRecords returns all records of a group, strongly consistent,
// unordered as returned by the backend.
func (g *Gateway) QueryRecords(ctx context.Context, id string) ([]record.Record, error) {
	recs, err := g.backend.Query(ctx, record.GroupID(g.facet, id))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return recs, nil
}

// QueryRecordsByPrefix returns the group's records whose discriminant key
// starts with prefix, e.g. record.PrefixInbound for only inbound events.
func (g *Gateway) QueryRecordsByPrefix(ctx context.Context, id, prefix string) ([]record.Record, error) {
	recs, err := g.backend.QueryPrefix(ctx, record.GroupID(g.facet, id), prefix)
	if err != nil {
		return nil, fmt.Errorf("query records by prefix: %w", err)
	}
	return recs, nil
}

// QueryRecordsByIndex returns all records of a secondary-index group.
func (g *Gateway) QueryRecordsByIndex(ctx context.Context, index, value string) ([]record.Record, error) {
	recs, err := g.backend.Query(ctx, record.IndexGroupID(g.facet, index, value))
	if err != nil {
		return nil, fmt.Errorf("query records by index: %w", err)
	}
	return recs, nil
}

// QueryRecordsByIndexPrefix returns the secondary-index group's records
// whose discriminant key starts with prefix.
func (g *Gateway) QueryRecordsByIndexPrefix(ctx context.Context, index, value, prefix string) ([]record.Record, error) {
	recs, err := g.backend.QueryPrefix(ctx, record.IndexGroupID(g.facet, index, value), prefix)
	if err != nil {
		return nil, fmt.Errorf("query records by index prefix: %w", err)
	}
	return recs, nil
}
