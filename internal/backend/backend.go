// Package backend pins the storage contract the facet store requires of a
// persistence provider: strongly consistent point reads, partition queries,
// and an atomic multi-item write where each item carries its own guard
// evaluated against that item's current value only. Any provider with a
// dual-part key and conditional writes can satisfy it; the sqlite and
// memory subpackages are the two shipped implementations.
package backend

import (
	"context"
	"errors"

	"github.com/roach88/facet/internal/record"
)

// MaxTransactItems is the hard cap on items in one atomic write. It mirrors
// the smallest transaction limit among supported providers; the gateway
// validates against it before any I/O.
const MaxTransactItems = 25

// ErrConditionFailed is returned (wrapped) by TransactWrite when any item's
// guard does not hold. The transaction applies nothing in that case.
var ErrConditionFailed = errors.New("condition failed")

// Guard selects the condition evaluated against an item's current stored
// value before the write is accepted.
type Guard int

const (
	// GuardNone writes unconditionally (last write wins). Used for derived
	// index projections.
	GuardNone Guard = iota

	// GuardKeyAbsent requires that no record exists under the item's
	// (group, key). Used for immutable inbound/outbound records.
	GuardKeyAbsent

	// GuardStateSeq requires that either no record exists under the item's
	// (group, key), or the stored record's sequence equals PrevSeq. This is
	// the compare-and-swap that makes optimistic concurrency work.
	GuardStateSeq
)

// Put is one item of an atomic write.
type Put struct {
	Record record.Record
	Guard  Guard

	// PrevSeq is the expected stored sequence for GuardStateSeq.
	PrevSeq int64
}

// FeedRecord is one entry of a provider's change feed: a written record
// plus its feed position. Positions are strictly increasing but not
// contiguous (replaced rows reappear under a new position).
type FeedRecord struct {
	Position int64
	Record   record.Record
}

// Backend is the minimal provider surface the storage gateway talks to.
//
// Implementations must be safe for concurrent use; the gateway holds no
// locks of its own.
type Backend interface {
	// Get is a strongly consistent point read. The second return value
	// reports presence; absence is not an error.
	Get(ctx context.Context, group, key string) (record.Record, bool, error)

	// Query returns all records of a group, strongly consistent. Order is
	// provider-defined.
	Query(ctx context.Context, group string) ([]record.Record, error)

	// QueryPrefix returns the group's records whose discriminant key starts
	// with prefix.
	QueryPrefix(ctx context.Context, group, prefix string) ([]record.Record, error)

	// TransactWrite applies all puts atomically, or none of them. A guard
	// violation surfaces as an error wrapping ErrConditionFailed. Callers
	// must keep len(puts) within MaxTransactItems.
	TransactWrite(ctx context.Context, puts []Put) error

	// Close releases provider resources. Idempotent.
	Close() error
}
