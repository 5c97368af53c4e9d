// Package memory implements the backend contract on a mutex-guarded map.
// It exists for tests and examples; it honors the same guard semantics as
// the sqlite implementation, including all-or-nothing transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/facet/internal/backend"
	"github.com/roach88/facet/internal/record"
)

// Store is an in-memory backend. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	groups map[string]map[string]record.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{groups: make(map[string]map[string]record.Record)}
}

// Get implements backend.Backend.
func (s *Store) Get(ctx context.Context, group, key string) (record.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.groups[group][key]
	return r, ok, nil
}

// Query implements backend.Backend. Records are returned sorted by
// discriminant key for deterministic tests; callers must not rely on order.
func (s *Store) Query(ctx context.Context, group string) ([]record.Record, error) {
	return s.QueryPrefix(ctx, group, "")
}

// QueryPrefix implements backend.Backend.
func (s *Store) QueryPrefix(ctx context.Context, group, prefix string) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []record.Record
	for key, r := range s.groups[group] {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// TransactWrite implements backend.Backend. All guards are checked under
// one lock before any mutation, so a guard violation leaves the store
// untouched.
func (s *Store) TransactWrite(ctx context.Context, puts []backend.Put) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range puts {
		existing, ok := s.groups[p.Record.Group][p.Record.Key]
		switch p.Guard {
		case backend.GuardNone:
		case backend.GuardKeyAbsent:
			if ok {
				return fmt.Errorf("put %s %s: %w", p.Record.Group, p.Record.Key, backend.ErrConditionFailed)
			}
		case backend.GuardStateSeq:
			if ok && existing.Seq != p.PrevSeq {
				return fmt.Errorf("put %s %s: seq %d != %d: %w",
					p.Record.Group, p.Record.Key, existing.Seq, p.PrevSeq, backend.ErrConditionFailed)
			}
		default:
			return fmt.Errorf("put %s %s: unknown guard %d", p.Record.Group, p.Record.Key, p.Guard)
		}
	}

	for _, p := range puts {
		g, ok := s.groups[p.Record.Group]
		if !ok {
			g = make(map[string]record.Record)
			s.groups[p.Record.Group] = g
		}
		g[p.Record.Key] = p.Record
	}
	return nil
}

// Close implements backend.Backend.
func (s *Store) Close() error { return nil }
