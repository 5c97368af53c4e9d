package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/facet/internal/backend"
)

// ReadFeed returns up to limit records written after the given position,
// oldest first. An empty result means the consumer has caught up.
func (s *Store) ReadFeed(ctx context.Context, after int64, limit int) ([]backend.FeedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item
		FROM records
		WHERE rowid > ?
		ORDER BY rowid ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	defer rows.Close()

	var out []backend.FeedRecord
	for rows.Next() {
		var fr backend.FeedRecord
		r, err := scanRecord(func(dest ...any) error {
			return rows.Scan(append([]any{&fr.Position}, dest...)...)
		})
		if err != nil {
			return nil, fmt.Errorf("read feed: scan: %w", err)
		}
		fr.Record = r
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read feed: iterate: %w", err)
	}
	return out, nil
}

// LoadCursor returns the last acknowledged feed position for a named
// consumer, or 0 if the consumer has never acknowledged anything.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT position FROM relay_cursors WHERE name = ?
	`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return pos, nil
}

// SaveCursor durably acknowledges consumption up to pos for a named
// consumer. Callers must only save after downstream delivery succeeds,
// which is what preserves at-least-once semantics.
func (s *Store) SaveCursor(ctx context.Context, name string, pos int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_cursors (name, position)
		VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET position = excluded.position
	`, name, pos)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
