// Package sqlite implements the backend contract on SQLite. One database
// file holds every record of every facet; the atomic multi-item write maps
// to a single immediate transaction, with each item's guard checked against
// the stored row before the write is applied.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/facet/internal/backend"
	"github.com/roach88/facet/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added facet index on records
const currentSchemaVersion = 1

// Store is a SQLite-backed backend.Backend. The connection pool is limited
// to a single connection because SQLite supports one writer at a time.
type Store struct {
	db *sql.DB
}

var _ backend.Backend = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and applies
// required pragmas and migrations. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements backend.Backend. SQLite reads are strongly consistent by
// construction: there is only one database.
func (s *Store) Get(ctx context.Context, group, key string) (record.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item
		FROM records
		WHERE group_id = ? AND sort_key = ?
	`, group, key)

	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("get record: %w", err)
	}
	return r, true, nil
}

// Query implements backend.Backend.
func (s *Store) Query(ctx context.Context, group string) ([]record.Record, error) {
	return s.queryWhere(ctx, `
		SELECT group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item
		FROM records
		WHERE group_id = ?
		ORDER BY sort_key COLLATE BINARY ASC
	`, group)
}

// QueryPrefix implements backend.Backend.
func (s *Store) QueryPrefix(ctx context.Context, group, prefix string) ([]record.Record, error) {
	return s.queryWhere(ctx, `
		SELECT group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item
		FROM records
		WHERE group_id = ? AND substr(sort_key, 1, length(?)) = ?
		ORDER BY sort_key COLLATE BINARY ASC
	`, group, prefix, prefix)
}

func (s *Store) queryWhere(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// TransactWrite implements backend.Backend. Guards are evaluated inside the
// write transaction, so the check and the write are atomic with respect to
// concurrent writers.
func (s *Store) TransactWrite(ctx context.Context, puts []backend.Put) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transact write: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, p := range puts {
		if err := applyPut(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transact write: commit: %w", err)
	}
	return nil
}

func applyPut(ctx context.Context, tx *sql.Tx, p backend.Put) error {
	r := p.Record

	switch p.Guard {
	case backend.GuardKeyAbsent:
		// The unique (group_id, sort_key) constraint claims the slot
		// atomically; a conflict means the key already exists.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO records
			(group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id, sort_key) DO NOTHING
		`, r.Group, r.Key, r.Facet, r.Type, r.Seq, r.Millis, r.Date, string(r.Item))
		if err != nil {
			return fmt.Errorf("transact write: insert %s %s: %w", r.Group, r.Key, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("transact write: rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("transact write: %s %s exists: %w", r.Group, r.Key, backend.ErrConditionFailed)
		}
		return nil

	case backend.GuardStateSeq:
		var seq int64
		err := tx.QueryRowContext(ctx, `
			SELECT seq FROM records WHERE group_id = ? AND sort_key = ?
		`, r.Group, r.Key).Scan(&seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No prior record: the swap is unconditional.
		case err != nil:
			return fmt.Errorf("transact write: read %s %s: %w", r.Group, r.Key, err)
		case seq != p.PrevSeq:
			return fmt.Errorf("transact write: %s %s: seq %d != %d: %w",
				r.Group, r.Key, seq, p.PrevSeq, backend.ErrConditionFailed)
		}
		return replaceRecord(ctx, tx, r)

	case backend.GuardNone:
		return replaceRecord(ctx, tx, r)

	default:
		return fmt.Errorf("transact write: unknown guard %d", p.Guard)
	}
}

func replaceRecord(ctx context.Context, tx *sql.Tx, r record.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO records
		(group_id, sort_key, facet, record_type, seq, ts_millis, ts_date, item)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Group, r.Key, r.Facet, r.Type, r.Seq, r.Millis, r.Date, string(r.Item))
	if err != nil {
		return fmt.Errorf("transact write: replace %s %s: %w", r.Group, r.Key, err)
	}
	return nil
}

type scanFunc func(dest ...any) error

func scanRecord(scan scanFunc) (record.Record, error) {
	var r record.Record
	var item string
	if err := scan(&r.Group, &r.Key, &r.Facet, &r.Type, &r.Seq, &r.Millis, &r.Date, &item); err != nil {
		return record.Record{}, err
	}
	if item != "" {
		r.Item = json.RawMessage(item)
	}
	return r, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the facet index for existing databases. New databases
// get the same index here as well; CREATE INDEX IF NOT EXISTS is a no-op
// when it already exists.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_facet
		ON records(facet)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
