package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// SQLiteStore is a single-file durable history store, suitable for one
// operator box. Selected with history.driver: sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite history database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "opening sqlite history store %s", path)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		requester TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		record TEXT NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return cuminerrors.Wrap(cuminerrors.ConfigError, err, "migrating sqlite history store")
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_executions_requester ON executions(requester)`
	if _, err := s.db.Exec(idx); err != nil {
		return cuminerrors.Wrap(cuminerrors.ConfigError, err, "migrating sqlite history store")
	}
	return nil
}

func (s *SQLiteStore) RecordExecution(_ context.Context, rec *ExecutionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return cuminerrors.Wrap(cuminerrors.WorkerError, err, "marshaling execution record")
	}
	_, err = s.db.Exec(`INSERT INTO executions (id, requester, started_at, record) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Requester, rec.StartedAt.UTC(), string(blob))
	if err != nil {
		return cuminerrors.Wrap(cuminerrors.WorkerError, err, "recording execution %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	var blob string
	err := s.db.QueryRow(`SELECT record FROM executions WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, cuminerrors.New(cuminerrors.WorkerError, "execution %s not found", id)
	}
	if err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "fetching execution %s", id)
	}
	var rec ExecutionRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "unmarshaling execution %s", id)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListExecutions(_ context.Context, opts ListOptions) ([]*ExecutionRecord, error) {
	query := "SELECT record FROM executions WHERE 1=1"
	var args []any

	if opts.Requester != "" {
		query += " AND requester = ?"
		args = append(args, opts.Requester)
	}
	if !opts.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "listing executions")
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "scanning execution row")
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "unmarshaling execution row")
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.WorkerError, err, "iterating execution rows")
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite history store: %w", err)
	}
	return nil
}
