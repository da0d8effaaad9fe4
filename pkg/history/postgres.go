package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// PostgresConfig holds connection parameters for a shared, central
// history store used by a whole team. Every field overrides from the
// environment with the CUMIN_ prefix via caarlos0/env.
type PostgresConfig struct {
	Host     string `yaml:"host" env:"CUMIN_HISTORY_PG_HOST"`
	Port     int    `yaml:"port" env:"CUMIN_HISTORY_PG_PORT"`
	User     string `yaml:"user" env:"CUMIN_HISTORY_PG_USER"`
	Password string `yaml:"password" env:"CUMIN_HISTORY_PG_PASSWORD"`
	Database string `yaml:"database" env:"CUMIN_HISTORY_PG_DATABASE"`
	SSLMode  string `yaml:"ssl_mode" env:"CUMIN_HISTORY_PG_SSLMODE"`
}

// DSN returns a PostgreSQL connection string for cfg.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// PostgresStore is a PostgreSQL-backed history store for a shared,
// multi-operator cumin install. Selected with history.driver: postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and migrates) a PostgreSQL history store.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "opening postgres history store")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, cuminerrors.Wrap(cuminerrors.BackendUnreachable, err, "pinging postgres history store")
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	const schema = `CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		requester TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		record JSONB NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return cuminerrors.Wrap(cuminerrors.ConfigError, err, "migrating postgres history store")
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_executions_requester ON executions(requester)`
	if _, err := s.db.Exec(idx); err != nil {
		return cuminerrors.Wrap(cuminerrors.ConfigError, err, "migrating postgres history store")
	}
	return nil
}

func (s *PostgresStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return cuminerrors.Wrap(cuminerrors.WorkerError, err, "marshaling execution record")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, requester, started_at, record) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Requester, rec.StartedAt.UTC(), string(blob))
	if err != nil {
		return cuminerrors.Wrap(cuminerrors.WorkerError, err, "recording execution %s", rec.ID)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM executions WHERE id = $1`, id).Scan(&blob)
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

func (s *PostgresStore) ListExecutions(ctx context.Context, opts ListOptions) ([]*ExecutionRecord, error) {
	query := "SELECT record FROM executions WHERE true"
	var args []any
	argIdx := 1

	if opts.Requester != "" {
		query += fmt.Sprintf(" AND requester = $%d", argIdx)
		args = append(args, opts.Requester)
		argIdx++
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND started_at >= $%d", argIdx)
		args = append(args, opts.Since.UTC())
		argIdx++
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing postgres history store: %w", err)
	}
	return nil
}
