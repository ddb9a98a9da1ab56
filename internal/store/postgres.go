package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/gzhole/moltshield/internal/governor"
)

const defaultTable = "moltshield_rate_state"

// PostgresStore keeps one row per agent with the state as JSONB.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects with lib/pq, pings, and creates the table if it
// does not exist.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := NewPostgresStore(db, table)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = defaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	agent_id   TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	_, err = s.db.ExecContext(ctx,
		`ALTER TABLE `+s.table+` ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, agentID string) (governor.RateState, error) {
	var (
		st      governor.RateState
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM `+s.table+` WHERE agent_id = $1`, agentID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return st, governor.ErrNoState
	}
	if err != nil {
		return st, fmt.Errorf("select state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode state for %s: %w", agentID, err)
	}
	st.Version = version
	return st, nil
}

// Save inserts the first version of a row or updates it only where the
// stored version still matches; zero rows affected means another writer
// got there first.
func (s *PostgresStore) Save(ctx context.Context, agentID string, st governor.RateState) error {
	expected := st.Version
	st.Version++
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO `+s.table+` (agent_id, state, version, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (agent_id) DO NOTHING`,
			agentID, data, st.Version)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE `+s.table+` SET state = $2, version = $3, updated_at = now()
WHERE agent_id = $1 AND version = $4`,
			agentID, data, st.Version, expected)
	}
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	if n == 0 {
		return governor.ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
