package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL DEFAULT '',
			stream_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			close_code INTEGER NOT NULL,
			close_reason TEXT NOT NULL,
			frames_in BIGINT NOT NULL DEFAULT 0,
			frames_out BIGINT NOT NULL DEFAULT 0,
			barge_ins INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records (ended_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	record = withDefaults(record)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (id, session_id, call_id, stream_id, direction, close_code, close_reason, frames_in, frames_out, barge_ins, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID,
		record.SessionID,
		record.CallID,
		record.StreamID,
		record.Direction,
		record.CloseCode,
		record.CloseReason,
		record.FramesIn,
		record.FramesOut,
		record.BargeIns,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, call_id, stream_id, direction, close_code, close_reason, frames_in, frames_out, barge_ins, started_at, ended_at
		 FROM call_records ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CallID, &r.StreamID, &r.Direction, &r.CloseCode, &r.CloseReason,
			&r.FramesIn, &r.FramesOut, &r.BargeIns, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const defaultRecentLimit = 20

func withDefaults(record Record) Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.EndedAt.IsZero() {
		record.EndedAt = now
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}
	return record
}
