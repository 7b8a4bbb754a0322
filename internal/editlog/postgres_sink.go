package editlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEditLogTable = `
	CREATE TABLE IF NOT EXISTS edit_log (
		txid       BIGINT PRIMARY KEY,
		op         TEXT NOT NULL,
		record     BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresSink stores records in the edit_log table
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink on an existing pool
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// EnsureSchema creates the edit_log table if it does not exist
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createEditLogTable); err != nil {
		return fmt.Errorf("failed to create edit_log table: %w", err)
	}
	return nil
}

// Write inserts a batch. Rows already present are left alone so a
// retried batch is harmless.
func (s *PostgresSink) Write(ctx context.Context, records []*Record) error {
	query := `
		INSERT INTO edit_log (txid, op, record, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (txid) DO NOTHING
	`

	batch := &pgx.Batch{}
	now := time.Now()
	for _, r := range records {
		batch.Queue(query, r.TxID, r.Op.String(), Encode(r), now)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to write edit log record: %w", err)
		}
	}
	return nil
}

// ReadAll returns every record ordered by txid
func (s *PostgresSink) ReadAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM edit_log ORDER BY txid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read edit log: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan edit log record: %w", err)
		}
		r, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode edit log record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
