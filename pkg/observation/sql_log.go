package observation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLLog implements Log using database/sql. It works with both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite); both accept $n placeholders.
type SQLLog struct {
	db *sql.DB

	// Appends are serialized so sequence assignment and the hash chain
	// never fork even when the process hosts concurrent writers.
	mu    sync.Mutex
	clock func() time.Time
}

// NewSQLLog creates a SQL-backed observation log and its schema.
func NewSQLLog(ctx context.Context, db *sql.DB) (*SQLLog, error) {
	l := &SQLLog{db: db, clock: time.Now}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS observations (
	sequence BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	fields TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);`

func (l *SQLLog) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("observation: migrate: %w", err)
	}
	return nil
}

// Append implements Log.
func (l *SQLLog) Append(ctx context.Context, kind Kind, actor string, fields map[string]string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("observation: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	var prevHash string
	row := tx.QueryRowContext(ctx, `SELECT sequence, content_hash FROM observations ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&seq, &prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		prevHash = genesisHash
	case err != nil:
		return nil, fmt.Errorf("observation: read head: %w", err)
	}
	seq++

	hash, err := contentHash(seq, kind, actor, fields, prevHash)
	if err != nil {
		return nil, err
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("observation: marshal fields: %w", err)
	}

	r := &Record{
		Sequence:    seq,
		Kind:        kind,
		Actor:       actor,
		Fields:      fields,
		Timestamp:   l.clock().UTC(),
		ContentHash: hash,
		PrevHash:    prevHash,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observations (sequence, kind, actor, fields, timestamp, content_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Sequence, string(r.Kind), r.Actor, string(fieldsJSON), r.Timestamp, r.ContentHash, r.PrevHash,
	)
	if err != nil {
		return nil, fmt.Errorf("observation: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("observation: commit: %w", err)
	}
	return r, nil
}

// Get implements Log.
func (l *SQLLog) Get(ctx context.Context, seq uint64) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT sequence, kind, actor, fields, timestamp, content_hash, prev_hash
		FROM observations WHERE sequence = $1`, seq)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("observation %d not found", seq)
		}
		return nil, err
	}
	return r, nil
}

// List implements Log.
func (l *SQLLog) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, kind, actor, fields, timestamp, content_hash, prev_hash
		FROM observations ORDER BY sequence DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("observation: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Len implements Log.
func (l *SQLLog) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("observation: count: %w", err)
	}
	return n, nil
}

// Verify implements Log.
func (l *SQLLog) Verify(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, kind, actor, fields, timestamp, content_hash, prev_hash
		FROM observations ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("observation: verify: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return verifyChain(records)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		kind       string
		fieldsJSON string
	)
	if err := row.Scan(&r.Sequence, &kind, &r.Actor, &fieldsJSON, &r.Timestamp, &r.ContentHash, &r.PrevHash); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
		return nil, fmt.Errorf("observation: unmarshal fields: %w", err)
	}
	return &r, nil
}
