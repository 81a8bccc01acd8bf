// Package persist is the offline storage channel: batches the dispatcher
// gave up on are written to a local sqlite database and replayed later.
package persist

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	_ "modernc.org/sqlite"

	"github.com/kon-rad/appinsights/contracts"
)

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS envelopes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  body TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_envelopes_created ON envelopes (created_at);
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

// Store keeps undelivered envelopes on disk. A single writer connection
// serializes inserts; reads go through a small reader pool.
type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

// Pending is one stored envelope awaiting replay.
type Pending struct {
	ID        int64
	CreatedAt int64
	Attempts  int
	Body      json.RawMessage
}

type Stats struct {
	SizeBytes int64
	WALBytes  int64
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer db: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader db: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)

	if err := writer.PingContext(context.Background()); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}
	if _, err := writer.Exec(schemaDDL); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		path:   path,
		writer: writer,
		reader: reader,
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

// SaveBatch stores each envelope of a failed batch as its own row.
// Implements dispatch.DeadLetter.
func (s *Store) SaveBatch(ctx context.Context, items []*contracts.Envelope, lastError string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO envelopes (created_at, body, attempts, last_error)
VALUES (?, ?, 0, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare envelope insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, now, string(body), lastError); err != nil {
			return fmt.Errorf("insert envelope row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FetchPending returns up to limit stored envelopes, oldest first, skipping
// rows that already burned maxAttempts replay attempts.
func (s *Store) FetchPending(ctx context.Context, limit, maxAttempts int) ([]Pending, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, created_at, attempts, body
FROM envelopes
WHERE attempts < ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Pending, 0, limit)
	for rows.Next() {
		var p Pending
		var body string
		if err := rows.Scan(&p.ID, &p.CreatedAt, &p.Attempts, &body); err != nil {
			return nil, err
		}
		p.Body = json.RawMessage(body)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkAttempt bumps the attempt counter after a failed replay.
func (s *Store) MarkAttempt(ctx context.Context, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE envelopes SET attempts = attempts + 1, last_error = ? WHERE id IN (%s)",
		placeholders(len(ids)),
	)
	args := make([]any, 0, len(ids)+1)
	args = append(args, lastError)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.writer.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM envelopes WHERE id IN (%s)", placeholders(len(ids)))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.writer.ExecContext(ctx, query, args...)
	return err
}

// PurgeExhausted deletes rows that burned all their replay attempts and
// returns how many envelopes were discarded.
func (s *Store) PurgeExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.writer.ExecContext(ctx, "DELETE FROM envelopes WHERE attempts >= ?", maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sweep deletes envelopes older than maxAge regardless of attempts.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.writer.ExecContext(ctx, "DELETE FROM envelopes WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM envelopes").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) Stats() Stats {
	var stats Stats
	if fi, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(s.path + "-wal"); err == nil {
		stats.WALBytes = fi.Size()
	}
	return stats
}

func (s *Store) Ping(ctx context.Context) error {
	return s.writer.PingContext(ctx)
}

func (s *Store) Close() error {
	var errs []error
	if err := s.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
