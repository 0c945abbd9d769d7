// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absmach/pickup/storage"
	_ "modernc.org/sqlite"
)

var _ storage.DurableStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS store_queued_message (
	message_id                   TEXT PRIMARY KEY,
	connection_id                TEXT NOT NULL,
	recipient_keys               TEXT NOT NULL,
	encrypted_message            TEXT NOT NULL,
	encrypted_message_byte_count INTEGER NOT NULL,
	state                        TEXT NOT NULL,
	created_at                   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_connection_created
	ON store_queued_message (connection_id, created_at);
CREATE INDEX IF NOT EXISTS idx_queued_state
	ON store_queued_message (state);
`

// Config holds SQLite settings.
type Config struct {
	Path string // database file, or ":memory:"
}

// Store is a SQLite-backed storage.DurableStore.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database and applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx, memory); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context, memory bool) error {
	if !memory {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r storage.Record) error {
	keys := r.RecipientKeys
	if keys == nil {
		keys = []string{}
	}
	recipients, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("sqlite: encode recipients: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO store_queued_message
	(message_id, connection_id, recipient_keys, encrypted_message,
	 encrypted_message_byte_count, state, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO NOTHING`,
		r.MessageID, r.ConnectionID, string(recipients), r.EncryptedMessage,
		r.ByteCount, string(r.State), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", r.MessageID, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	payload := "encrypted_message"
	if q.WithoutPayload {
		payload = "''"
	}

	cond, args := where(q.Filter)
	query := `SELECT message_id, connection_id, recipient_keys, ` + payload + `,
	encrypted_message_byte_count, state, created_at
FROM store_queued_message` + cond + `
ORDER BY created_at ASC, message_id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find: %w", err)
	}
	defer rows.Close()

	var out []storage.Record
	for rows.Next() {
		var (
			r          storage.Record
			recipients string
			state      string
			created    int64
		)
		if err := rows.Scan(&r.MessageID, &r.ConnectionID, &recipients, &r.EncryptedMessage,
			&r.ByteCount, &state, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(recipients), &r.RecipientKeys); err != nil {
			return nil, &storage.DecodeError{Key: r.MessageID, Err: err}
		}
		r.State = storage.State(state)
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: find: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, f storage.Filter) (int64, error) {
	cond, args := where(f)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM store_queued_message`+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, f storage.Filter) (int64, error) {
	cond, args := where(f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM store_queued_message`+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) UpdateState(ctx context.Context, f storage.Filter, state storage.State) (int64, error) {
	cond, args := where(f)
	args = append([]any{string(state)}, args...)
	res, err := s.db.ExecContext(ctx, `UPDATE store_queued_message SET state = ?`+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update state: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const hasRecipient = `EXISTS (SELECT 1 FROM json_each(recipient_keys) WHERE json_each.value = ?)`

// where renders f as a WHERE clause with positional arguments.
func where(f storage.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	switch {
	case f.MatchEither && f.ConnectionID != "" && f.RecipientKey != "":
		conds = append(conds, `(connection_id = ? OR `+hasRecipient+`)`)
		args = append(args, f.ConnectionID, f.RecipientKey)
	default:
		if f.ConnectionID != "" {
			conds = append(conds, `connection_id = ?`)
			args = append(args, f.ConnectionID)
		}
		if f.RecipientKey != "" {
			conds = append(conds, hasRecipient)
			args = append(args, f.RecipientKey)
		}
	}

	if len(f.MessageIDs) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.MessageIDs)), ",")
		conds = append(conds, `message_id IN (`+marks+`)`)
		for _, id := range f.MessageIDs {
			args = append(args, id)
		}
	}

	if f.State != "" {
		conds = append(conds, `state = ?`)
		args = append(args, string(f.State))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
