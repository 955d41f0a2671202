package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores one JSON document per identity in a users table.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS users (
		internal_id TEXT PRIMARY KEY,
		jid         TEXT NOT NULL,
		data        TEXT NOT NULL,
		updated_at  INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, internalID string) (*Record, error) {
	var raw []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM users WHERE internal_id = ?`, internalID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", internalID, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", internalID, err)
	}
	return &r, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", r.InternalID, err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO users (internal_id, jid, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(internal_id) DO UPDATE SET jid = excluded.jid, data = excluded.data, updated_at = excluded.updated_at`,
		r.InternalID, r.JID, raw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save user %s: %w", r.InternalID, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
