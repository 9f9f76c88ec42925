package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	saved_by TEXT NOT NULL,
	saved_at INTEGER NOT NULL
)`

// SQLite stores documents in a single table through database/sql.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the pure-Go sqlite driver and creates the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if dsn == "" {
		dsn = "file:collab.sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("sqlite", "open", err)
	}
	// one connection so file::memory: databases are shared by every query
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, wrap("sqlite", "migrate", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, saved_by, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			saved_by = excluded.saved_by,
			saved_at = excluded.saved_at
	`, doc.ID, doc.Content, doc.SavedBy, doc.SavedAt.UnixMilli())
	return wrap("sqlite", "save", err)
}

func (s *SQLite) Load(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, saved_by, saved_at FROM documents WHERE id = ?
	`, id)
	var doc Document
	var savedAt int64
	if err := row.Scan(&doc.ID, &doc.Content, &doc.SavedBy, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("sqlite", "load", err)
	}
	doc.SavedAt = time.UnixMilli(savedAt).UTC()
	return &doc, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return wrap("sqlite", "ping", s.db.PingContext(ctx))
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
