package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		google_id TEXT UNIQUE,
		profile_image TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL,
		title TEXT NOT NULL,
		code TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		like_count INTEGER NOT NULL DEFAULT 0,
		comment_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS posts_created_idx ON posts(created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS posts_author_idx ON posts(author_id);`,
	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS comments_post_idx ON comments(post_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS likes (
		post_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (post_id, user_id)
	);`,
}

// SQLite DB
type SQLiteDB struct {
	sqlStore
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// one connection keeps :memory: databases coherent and serializes writers
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{
		sqlStore: sqlStore{db: d, d: dialect{name: "sqlite", uniqueField: sqliteUniqueField}},
	}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	for _, q := range sqliteSchema {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

// sqliteUniqueField parses "UNIQUE constraint failed: users.email".
func sqliteUniqueField(err error) string {
	msg := err.Error()
	i := strings.Index(msg, "UNIQUE constraint failed: users.")
	if i < 0 {
		return ""
	}
	col := msg[i+len("UNIQUE constraint failed: users."):]
	if j := strings.IndexAny(col, " ,)"); j >= 0 {
		col = col[:j]
	}
	return fieldName(col)
}

// fieldName maps a users column to the API field name.
func fieldName(col string) string {
	switch col {
	case "google_id":
		return "googleId"
	default:
		return col
	}
}
