package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Options selects and locates the database.
type Options struct {
	Type string // "sqlite" or "postgres"
	Path string // sqlite file, ":memory:" allowed
	URL  string // postgres connection string
}

// Connect establishes a connection to the database and creates the schema
func Connect(opts Options) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch opts.Type {
	case "postgres":
		db, err = sqlx.Connect("postgres", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	case "sqlite", "":
		if opts.Path != ":memory:" {
			// Create data directory if it doesn't exist
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		db, err = sqlx.Connect("sqlite3", opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
		db.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", opts.Type)
	}

	if err := InitializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isPostgres(db sqlx.ExtContext) bool {
	return db.DriverName() == "postgres"
}

// InitializeSchema creates necessary tables if they don't exist
func InitializeSchema(db *sqlx.DB) error {
	statements := sqliteSchema
	if isPostgres(db) {
		statements = postgresSchema
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type schemaStatement struct {
	name string
	sql  string
}

var sqliteSchema = []schemaStatement{
	{"cards table", `
		CREATE TABLE IF NOT EXISTS cards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			answer_express TEXT NOT NULL DEFAULT '',
			takeaway TEXT NOT NULL DEFAULT '',
			key_points TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
	{"decks table", `
		CREATE TABLE IF NOT EXISTS decks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT false,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, name)
		)`},
	{"deck_cards table", `
		CREATE TABLE IF NOT EXISTS deck_cards (
			deck_id INTEGER NOT NULL,
			card_id INTEGER NOT NULL,
			FOREIGN KEY (deck_id) REFERENCES decks(id) ON DELETE CASCADE,
			FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE,
			UNIQUE(deck_id, card_id)
		)`},
	{"lesson_progress table", `
		CREATE TABLE IF NOT EXISTS lesson_progress (
			user_id INTEGER NOT NULL,
			lesson_id INTEGER NOT NULL,
			seen BOOLEAN NOT NULL DEFAULT false,
			completed BOOLEAN NOT NULL DEFAULT false,
			percent INTEGER NOT NULL DEFAULT 0,
			time_ms INTEGER NOT NULL DEFAULT 0,
			score_best INTEGER,
			score_last INTEGER,
			updated_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP,
			PRIMARY KEY (user_id, lesson_id)
		)`},
	{"card_srs_state table", `
		CREATE TABLE IF NOT EXISTS card_srs_state (
			user_id INTEGER NOT NULL,
			card_id INTEGER NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			due_at TIMESTAMP NOT NULL,
			last_reviewed_at TIMESTAMP,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			last_rating TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, card_id),
			FOREIGN KEY (card_id) REFERENCES cards(id) ON DELETE CASCADE
		)`},
	{"learning_events table", `
		CREATE TABLE IF NOT EXISTS learning_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			lesson_id INTEGER,
			payload TEXT,
			created_at TIMESTAMP NOT NULL
		)`},
}

var postgresSchema = []schemaStatement{
	{"cards table", `
		CREATE TABLE IF NOT EXISTS cards (
			id BIGSERIAL PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			answer_express TEXT NOT NULL DEFAULT '',
			takeaway TEXT NOT NULL DEFAULT '',
			key_points TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`},
	{"decks table", `
		CREATE TABLE IF NOT EXISTS decks (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT false,
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(user_id, name)
		)`},
	{"deck_cards table", `
		CREATE TABLE IF NOT EXISTS deck_cards (
			deck_id BIGINT NOT NULL REFERENCES decks(id) ON DELETE CASCADE,
			card_id BIGINT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
			UNIQUE(deck_id, card_id)
		)`},
	{"lesson_progress table", `
		CREATE TABLE IF NOT EXISTS lesson_progress (
			user_id BIGINT NOT NULL,
			lesson_id BIGINT NOT NULL,
			seen BOOLEAN NOT NULL DEFAULT false,
			completed BOOLEAN NOT NULL DEFAULT false,
			percent SMALLINT NOT NULL DEFAULT 0,
			time_ms BIGINT NOT NULL DEFAULT 0,
			score_best SMALLINT,
			score_last SMALLINT,
			updated_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, lesson_id)
		)`},
	{"card_srs_state table", `
		CREATE TABLE IF NOT EXISTS card_srs_state (
			user_id BIGINT NOT NULL,
			card_id BIGINT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
			level SMALLINT NOT NULL DEFAULT 1,
			due_at TIMESTAMPTZ NOT NULL,
			last_reviewed_at TIMESTAMPTZ,
			reviews_count INTEGER NOT NULL DEFAULT 0,
			last_rating TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, card_id)
		)`},
	{"learning_events table", `
		CREATE TABLE IF NOT EXISTS learning_events (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			lesson_id BIGINT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`},
}
