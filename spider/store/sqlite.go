package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite implementation of Store.
//
// It keeps the whole crawl in a single-file database. Designed for:
//   - Development and single-machine crawls with zero setup
//   - Long-running interruptible crawls that must survive restarts
//
// The store enables WAL mode for concurrent reads, restricts the pool to
// a single writer connection, and creates the declared layers' tables
// when it is opened.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
// ":memory:" yields a throwaway in-process database.
func NewSQLiteStore(path string, schemas map[string]LayerSchema) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite supports one writer at a time; keep the connection open so
	// an in-memory database survives between calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: newSQLStore(db, sqliteDialect(), "", schemas),
		path:     path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func sqliteDialect() dialect {
	return dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		textType:    "TEXT",
		textKeyType: "TEXT",
		intType:     "INTEGER",
		boolType:    "INTEGER",
		blobType:    "BLOB",
		autoPK:      "INTEGER PRIMARY KEY AUTOINCREMENT",
		upsert: func(_ string, keyCols, assignments []string) string {
			return "ON CONFLICT(" + strings.Join(keyCols, ", ") + ") DO UPDATE SET " +
				strings.Join(assignments, ", ")
		},
		insertIgnore: func(table, cols, marks string) string {
			return "INSERT OR IGNORE INTO " + table + " (" + cols + ") VALUES (" + marks + ")"
		},
		createIndex: func(name, table, cols string) string {
			return "CREATE INDEX IF NOT EXISTS " + name + " ON " + table + " (" + cols + ")"
		},
		excluded: func(col string) string { return "excluded." + col },
		greatest: func(a, b string) string { return "MAX(" + a + ", " + b + ")" },
	}
}
